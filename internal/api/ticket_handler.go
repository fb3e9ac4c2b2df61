package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/shaiso/Relay/internal/domain"
)

const defaultListLimit = 50

// ListTickets возвращает список tickets с фильтрацией.
// GET /api/v1/tickets?task_id=...&role=...&status=...&limit=...&offset=...
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TicketFilter{
		TaskID: q.Get("task_id"),
		Role:   q.Get("role"),
		Status: domain.TicketStatus(q.Get("status")),
		Limit:  defaultListLimit,
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			BadRequest(w, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	tickets, err := h.queue.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]TicketResponse, len(tickets))
	for i, t := range tickets {
		result[i] = TicketFromDomain(t)
	}

	List(w, result, len(result))
}

// GetTicket возвращает ticket по ID.
// GET /api/v1/tickets/{id}
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err, "ticket not found") {
		return
	}

	Success(w, TicketFromDomain(*ticket))
}

// RequeueTicket возвращает забранный ticket в очередь.
// POST /api/v1/tickets/{id}/requeue
func (h *Handler) RequeueTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	ticket, err := h.queue.Get(ctx, id)
	if HandleError(w, h.logger, err, "ticket not found") {
		return
	}

	// Финальный ticket в очередь не возвращается.
	if ticket.IsFinished() {
		InvalidState(w, "ticket is already "+string(ticket.Status))
		return
	}

	if err := h.queue.Fail(ctx, id, true, "requeued by operator"); HandleError(w, h.logger, err, "ticket not found") {
		return
	}

	h.respondTicket(w, r, id)
}

// FailTicket переводит ticket в failed.
// POST /api/v1/tickets/{id}/fail
func (h *Handler) FailTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req FailTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "failed by operator"
	}

	ticket, err := h.queue.Get(ctx, id)
	if HandleError(w, h.logger, err, "ticket not found") {
		return
	}
	if ticket.IsFinished() {
		InvalidState(w, "ticket is already "+string(ticket.Status))
		return
	}

	if err := h.queue.Fail(ctx, id, false, req.Reason); HandleError(w, h.logger, err, "ticket not found") {
		return
	}

	h.respondTicket(w, r, id)
}

// GetTaskTicket возвращает активный ticket задачи, а если его нет — последний.
// GET /api/v1/tasks/{taskId}/ticket
func (h *Handler) GetTaskTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("taskId")

	ticket, err := h.queue.GetActiveTicket(ctx, taskID)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if ticket == nil {
		ticket, err = h.queue.LatestTicket(ctx, taskID)
		if HandleError(w, h.logger, err, "") {
			return
		}
	}
	if ticket == nil {
		NotFound(w, "no ticket for task "+taskID)
		return
	}

	Success(w, TicketFromDomain(*ticket))
}

// GetTaskOutput возвращает результат последнего completed ticket задачи.
// GET /api/v1/tasks/{taskId}/output
func (h *Handler) GetTaskOutput(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")

	output, err := h.queue.GetOutput(r.Context(), taskID)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if output == nil {
		NotFound(w, "no output for task "+taskID)
		return
	}

	Success(w, TaskOutputResponse{TaskID: taskID, Output: output})
}

func (h *Handler) respondTicket(w http.ResponseWriter, r *http.Request, id string) {
	ticket, err := h.queue.Get(r.Context(), id)
	if HandleError(w, h.logger, err, "ticket not found") {
		return
	}
	Success(w, TicketFromDomain(*ticket))
}
