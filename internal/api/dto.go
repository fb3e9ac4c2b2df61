package api

import (
	"encoding/json"

	"github.com/shaiso/Relay/internal/conductor"
	"github.com/shaiso/Relay/internal/domain"
)

// === Ticket DTOs ===

// TicketResponse — ответ с данными ticket.
type TicketResponse struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Priority  int             `json:"priority"`
	Role      string          `json:"role"`
	Status    string          `json:"status"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	ClaimedAt *string         `json:"claimed_at,omitempty"`
	Attempts  int             `json:"attempts"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reported  bool            `json:"reported"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// TicketFromDomain конвертирует domain.Ticket в TicketResponse.
func TicketFromDomain(t domain.Ticket) TicketResponse {
	resp := TicketResponse{
		ID:        t.ID,
		TaskID:    t.TaskID,
		Priority:  t.Priority,
		Role:      t.Role,
		Status:    string(t.Status),
		ClaimedBy: t.ClaimedBy,
		Attempts:  t.Attempts,
		Payload:   t.Payload,
		Output:    t.Output,
		Error:     t.Error,
		Reported:  t.Reported,
		CreatedAt: t.CreatedAt.Format(timeFormat),
		UpdatedAt: t.UpdatedAt.Format(timeFormat),
	}
	if t.ClaimedAt != nil {
		s := t.ClaimedAt.Format(timeFormat)
		resp.ClaimedAt = &s
	}
	return resp
}

// FailTicketRequest — запрос на принудительный провал ticket.
type FailTicketRequest struct {
	Reason string `json:"reason"`
}

// TaskOutputResponse — результат последнего completed ticket задачи.
type TaskOutputResponse struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
}

// === Pool DTOs ===

// PoolResponse — состояние пула роли.
type PoolResponse struct {
	Role       string   `json:"role"`
	Size       int      `json:"size"`
	MinWorkers int      `json:"min_workers"`
	MaxWorkers int      `json:"max_workers"`
	LoadFactor float64  `json:"load_factor"`
	Pending    int      `json:"pending"`
	Executors  []string `json:"executors"`
}

// PoolFromInfo конвертирует conductor.PoolInfo в PoolResponse.
func PoolFromInfo(p conductor.PoolInfo, pending int) PoolResponse {
	return PoolResponse{
		Role:       p.Role,
		Size:       p.Size,
		MinWorkers: p.MinWorkers,
		MaxWorkers: p.MaxWorkers,
		LoadFactor: p.LoadFactor,
		Pending:    pending,
		Executors:  p.Executors,
	}
}

// === Tick DTOs ===

// TickResponse — отчёт о внеочередном tick.
type TickResponse struct {
	Enqueued   int            `json:"enqueued"`
	Skipped    int            `json:"skipped"`
	Reclaimed  int            `json:"reclaimed"`
	Reported   int            `json:"reported"`
	Errors     int            `json:"errors"`
	Pools      map[string]int `json:"pools"`
	DurationMs int64          `json:"duration_ms"`
}

// TickFromReport конвертирует conductor.TickReport в TickResponse.
func TickFromReport(r *conductor.TickReport) TickResponse {
	return TickResponse{
		Enqueued:   r.Enqueued,
		Skipped:    r.Skipped,
		Reclaimed:  r.Reclaimed,
		Reported:   r.Reported,
		Errors:     r.Errors,
		Pools:      r.Pools,
		DurationMs: r.Duration.Milliseconds(),
	}
}

// HealthResponse — ответ /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
