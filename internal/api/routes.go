package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Tickets
	mux.Handle("GET /api/v1/tickets", chain(http.HandlerFunc(h.ListTickets)))
	mux.Handle("GET /api/v1/tickets/{id}", chain(http.HandlerFunc(h.GetTicket)))
	mux.Handle("POST /api/v1/tickets/{id}/requeue", chain(http.HandlerFunc(h.RequeueTicket)))
	mux.Handle("POST /api/v1/tickets/{id}/fail", chain(http.HandlerFunc(h.FailTicket)))

	// Tasks
	mux.Handle("GET /api/v1/tasks/{taskId}/ticket", chain(http.HandlerFunc(h.GetTaskTicket)))
	mux.Handle("GET /api/v1/tasks/{taskId}/output", chain(http.HandlerFunc(h.GetTaskOutput)))

	// Conductor
	mux.Handle("GET /api/v1/pools", chain(http.HandlerFunc(h.ListPools)))
	mux.Handle("GET /api/v1/stats", chain(http.HandlerFunc(h.GetStats)))
	mux.Handle("POST /api/v1/tick", chain(http.HandlerFunc(h.Tick)))

	// Service
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// Routes возвращает mux со всеми маршрутами.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}
