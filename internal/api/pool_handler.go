package api

import (
	"net/http"
)

// ListPools возвращает пулы executor'ов с глубиной очереди роли.
// GET /api/v1/pools
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := h.conductor.Pools()

	result := make([]PoolResponse, len(pools))
	for i, p := range pools {
		pending, err := h.queue.PendingCount(r.Context(), p.Role)
		if HandleError(w, h.logger, err, "") {
			return
		}
		result[i] = PoolFromInfo(p, pending)
	}

	List(w, result, len(result))
}

// GetStats возвращает количество tickets по ролям и статусам.
// GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if HandleError(w, h.logger, err, "") {
		return
	}

	List(w, stats, len(stats))
}

// Tick запускает внеочередной цикл sync → scale → reclaim → write-back.
// POST /api/v1/tick
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	report, err := h.conductor.Tick(r.Context())
	if HandleError(w, h.logger, err, "") {
		return
	}

	Success(w, TickFromReport(report))
}

// Health сообщает, что процесс жив и conductor работает.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.conductor.IsStopped() {
		JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "stopped"})
		return
	}
	JSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
