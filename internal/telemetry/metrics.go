package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — Prometheus метрики Relay.
//
// Все методы безопасны для nil-получателя: компоненты, созданные без
// метрик (например, в тестах), просто ничего не записывают.
type Metrics struct {
	ticketEvents   *prometheus.CounterVec
	pendingTickets *prometheus.GaugeVec
	poolSize       *prometheus.GaugeVec
	poolTarget     *prometheus.GaugeVec
	tickDuration   prometheus.Histogram
	tickErrors     *prometheus.CounterVec
	writeBacks     *prometheus.CounterVec
	reclaimed      *prometheus.CounterVec
}

// NewMetrics создаёт и регистрирует метрики в reg.
// Если reg == nil, используется prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ticketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tickets_total",
			Help:      "Ticket lifecycle events by role and event type.",
		}, []string{"role", "event"}),
		pendingTickets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pending_tickets",
			Help:      "Queued tickets per role observed by the last tick.",
		}, []string{"role"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pool_size",
			Help:      "Live executors per role.",
		}, []string{"role"}),
		poolTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pool_target",
			Help:      "Target pool size computed by the last tick.",
		}, []string{"role"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "tick_duration_seconds",
			Help:      "Duration of conductor ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tick_errors_total",
			Help:      "Errors raised inside conductor ticks by stage.",
		}, []string{"stage"}),
		writeBacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "writeback_total",
			Help:      "Task store write-backs by outcome.",
		}, []string{"outcome"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "reclaimed_total",
			Help:      "Processing tickets returned to the queue by the reclaim sweep.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.ticketEvents,
		m.pendingTickets,
		m.poolSize,
		m.poolTarget,
		m.tickDuration,
		m.tickErrors,
		m.writeBacks,
		m.reclaimed,
	)
	return m
}

// TicketEvent учитывает событие жизненного цикла ticket.
func (m *Metrics) TicketEvent(role, event string) {
	if m == nil {
		return
	}
	m.ticketEvents.WithLabelValues(role, event).Inc()
}

// SetPending записывает глубину очереди роли.
func (m *Metrics) SetPending(role string, pending int) {
	if m == nil {
		return
	}
	m.pendingTickets.WithLabelValues(role).Set(float64(pending))
}

// SetPoolSize записывает текущий и целевой размер пула роли.
func (m *Metrics) SetPoolSize(role string, size, target int) {
	if m == nil {
		return
	}
	m.poolSize.WithLabelValues(role).Set(float64(size))
	m.poolTarget.WithLabelValues(role).Set(float64(target))
}

// ObserveTick записывает длительность тика.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// TickError учитывает ошибку на стадии тика (sync, scale, reclaim, writeback).
func (m *Metrics) TickError(stage string) {
	if m == nil {
		return
	}
	m.tickErrors.WithLabelValues(stage).Inc()
}

// WriteBack учитывает результат записи во внешнее хранилище.
func (m *Metrics) WriteBack(outcome string) {
	if m == nil {
		return
	}
	m.writeBacks.WithLabelValues(outcome).Inc()
}

// Reclaimed учитывает tickets, возвращённые в очередь sweep'ом.
func (m *Metrics) Reclaimed(role string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reclaimed.WithLabelValues(role).Add(float64(n))
}
