package api

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shaiso/Relay/internal/conductor"
	"github.com/shaiso/Relay/internal/queue"
)

// Conductor — операции Conductor'а, доступные через API.
type Conductor interface {
	Tick(ctx context.Context) (*conductor.TickReport, error)
	Pools() []conductor.PoolInfo
	IsStopped() bool
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	queue     *queue.Queue
	conductor Conductor
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Queue     *queue.Queue
	Conductor Conductor

	// Gatherer — источник метрик для /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		queue:     cfg.Queue,
		conductor: cfg.Conductor,
		gatherer:  gatherer,
		logger:    logger,
	}
}
