package worker

import (
	"context"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// DelayHandler ждёт заданное время и завершает ticket.
// Используется для нагрузочных прогонов и проверки autoscaling.
//
// payload.duration_sec (number), если задан, переопределяет Duration.
type DelayHandler struct {
	Duration time.Duration // default: 1s
}

// Handle выполняет задержку. Поддерживает отмену через context.
func (h *DelayHandler) Handle(ctx context.Context, ticket *domain.Ticket) (*Result, error) {
	duration := h.Duration
	if val, ok := ticket.Payload["duration_sec"]; ok {
		switch v := val.(type) {
		case float64:
			duration = time.Duration(v * float64(time.Second))
		case int:
			duration = time.Duration(v) * time.Second
		}
	}
	if duration <= 0 {
		duration = time.Second
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &Result{
			Outputs: map[string]any{"delayed_sec": duration.Seconds()},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
