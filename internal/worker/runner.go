package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
	defaultFailTimeout  = 5 * time.Second
)

// Queue — операции очереди, которые нужны executor'у.
// Реализуется *queue.Queue.
type Queue interface {
	Claim(ctx context.Context, executorID, role string) (*domain.Ticket, error)
	Complete(ctx context.Context, ticketID string, output json.RawMessage) error
	Fail(ctx context.Context, ticketID string, requeue bool, reason string) error
}

// Runner выполняет цикл claim → handle → complete/fail.
//
// Runner реализует pool.Executor: пул запускает ClaimLoop в отдельной
// горутине для каждого executor'а и останавливает его отменой контекста.
// Runner stateless, один экземпляр обслуживает все пулы.
type Runner struct {
	queue    Queue
	registry *Registry

	pollInterval time.Duration
	maxBackoff   time.Duration
	failTimeout  time.Duration

	logger *slog.Logger
}

// Config — конфигурация Runner.
type Config struct {
	Queue Queue

	// Registry — маршруты по ролям (опционально; если nil — пустой реестр).
	Registry *Registry

	// PollInterval — пауза после пустого claim (default: 500ms).
	// Пауза удваивается до MaxBackoff, пока очередь пуста.
	PollInterval time.Duration

	// MaxBackoff — максимальная пауза между claim (default: 10s).
	MaxBackoff time.Duration

	// FailTimeout — таймаут Fail при остановке executor'а (default: 5s).
	FailTimeout time.Duration

	// Logger
	Logger *slog.Logger
}

// NewRunner создаёт новый Runner.
func NewRunner(cfg Config) *Runner {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < pollInterval {
		maxBackoff = max(defaultMaxBackoff, pollInterval)
	}

	failTimeout := cfg.FailTimeout
	if failTimeout <= 0 {
		failTimeout = defaultFailTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	return &Runner{
		queue:        cfg.Queue,
		registry:     registry,
		pollInterval: pollInterval,
		maxBackoff:   maxBackoff,
		failTimeout:  failTimeout,
		logger:       logger,
	}
}

// Registry возвращает реестр маршрутов.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// ClaimLoop забирает и обрабатывает tickets роли, пока ctx не отменён.
// Всегда возвращает ошибку контекста.
func (r *Runner) ClaimLoop(ctx context.Context, executorID, role string) error {
	logger := r.logger.With("executor_id", executorID, "role", role)
	logger.Debug("executor started")
	defer logger.Debug("executor stopped")

	backoff := r.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ticket, err := r.queue.Claim(ctx, executorID, role)
		if err != nil && ctx.Err() == nil {
			logger.Error("failed to claim ticket", "error", err)
		}
		if ticket == nil {
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, r.maxBackoff)
			continue
		}

		backoff = r.pollInterval
		r.process(ctx, logger, ticket)
	}
}

// process обрабатывает забранный ticket и всегда завершает его
// через Complete или Fail.
func (r *Runner) process(ctx context.Context, logger *slog.Logger, ticket *domain.Ticket) {
	logger = logger.With(
		"ticket_id", ticket.ID,
		"task_id", ticket.TaskID,
		"attempt", ticket.Attempts,
	)
	logger.Info("ticket started")

	route, err := r.registry.Get(ticket.Role)
	if err != nil {
		r.fail(ctx, logger, ticket, false, err.Error())
		return
	}

	if route.Validator != nil {
		if err := route.Validator.Validate(ticket.Payload).Err(); err != nil {
			r.fail(ctx, logger, ticket, false, err.Error())
			return
		}
	}

	start := time.Now()
	result, execErr := r.execute(telemetry.WithLogger(ctx, logger), route.Handler, ticket)

	// Executor остановлен пулом: ticket возвращается в очередь.
	if ctx.Err() != nil {
		r.fail(ctx, logger, ticket, true, ErrExecutorStopped.Error())
		return
	}

	if execErr == nil && result.Error == "" {
		output, err := marshalOutputs(result.Outputs)
		if err != nil {
			r.fail(ctx, logger, ticket, false, err.Error())
			return
		}
		if err := r.queue.Complete(ctx, ticket.ID, output); err != nil {
			// Ticket нельзя оставлять в processing: executor жив,
			// и reclaim его не заберёт. Fail на финальном ticket — no-op.
			logger.Error("failed to complete ticket", "error", err)
			r.fail(ctx, logger, ticket, ticket.CanRetry(route.maxAttempts()), fmt.Sprintf("complete: %v", err))
			return
		}
		logger.Info("ticket completed", "duration", time.Since(start))
		return
	}

	reason := result.Error
	retriable := result.Retry
	if execErr != nil {
		reason = execErr.Error()
		retriable = !errors.Is(execErr, ErrHandlerPanic)
	}

	requeue := retriable && ticket.CanRetry(route.maxAttempts())
	r.fail(ctx, logger, ticket, requeue, reason)
}

// execute вызывает handler и превращает panic в ErrHandlerPanic.
func (r *Runner) execute(ctx context.Context, h Handler, ticket *domain.Ticket) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()

	result, err = h.Handle(ctx, ticket)
	if err == nil && result == nil {
		result = &Result{}
	}
	return result, err
}

// fail вызывает Queue.Fail. Если ctx уже отменён, используется отдельный
// контекст с таймаутом, чтобы ticket не остался в processing.
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, ticket *domain.Ticket, requeue bool, reason string) {
	failCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		failCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.failTimeout)
		defer cancel()
	}

	if err := r.queue.Fail(failCtx, ticket.ID, requeue, reason); err != nil {
		logger.Error("failed to fail ticket", "requeue", requeue, "error", err)
		return
	}
	logger.Warn("ticket failed", "requeue", requeue, "reason", reason)
}

// marshalOutputs сериализует outputs; пустой результат сохраняется как NULL.
func marshalOutputs(outputs map[string]any) (json.RawMessage, error) {
	if outputs == nil {
		return nil, nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal outputs: %w", err)
	}
	return data, nil
}

// nextBackoff удваивает паузу до maxDelay.
func nextBackoff(current, maxDelay time.Duration) time.Duration {
	next := current * 2
	if next > maxDelay {
		return maxDelay
	}
	return next
}

// sleep ждёт d или отмены ctx. Возвращает false, если ctx отменён.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
