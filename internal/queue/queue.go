package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/repo"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Default configuration values.
const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// rolePattern — допустимое имя роли.
var rolePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Store — persistence-слой очереди.
//
// Реализации: repo.TicketRepo (PostgreSQL), repo.SQLiteTicketRepo (SQLite).
// Каждая операция атомарна; Complete/Fail возвращают changed=false, если
// ticket уже в финальном статусе.
type Store interface {
	Insert(ctx context.Context, t *domain.Ticket) (id string, created bool, err error)
	ClaimNext(ctx context.Context, role, executorID string, now time.Time) (*domain.Ticket, error)
	Complete(ctx context.Context, id string, output json.RawMessage, now time.Time) (*domain.Ticket, bool, error)
	Fail(ctx context.Context, id string, requeue bool, reason string, now time.Time) (*domain.Ticket, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	GetActiveByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error)
	GetLatestByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error)
	GetLatestOutput(ctx context.Context, taskID string) (json.RawMessage, error)
	CountQueued(ctx context.Context, role string) (int, error)
	List(ctx context.Context, filter domain.TicketFilter) ([]domain.Ticket, error)
	Stats(ctx context.Context) ([]domain.RoleStats, error)
	ReclaimStale(ctx context.Context, cutoff time.Time, live []string, reason string, now time.Time) ([]domain.Ticket, error)
	ListUnreported(ctx context.Context, limit int) ([]domain.Ticket, error)
	MarkReported(ctx context.Context, id string) error
}

var (
	_ Store = (*repo.TicketRepo)(nil)
	_ Store = (*repo.SQLiteTicketRepo)(nil)
)

// Queue — персистентная приоритетная очередь tickets.
//
// Queue разделяется между Conductor'ом и всеми executor'ами:
// Conductor вызывает Enqueue, executors — Claim/Complete/Fail.
// Ошибки хранилища возвращаются вызывающему без повторов.
type Queue struct {
	store   Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// Config — конфигурация Queue.
type Config struct {
	// Store — хранилище tickets (обязательно).
	Store Store

	// Metrics — Prometheus метрики (опционально).
	Metrics *telemetry.Metrics

	// Clock — источник времени (опционально, для тестов).
	Clock func() time.Time

	// Logger
	Logger *slog.Logger
}

// New создаёт новую Queue.
func New(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Queue{
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     func() time.Time { return clock().UTC() },
	}
}

// EnqueueOption — дополнительный параметр Enqueue.
type EnqueueOption func(*domain.Ticket)

// WithPayload сохраняет в ticket снимок задачи.
func WithPayload(payload map[string]any) EnqueueOption {
	return func(t *domain.Ticket) {
		t.Payload = payload
	}
}

// Enqueue ставит задачу в очередь и возвращает ID ticket.
//
// Если для taskID уже есть активный (queued/processing) ticket,
// возвращается его ID без ошибки и без создания нового.
func (q *Queue) Enqueue(ctx context.Context, taskID string, priority int, role string, opts ...EnqueueOption) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if priority < 0 {
		return "", fmt.Errorf("%w: priority must be >= 0, got %d", ErrValidation, priority)
	}
	if err := ValidateRole(role); err != nil {
		return "", err
	}

	now := q.now()
	ticket := &domain.Ticket{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Priority:  priority,
		Role:      role,
		Status:    domain.TicketStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(ticket)
	}

	id, created, err := q.store.Insert(ctx, ticket)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	if !created {
		q.logger.Debug("active ticket exists, enqueue skipped",
			"task_id", taskID,
			"ticket_id", id,
		)
		return id, nil
	}

	q.logger.Info("ticket enqueued",
		"ticket_id", id,
		"task_id", taskID,
		"role", role,
		"priority", priority,
	)
	q.emit(ctx, Event{
		Type:     EventEnqueued,
		TicketID: id,
		TaskID:   taskID,
		Role:     role,
		Status:   domain.TicketStatusQueued,
		Time:     now,
	})
	return id, nil
}

// Claim забирает самый приоритетный и самый старый queued ticket роли.
// Возвращает nil, nil если подходящих tickets нет; никогда не блокируется.
func (q *Queue) Claim(ctx context.Context, executorID, role string) (*domain.Ticket, error) {
	if strings.TrimSpace(executorID) == "" {
		return nil, fmt.Errorf("%w: executor id is required", ErrValidation)
	}
	if err := ValidateRole(role); err != nil {
		return nil, err
	}

	ticket, err := q.store.ClaimNext(ctx, role, executorID, q.now())
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", role, err)
	}
	if ticket == nil {
		return nil, nil
	}

	q.logger.Debug("ticket claimed",
		"ticket_id", ticket.ID,
		"task_id", ticket.TaskID,
		"role", role,
		"executor_id", executorID,
		"attempt", ticket.Attempts,
	)
	q.emit(ctx, eventFor(EventClaimed, ticket))
	return ticket, nil
}

// Complete завершает ticket с результатом.
//
// Повторный вызов для финального ticket ничего не меняет: первый
// сохранённый output остаётся неизменным.
func (q *Queue) Complete(ctx context.Context, ticketID string, output json.RawMessage) error {
	if strings.TrimSpace(ticketID) == "" {
		return fmt.Errorf("%w: ticket id is required", ErrValidation)
	}
	if len(output) > 0 && !json.Valid(output) {
		return fmt.Errorf("%w: output is not valid JSON", ErrValidation)
	}

	ticket, changed, err := q.store.Complete(ctx, ticketID, output, q.now())
	if err != nil {
		return q.storeError("complete", ticketID, err)
	}
	if !changed {
		q.logger.Debug("ticket already finished, complete ignored",
			"ticket_id", ticketID,
			"status", ticket.Status,
		)
		return nil
	}

	q.logger.Info("ticket completed",
		"ticket_id", ticket.ID,
		"task_id", ticket.TaskID,
		"role", ticket.Role,
	)
	q.emit(ctx, eventFor(EventCompleted, ticket))
	return nil
}

// Fail отмечает неудачу обработки ticket.
//
// requeue=true возвращает ticket в queued (claimed_by очищается),
// иначе ticket переходит в failed. Для финального ticket — no-op.
func (q *Queue) Fail(ctx context.Context, ticketID string, requeue bool, reason string) error {
	if strings.TrimSpace(ticketID) == "" {
		return fmt.Errorf("%w: ticket id is required", ErrValidation)
	}

	ticket, changed, err := q.store.Fail(ctx, ticketID, requeue, reason, q.now())
	if err != nil {
		return q.storeError("fail", ticketID, err)
	}
	if !changed {
		q.logger.Debug("ticket already finished, fail ignored",
			"ticket_id", ticketID,
			"status", ticket.Status,
		)
		return nil
	}

	evType := EventFailed
	if requeue {
		evType = EventRequeued
	}
	q.logger.Info("ticket failed",
		"ticket_id", ticket.ID,
		"task_id", ticket.TaskID,
		"role", ticket.Role,
		"requeue", requeue,
		"reason", reason,
	)
	q.emit(ctx, eventFor(evType, ticket))
	return nil
}

// Get возвращает ticket по ID.
func (q *Queue) Get(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, err := q.store.GetByID(ctx, ticketID)
	if err != nil {
		return nil, q.storeError("get", ticketID, err)
	}
	return ticket, nil
}

// GetActiveTicket возвращает queued/processing ticket задачи или nil.
func (q *Queue) GetActiveTicket(ctx context.Context, taskID string) (*domain.Ticket, error) {
	ticket, err := q.store.GetActiveByTaskID(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active ticket for %s: %w", taskID, err)
	}
	return ticket, nil
}

// LatestTicket возвращает последний созданный ticket задачи или nil.
func (q *Queue) LatestTicket(ctx context.Context, taskID string) (*domain.Ticket, error) {
	ticket, err := q.store.GetLatestByTaskID(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest ticket for %s: %w", taskID, err)
	}
	return ticket, nil
}

// GetOutput возвращает output последнего completed ticket задачи или nil.
func (q *Queue) GetOutput(ctx context.Context, taskID string) (json.RawMessage, error) {
	output, err := q.store.GetLatestOutput(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get output for %s: %w", taskID, err)
	}
	return output, nil
}

// PendingCount возвращает количество queued tickets роли.
// Забранные (processing) tickets не учитываются.
func (q *Queue) PendingCount(ctx context.Context, role string) (int, error) {
	if err := ValidateRole(role); err != nil {
		return 0, err
	}
	count, err := q.store.CountQueued(ctx, role)
	if err != nil {
		return 0, fmt.Errorf("pending count %s: %w", role, err)
	}
	return count, nil
}

// List возвращает tickets по фильтру.
func (q *Queue) List(ctx context.Context, filter domain.TicketFilter) ([]domain.Ticket, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	filter.Limit = min(filter.Limit, maxListLimit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return q.store.List(ctx, filter)
}

// Stats возвращает количество tickets по ролям и статусам.
func (q *Queue) Stats(ctx context.Context) ([]domain.RoleStats, error) {
	return q.store.Stats(ctx)
}

// Reclaim возвращает в очередь processing tickets, забранные раньше cutoff
// executor'ами, которых нет среди live.
func (q *Queue) Reclaim(ctx context.Context, cutoff time.Time, live []string) ([]domain.Ticket, error) {
	tickets, err := q.store.ReclaimStale(ctx, cutoff, live, "reclaimed: claim expired without a live executor", q.now())
	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	for i := range tickets {
		t := &tickets[i]
		q.logger.Warn("ticket reclaimed",
			"ticket_id", t.ID,
			"task_id", t.TaskID,
			"role", t.Role,
			"attempts", t.Attempts,
		)
		q.emit(ctx, eventFor(EventReclaimed, t))
	}
	return tickets, nil
}

// Unreported возвращает финальные tickets, ещё не записанные во внешнее хранилище.
func (q *Queue) Unreported(ctx context.Context, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return q.store.ListUnreported(ctx, limit)
}

// MarkReported помечает ticket как записанный во внешнее хранилище.
func (q *Queue) MarkReported(ctx context.Context, ticketID string) error {
	if err := q.store.MarkReported(ctx, ticketID); err != nil {
		return q.storeError("mark reported", ticketID, err)
	}
	return nil
}

// storeError переводит repo.ErrNotFound в ErrTicketNotFound.
func (q *Queue) storeError(op, ticketID string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	return fmt.Errorf("%s %s: %w", op, ticketID, err)
}

// ValidateRole проверяет имя роли.
func ValidateRole(role string) error {
	if role == "" {
		return fmt.Errorf("%w: role is required", ErrValidation)
	}
	if !rolePattern.MatchString(role) {
		return fmt.Errorf("%w: invalid role %q", ErrValidation, role)
	}
	return nil
}
