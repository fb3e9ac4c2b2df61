package queue

import (
	"context"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// EventType — тип события жизненного цикла ticket.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventClaimed   EventType = "claimed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRequeued  EventType = "requeued"
	EventReclaimed EventType = "reclaimed"
)

// IsTerminal возвращает true для событий, после которых нужна запись
// результата во внешнее хранилище.
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventFailed
}

// Event — изменение состояния ticket.
type Event struct {
	Type       EventType           `json:"type"`
	TicketID   string              `json:"ticket_id"`
	TaskID     string              `json:"task_id"`
	Role       string              `json:"role"`
	Status     domain.TicketStatus `json:"status"`
	ExecutorID string              `json:"executor_id,omitempty"`
	Attempts   int                 `json:"attempts"`
	Error      string              `json:"error,omitempty"`
	Time       time.Time           `json:"time"`
}

// Listener получает события очереди.
//
// Listener вызывается синхронно в горутине, изменившей ticket,
// поэтому не должен надолго блокироваться.
type Listener func(ctx context.Context, ev Event)

// Subscribe добавляет listener.
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// emit рассылает событие и обновляет метрики.
func (q *Queue) emit(ctx context.Context, ev Event) {
	q.metrics.TicketEvent(ev.Role, string(ev.Type))

	q.mu.RLock()
	listeners := q.listeners
	q.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, ev)
	}
}

func eventFor(typ EventType, t *domain.Ticket) Event {
	return Event{
		Type:       typ,
		TicketID:   t.ID,
		TaskID:     t.TaskID,
		Role:       t.Role,
		Status:     t.Status,
		ExecutorID: t.ClaimedBy,
		Attempts:   t.Attempts,
		Error:      t.Error,
		Time:       t.UpdatedAt,
	}
}
