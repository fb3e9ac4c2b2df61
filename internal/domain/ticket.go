package domain

import (
	"encoding/json"
	"time"
)

// Ticket — единица работы, которой управляет очередь.
//
// Ticket создаётся Conductor'ом для готовой задачи (bead) из внешнего
// хранилища и забирается executor'ом нужной роли.
type Ticket struct {
	// ID — уникальный идентификатор ticket (UUID), генерируется при enqueue.
	ID string `json:"id"`

	// TaskID — идентификатор внешней задачи, которую представляет ticket.
	TaskID string `json:"task_id"`

	// Priority — приоритет, меньше = важнее (0 — наивысший).
	Priority int `json:"priority"`

	// Role — категория executor'ов, которым разрешено забрать ticket.
	Role string `json:"role"`

	// Status — текущий статус.
	Status TicketStatus `json:"status"`

	// ClaimedBy — ID executor'а, который забрал ticket.
	// Очищается при requeue.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// ClaimedAt — время claim. Используется политикой reclaim.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// Attempts — сколько раз ticket забирали.
	Attempts int `json:"attempts"`

	// Payload — снимок задачи на момент enqueue.
	Payload map[string]any `json:"payload,omitempty"`

	// Output — результат, записывается один раз при первом complete.
	Output json.RawMessage `json:"output,omitempty"`

	// Error — причина последней неудачи.
	Error string `json:"error,omitempty"`

	// Reported — результат уже записан обратно во внешнее хранилище.
	Reported bool `json:"reported"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished возвращает true, если ticket в финальном статусе.
func (t *Ticket) IsFinished() bool {
	return t.Status.IsTerminal()
}

// ClaimAge возвращает, сколько времени прошло с момента claim.
// Возвращает 0, если ticket не забран.
func (t *Ticket) ClaimAge(now time.Time) time.Duration {
	if t.ClaimedAt == nil {
		return 0
	}
	return now.Sub(*t.ClaimedAt)
}

// CanRetry проверяет, можно ли вернуть ticket в очередь ещё раз.
func (t *Ticket) CanRetry(maxAttempts int) bool {
	return t.Attempts < maxAttempts
}

// TicketFilter — параметры выборки tickets.
type TicketFilter struct {
	TaskID string
	Role   string
	Status TicketStatus
	Limit  int
	Offset int
}

// RoleStats — количество tickets роли по статусам.
type RoleStats struct {
	Role       string `json:"role"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// Add учитывает count tickets со статусом status.
func (s *RoleStats) Add(status TicketStatus, count int) {
	switch status {
	case TicketStatusQueued:
		s.Queued += count
	case TicketStatusProcessing:
		s.Processing += count
	case TicketStatusCompleted:
		s.Completed += count
	case TicketStatusFailed:
		s.Failed += count
	}
}

// TextOutput упаковывает текстовый результат в JSON-строку.
func TextOutput(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
