package domain

// TicketStatus — статус ticket в очереди.
//
// Жизненный цикл:
//
//	queued → processing → completed
//	   ↑          ↓     ↘ failed
//	   └── requeue ┘
//
// completed и failed — финальные статусы, из них ticket не возвращается.
type TicketStatus string

const (
	// TicketStatusQueued — ticket ожидает, пока его заберёт executor.
	TicketStatusQueued TicketStatus = "queued"

	// TicketStatusProcessing — ticket забран executor'ом (claimed_by заполнен).
	TicketStatusProcessing TicketStatus = "processing"

	// TicketStatusCompleted — работа выполнена, output сохранён.
	TicketStatusCompleted TicketStatus = "completed"

	// TicketStatusFailed — работа завершилась ошибкой без requeue.
	TicketStatusFailed TicketStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketStatusCompleted, TicketStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для queued и processing.
// Для одного task_id может существовать не более одного активного ticket.
func (s TicketStatus) IsActive() bool {
	return s == TicketStatusQueued || s == TicketStatusProcessing
}

// IsValid проверяет, что статус известен.
func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketStatusQueued, TicketStatusProcessing, TicketStatusCompleted, TicketStatusFailed:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление TicketStatus.
func (s TicketStatus) String() string {
	return string(s)
}

// BeadStatus — статус задачи во внешнем хранилище (beads).
type BeadStatus string

const (
	BeadStatusOpen       BeadStatus = "open"
	BeadStatusInProgress BeadStatus = "in_progress"
	BeadStatusBlocked    BeadStatus = "blocked"
	BeadStatusClosed     BeadStatus = "closed"

	// BeadStatusNeedsVerification — работа выполнена, результат ждёт проверки.
	BeadStatusNeedsVerification BeadStatus = "needs_verification"
)

// IsResolved возвращает true, если задача больше не блокирует зависимые.
func (s BeadStatus) IsResolved() bool {
	return s == BeadStatusClosed
}
