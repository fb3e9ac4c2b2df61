package queue

import "errors"

// Ошибки очереди.
var (
	// ErrTicketNotFound — ticket с указанным ID не существует.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrValidation — некорректные аргументы операции.
	ErrValidation = errors.New("validation failed")
)
