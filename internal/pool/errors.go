package pool

import "errors"

// Ошибки пула.
var (
	// ErrInvalidBounds — некорректные границы пула.
	ErrInvalidBounds = errors.New("invalid pool bounds")

	// ErrClosed — пул закрыт.
	ErrClosed = errors.New("pool closed")
)
