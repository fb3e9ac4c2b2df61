package conductor

import "errors"

// Ошибки Conductor'а.
var (
	// ErrStopped — Conductor остановлен.
	ErrStopped = errors.New("conductor stopped")

	// ErrInvalidConfig — конфигурация Conductor'а некорректна.
	ErrInvalidConfig = errors.New("invalid conductor config")

	// ErrUnknownRole — для роли задачи нет пула.
	ErrUnknownRole = errors.New("no pool for role")
)
