package beads

import "errors"

// Ошибки хранилища задач.
var (
	// ErrNotFound — задача с указанным ID не существует.
	ErrNotFound = errors.New("bead not found")

	// ErrStale — локальная копия хранилища устарела, нужен Sync.
	ErrStale = errors.New("bead store is stale")

	// ErrCommand — команда bd завершилась ошибкой.
	ErrCommand = errors.New("bd command failed")

	// ErrUnexpectedOutput — вывод bd не удалось разобрать.
	ErrUnexpectedOutput = errors.New("unexpected bd output")
)
