package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrLocked — advisory lock уже удерживается другим процессом.
	ErrLocked = errors.New("lock held by another process")
)
