package beads

import (
	"context"
	"errors"
	"fmt"
)

// SyncFunc синхронизирует локальную копию хранилища.
type SyncFunc func(ctx context.Context) error

// WithResync вызывает op. Если op вернула ErrStale, вызывает sync и
// повторяет op ровно один раз. Повторная ошибка возвращается как есть.
func WithResync[T any](ctx context.Context, sync SyncFunc, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := op(ctx)
	if err == nil || !errors.Is(err, ErrStale) {
		return result, err
	}

	if syncErr := sync(ctx); syncErr != nil {
		var zero T
		return zero, fmt.Errorf("resync after %v: %w", err, syncErr)
	}
	return op(ctx)
}

// DoWithResync — WithResync для операций без результата.
func DoWithResync(ctx context.Context, sync SyncFunc, op func(ctx context.Context) error) error {
	_, err := WithResync(ctx, sync, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
