package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeadershipLockKey — ключ advisory lock, которым conductor занимает БД очереди.
const LeadershipLockKey int64 = 0x72656c6179 // "relay"

// AcquireLeadership берёт session-level advisory lock на отдельном соединении.
//
// На одну БД очереди допускается ровно один conductor. Если lock уже занят,
// возвращается ErrLocked. Вызывающий обязан вызвать release при остановке.
func AcquireLeadership(ctx context.Context, pool *pgxpool.Pool, key int64) (release func(), err error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrLocked
	}

	return func() {
		// Контекст вызывающего к этому моменту обычно уже отменён.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, nil
}
