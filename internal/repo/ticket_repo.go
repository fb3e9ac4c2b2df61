package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Relay/internal/domain"
)

// TicketRepo — хранилище tickets в PostgreSQL.
//
// Атомарность переходов обеспечивается самой БД:
//   - enqueue — INSERT ... ON CONFLICT по частичному уникальному индексу
//   - claim — UPDATE с подзапросом FOR UPDATE SKIP LOCKED
//   - complete/fail — UPDATE с условием на нефинальный статус
type TicketRepo struct {
	pool *pgxpool.Pool
}

// NewTicketRepo создаёт новый TicketRepo.
func NewTicketRepo(pool *pgxpool.Pool) *TicketRepo {
	return &TicketRepo{pool: pool}
}

// Migrate создаёт таблицу и индексы, если их нет.
func (r *TicketRepo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate tickets: %w", err)
	}
	return nil
}

// Insert добавляет queued ticket, если для task_id нет активного.
// Если активный ticket уже есть, возвращает его ID и created=false.
func (r *TicketRepo) Insert(ctx context.Context, t *domain.Ticket) (string, bool, error) {
	payloadJSON, err := marshalPayload(t.Payload)
	if err != nil {
		return "", false, err
	}

	insert := `
		INSERT INTO tickets (id, task_id, priority, role, status, attempts, payload, reported, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, FALSE, $6, $6)
		ON CONFLICT (task_id) WHERE status IN ('queued', 'processing') DO NOTHING
		RETURNING id
	`
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		var id string
		err := r.pool.QueryRow(ctx, insert,
			t.ID, t.TaskID, t.Priority, t.Role, payloadJSON, t.CreatedAt,
		).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("insert ticket: %w", err)
		}

		existing, err := r.GetActiveByTaskID(ctx, t.TaskID)
		if errors.Is(err, ErrNotFound) {
			// Активный ticket завершился между INSERT и SELECT — пробуем ещё раз.
			continue
		}
		if err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}
	return "", false, fmt.Errorf("insert ticket: active ticket for %s kept changing", t.TaskID)
}

// ClaimNext переводит самый приоритетный queued ticket роли в processing.
// Возвращает nil, nil если подходящих tickets нет.
func (r *TicketRepo) ClaimNext(ctx context.Context, role, executorID string, now time.Time) (*domain.Ticket, error) {
	query := `
		UPDATE tickets
		SET status = 'processing', claimed_by = $2, claimed_at = $3,
		    attempts = attempts + 1, updated_at = $3
		WHERE id = (
			SELECT id FROM tickets
			WHERE role = $1 AND status = 'queued'
			ORDER BY priority ASC, created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + ticketColumns
	t, err := r.scanTicket(r.pool.QueryRow(ctx, query, role, executorID, now))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim ticket: %w", err)
	}
	return t, nil
}

// Complete переводит нефинальный ticket в completed и сохраняет output.
// Для финального ticket ничего не меняет и возвращает changed=false.
func (r *TicketRepo) Complete(ctx context.Context, id string, output json.RawMessage, now time.Time) (*domain.Ticket, bool, error) {
	query := `
		UPDATE tickets
		SET status = 'completed', output = $2, error = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING ` + ticketColumns
	return r.transition(ctx, id, query, id, rawOutput(output), now)
}

// Fail завершает ticket ошибкой или возвращает его в очередь.
// Для финального ticket ничего не меняет и возвращает changed=false.
func (r *TicketRepo) Fail(ctx context.Context, id string, requeue bool, reason string, now time.Time) (*domain.Ticket, bool, error) {
	query := `
		UPDATE tickets
		SET status = 'failed', error = $2, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING ` + ticketColumns
	if requeue {
		query = `
			UPDATE tickets
			SET status = 'queued', claimed_by = NULL, claimed_at = NULL, error = $2, updated_at = $3
			WHERE id = $1 AND status IN ('queued', 'processing')
			RETURNING ` + ticketColumns
	}
	return r.transition(ctx, id, query, id, nullString(reason), now)
}

// transition выполняет условный UPDATE и отличает «уже финальный» от «не найден».
func (r *TicketRepo) transition(ctx context.Context, id, query string, args ...any) (*domain.Ticket, bool, error) {
	t, err := r.scanTicket(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("update ticket: %w", err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// GetByID возвращает ticket по ID.
func (r *TicketRepo) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	return r.scanTicket(r.pool.QueryRow(ctx, query, id))
}

// GetActiveByTaskID возвращает queued/processing ticket задачи.
func (r *TicketRepo) GetActiveByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE task_id = $1 AND status IN ('queued', 'processing')
	`
	return r.scanTicket(r.pool.QueryRow(ctx, query, taskID))
}

// GetLatestByTaskID возвращает последний созданный ticket задачи.
func (r *TicketRepo) GetLatestByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE task_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`
	return r.scanTicket(r.pool.QueryRow(ctx, query, taskID))
}

// GetLatestOutput возвращает output последнего completed ticket задачи.
func (r *TicketRepo) GetLatestOutput(ctx context.Context, taskID string) (json.RawMessage, error) {
	query := `
		SELECT output
		FROM tickets
		WHERE task_id = $1 AND status = 'completed'
		ORDER BY updated_at DESC, seq DESC
		LIMIT 1
	`
	var output []byte
	err := r.pool.QueryRow(ctx, query, taskID).Scan(&output)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return json.RawMessage(output), nil
}

// CountQueued возвращает количество queued tickets роли.
func (r *TicketRepo) CountQueued(ctx context.Context, role string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE role = $1 AND status = 'queued'
	`, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued tickets: %w", err)
	}
	return count, nil
}

// List возвращает tickets по фильтру, новые первыми.
func (r *TicketRepo) List(ctx context.Context, filter domain.TicketFilter) ([]domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE ($1::text IS NULL OR task_id = $1)
		  AND ($2::text IS NULL OR role = $2)
		  AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC, seq DESC
		LIMIT $4 OFFSET $5
	`
	return r.queryTickets(ctx, "list tickets", query,
		nullString(filter.TaskID),
		nullString(filter.Role),
		nullString(string(filter.Status)),
		filter.Limit,
		filter.Offset,
	)
}

// Stats возвращает количество tickets по ролям и статусам.
func (r *TicketRepo) Stats(ctx context.Context) ([]domain.RoleStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT role, status, COUNT(*) FROM tickets GROUP BY role, status ORDER BY role
	`)
	if err != nil {
		return nil, fmt.Errorf("ticket stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.RoleStats
	for rows.Next() {
		var role string
		var status domain.TicketStatus
		var count int
		if err := rows.Scan(&role, &status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if len(stats) == 0 || stats[len(stats)-1].Role != role {
			stats = append(stats, domain.RoleStats{Role: role})
		}
		stats[len(stats)-1].Add(status, count)
	}
	return stats, rows.Err()
}

// ReclaimStale возвращает в очередь processing tickets, забранные раньше cutoff
// executor'ами, которых нет в live.
func (r *TicketRepo) ReclaimStale(ctx context.Context, cutoff time.Time, live []string, reason string, now time.Time) ([]domain.Ticket, error) {
	if live == nil {
		live = []string{}
	}
	query := `
		UPDATE tickets
		SET status = 'queued', claimed_by = NULL, claimed_at = NULL, error = $3, updated_at = $4
		WHERE status = 'processing'
		  AND claimed_at < $1
		  AND COALESCE(claimed_by, '') <> ALL($2::text[])
		RETURNING ` + ticketColumns
	return r.queryTickets(ctx, "reclaim tickets", query, cutoff, live, nullString(reason), now)
}

// ListUnreported возвращает финальные tickets, результат которых ещё не
// записан во внешнее хранилище.
func (r *TicketRepo) ListUnreported(ctx context.Context, limit int) ([]domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE reported = FALSE AND status IN ('completed', 'failed')
		ORDER BY updated_at ASC, seq ASC
		LIMIT $1
	`
	return r.queryTickets(ctx, "list unreported tickets", query, limit)
}

// MarkReported помечает ticket как записанный во внешнее хранилище.
func (r *TicketRepo) MarkReported(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `UPDATE tickets SET reported = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark reported: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func (r *TicketRepo) queryTickets(ctx context.Context, op, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := r.scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// scanTicket сканирует ticket из pgx.Row (pgx.Rows тоже реализует Scan).
func (r *TicketRepo) scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	var claimedBy, ticketError *string
	var payloadJSON, outputJSON []byte

	err := row.Scan(
		&t.ID,
		&t.TaskID,
		&t.Priority,
		&t.Role,
		&t.Status,
		&claimedBy,
		&t.ClaimedAt,
		&t.Attempts,
		&payloadJSON,
		&outputJSON,
		&ticketError,
		&t.Reported,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}

	if t.Payload, err = unmarshalPayload(payloadJSON); err != nil {
		return nil, err
	}
	if len(outputJSON) > 0 {
		t.Output = json.RawMessage(outputJSON)
	}
	if claimedBy != nil {
		t.ClaimedBy = *claimedBy
	}
	if ticketError != nil {
		t.Error = strings.TrimSpace(*ticketError)
	}
	return &t, nil
}
