package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Relay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteTicketRepo — встраиваемое хранилище tickets на SQLite.
//
// Все запросы идут через одно соединение (SetMaxOpenConns(1)), поэтому
// каждый UPDATE ... RETURNING выполняется атомарно относительно остальных.
// Insert дополнительно сериализуется мьютексом: проверка активного ticket
// и вставка не должны чередоваться с другим Insert.
type SQLiteTicketRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite открывает (или создаёт) файл БД и применяет схему.
// dsn — путь к файлу или ":memory:".
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteTicketRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	r := &SQLiteTicketRepo{db: db}
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Migrate создаёт таблицу и индексы, если их нет.
func (r *SQLiteTicketRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate tickets: %w", err)
	}
	return nil
}

// Close закрывает БД.
func (r *SQLiteTicketRepo) Close() error {
	return r.db.Close()
}

// Insert добавляет queued ticket, если для task_id нет активного.
func (r *SQLiteTicketRepo) Insert(ctx context.Context, t *domain.Ticket) (string, bool, error) {
	payloadJSON, err := marshalPayload(t.Payload)
	if err != nil {
		return "", false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.GetActiveByTaskID(ctx, t.TaskID)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}

	ts := t.CreatedAt.UnixNano()
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO tickets (id, task_id, priority, role, status, attempts, payload, reported, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, 0, ?, ?)
		ON CONFLICT DO NOTHING
	`, t.ID, t.TaskID, t.Priority, t.Role, nullBytes(payloadJSON), ts, ts)
	if err != nil {
		return "", false, fmt.Errorf("insert ticket: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Конфликт по индексу — значит, активный ticket создан в обход мьютекса
		// (другой процесс на том же файле).
		existing, err := r.GetActiveByTaskID(ctx, t.TaskID)
		if err != nil {
			return "", false, fmt.Errorf("insert ticket: %w", err)
		}
		return existing.ID, false, nil
	}
	return t.ID, true, nil
}

// ClaimNext переводит самый приоритетный queued ticket роли в processing.
func (r *SQLiteTicketRepo) ClaimNext(ctx context.Context, role, executorID string, now time.Time) (*domain.Ticket, error) {
	query := `
		UPDATE tickets
		SET status = 'processing', claimed_by = ?, claimed_at = ?,
		    attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM tickets
			WHERE role = ? AND status = 'queued'
			ORDER BY priority ASC, created_at ASC, seq ASC
			LIMIT 1
		)
		RETURNING ` + ticketColumns
	ts := now.UnixNano()
	t, err := scanSQLiteTicket(r.db.QueryRowContext(ctx, query, executorID, ts, ts, role))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim ticket: %w", err)
	}
	return t, nil
}

// Complete переводит нефинальный ticket в completed и сохраняет output.
func (r *SQLiteTicketRepo) Complete(ctx context.Context, id string, output json.RawMessage, now time.Time) (*domain.Ticket, bool, error) {
	query := `
		UPDATE tickets
		SET status = 'completed', output = ?, error = NULL, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')
		RETURNING ` + ticketColumns
	return r.transition(ctx, id, query, nullBytes(rawOutput(output)), now.UnixNano(), id)
}

// Fail завершает ticket ошибкой или возвращает его в очередь.
func (r *SQLiteTicketRepo) Fail(ctx context.Context, id string, requeue bool, reason string, now time.Time) (*domain.Ticket, bool, error) {
	query := `
		UPDATE tickets
		SET status = 'failed', error = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')
		RETURNING ` + ticketColumns
	if requeue {
		query = `
			UPDATE tickets
			SET status = 'queued', claimed_by = NULL, claimed_at = NULL, error = ?, updated_at = ?
			WHERE id = ? AND status IN ('queued', 'processing')
			RETURNING ` + ticketColumns
	}
	return r.transition(ctx, id, query, nullString(reason), now.UnixNano(), id)
}

func (r *SQLiteTicketRepo) transition(ctx context.Context, id, query string, args ...any) (*domain.Ticket, bool, error) {
	t, err := scanSQLiteTicket(r.db.QueryRowContext(ctx, query, args...))
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
func (r *SQLiteTicketRepo) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = ?`
	return scanSQLiteTicket(r.db.QueryRowContext(ctx, query, id))
}

// GetActiveByTaskID возвращает queued/processing ticket задачи.
func (r *SQLiteTicketRepo) GetActiveByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE task_id = ? AND status IN ('queued', 'processing')
	`
	return scanSQLiteTicket(r.db.QueryRowContext(ctx, query, taskID))
}

// GetLatestByTaskID возвращает последний созданный ticket задачи.
func (r *SQLiteTicketRepo) GetLatestByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE task_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`
	return scanSQLiteTicket(r.db.QueryRowContext(ctx, query, taskID))
}

// GetLatestOutput возвращает output последнего completed ticket задачи.
func (r *SQLiteTicketRepo) GetLatestOutput(ctx context.Context, taskID string) (json.RawMessage, error) {
	var output sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT output
		FROM tickets
		WHERE task_id = ? AND status = 'completed'
		ORDER BY updated_at DESC, seq DESC
		LIMIT 1
	`, taskID).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	if !output.Valid {
		return nil, nil
	}
	return json.RawMessage(output.String), nil
}

// CountQueued возвращает количество queued tickets роли.
func (r *SQLiteTicketRepo) CountQueued(ctx context.Context, role string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tickets WHERE role = ? AND status = 'queued'
	`, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued tickets: %w", err)
	}
	return count, nil
}

// List возвращает tickets по фильтру, новые первыми.
func (r *SQLiteTicketRepo) List(ctx context.Context, filter domain.TicketFilter) ([]domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE (? IS NULL OR task_id = ?)
		  AND (? IS NULL OR role = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`
	taskID := nullString(filter.TaskID)
	role := nullString(filter.Role)
	status := nullString(string(filter.Status))
	return r.queryTickets(ctx, "list tickets", query,
		taskID, taskID, role, role, status, status, filter.Limit, filter.Offset)
}

// Stats возвращает количество tickets по ролям и статусам.
func (r *SQLiteTicketRepo) Stats(ctx context.Context) ([]domain.RoleStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role, status, COUNT(*) FROM tickets GROUP BY role, status ORDER BY role
	`)
	if err != nil {
		return nil, fmt.Errorf("ticket stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.RoleStats
	for rows.Next() {
		var role, status string
		var count int
		if err := rows.Scan(&role, &status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if len(stats) == 0 || stats[len(stats)-1].Role != role {
			stats = append(stats, domain.RoleStats{Role: role})
		}
		stats[len(stats)-1].Add(domain.TicketStatus(status), count)
	}
	return stats, rows.Err()
}

// ReclaimStale возвращает в очередь processing tickets, забранные раньше cutoff
// executor'ами, которых нет в live.
func (r *SQLiteTicketRepo) ReclaimStale(ctx context.Context, cutoff time.Time, live []string, reason string, now time.Time) ([]domain.Ticket, error) {
	args := []any{nullString(reason), now.UnixNano(), cutoff.UnixNano()}
	query := `
		UPDATE tickets
		SET status = 'queued', claimed_by = NULL, claimed_at = NULL, error = ?, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`
	if len(live) > 0 {
		query += ` AND COALESCE(claimed_by, '') NOT IN (?` + strings.Repeat(", ?", len(live)-1) + `)`
		for _, id := range live {
			args = append(args, id)
		}
	}
	query += ` RETURNING ` + ticketColumns
	return r.queryTickets(ctx, "reclaim tickets", query, args...)
}

// ListUnreported возвращает финальные tickets без записи во внешнее хранилище.
func (r *SQLiteTicketRepo) ListUnreported(ctx context.Context, limit int) ([]domain.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE reported = 0 AND status IN ('completed', 'failed')
		ORDER BY updated_at ASC, seq ASC
		LIMIT ?
	`
	return r.queryTickets(ctx, "list unreported tickets", query, limit)
}

// MarkReported помечает ticket как записанный во внешнее хранилище.
func (r *SQLiteTicketRepo) MarkReported(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE tickets SET reported = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark reported: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func (r *SQLiteTicketRepo) queryTickets(ctx context.Context, op, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := scanSQLiteTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// rowScanner — общий интерфейс *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTicket(row rowScanner) (*domain.Ticket, error) {
	var t domain.Ticket
	var status string
	var claimedBy, payloadJSON, outputJSON, ticketError sql.NullString
	var claimedAt sql.NullInt64
	var reported int
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID,
		&t.TaskID,
		&t.Priority,
		&t.Role,
		&status,
		&claimedBy,
		&claimedAt,
		&t.Attempts,
		&payloadJSON,
		&outputJSON,
		&ticketError,
		&reported,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}

	t.Status = domain.TicketStatus(status)
	t.ClaimedBy = claimedBy.String
	t.Error = ticketError.String
	t.Reported = reported != 0
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if claimedAt.Valid {
		ts := time.Unix(0, claimedAt.Int64).UTC()
		t.ClaimedAt = &ts
	}
	if payloadJSON.Valid {
		if t.Payload, err = unmarshalPayload([]byte(payloadJSON.String)); err != nil {
			return nil, err
		}
	}
	if outputJSON.Valid {
		t.Output = json.RawMessage(outputJSON.String)
	}
	return &t, nil
}

// nullBytes переводит JSON в строку для TEXT-колонки; nil остаётся NULL.
func nullBytes(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
