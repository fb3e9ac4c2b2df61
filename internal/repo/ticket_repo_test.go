package repo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ticketStore — общий набор методов TicketRepo и SQLiteTicketRepo.
type ticketStore interface {
	Insert(ctx context.Context, t *domain.Ticket) (string, bool, error)
	ClaimNext(ctx context.Context, role, executorID string, now time.Time) (*domain.Ticket, error)
	Complete(ctx context.Context, id string, output json.RawMessage, now time.Time) (*domain.Ticket, bool, error)
	Fail(ctx context.Context, id string, requeue bool, reason string, now time.Time) (*domain.Ticket, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	GetActiveByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error)
	GetLatestByTaskID(ctx context.Context, taskID string) (*domain.Ticket, error)
	GetLatestOutput(ctx context.Context, taskID string) (json.RawMessage, error)
	CountQueued(ctx context.Context, role string) (int, error)
	List(ctx context.Context, filter domain.TicketFilter) ([]domain.Ticket, error)
	Stats(ctx context.Context) ([]domain.RoleStats, error)
	ReclaimStale(ctx context.Context, cutoff time.Time, live []string, reason string, now time.Time) ([]domain.Ticket, error)
	ListUnreported(ctx context.Context, limit int) ([]domain.Ticket, error)
	MarkReported(ctx context.Context, id string) error
}

func newSQLiteStore(t *testing.T) ticketStore {
	t.Helper()
	r, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// newPostgresStore подключается к RELAY_TEST_DB_URL и очищает таблицу.
func newPostgresStore(t *testing.T) ticketStore {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DB_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_DB_URL is not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	r := NewTicketRepo(pool)
	require.NoError(t, r.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE tickets`)
	require.NoError(t, err)
	return r
}

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTicket(taskID, role string, priority int, created time.Time) *domain.Ticket {
	return &domain.Ticket{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Priority:  priority,
		Role:      role,
		Status:    domain.TicketStatusQueued,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func insert(t *testing.T, s ticketStore, tk *domain.Ticket) string {
	t.Helper()
	id, created, err := s.Insert(context.Background(), tk)
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestSQLiteTicketRepo(t *testing.T) {
	runStoreTests(t, newSQLiteStore)
}

func TestPostgresTicketRepo(t *testing.T) {
	runStoreTests(t, newPostgresStore)
}

func runStoreTests(t *testing.T, newStore func(*testing.T) ticketStore) {
	t.Run("InsertKeepsSingleActiveTicket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := insert(t, s, newTicket("bd-1", "worker", 1, baseTime))

		id, created, err := s.Insert(ctx, newTicket("bd-1", "worker", 0, baseTime.Add(time.Second)))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first, id)

		count, err := s.CountQueued(ctx, "worker")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("InsertAfterTerminalCreatesNewTicket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := insert(t, s, newTicket("bd-1", "worker", 1, baseTime))
		_, changed, err := s.Fail(ctx, first, false, "boom", baseTime)
		require.NoError(t, err)
		require.True(t, changed)

		second := insert(t, s, newTicket("bd-1", "worker", 1, baseTime.Add(time.Second)))
		assert.NotEqual(t, first, second)

		latest, err := s.GetLatestByTaskID(ctx, "bd-1")
		require.NoError(t, err)
		assert.Equal(t, second, latest.ID)
	})

	t.Run("ConcurrentInsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 10
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, _, err := s.Insert(ctx, newTicket("bd-race", "worker", 0, baseTime))
				assert.NoError(t, err)
				ids[i] = id
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		tickets, err := s.List(ctx, domain.TicketFilter{TaskID: "bd-race", Limit: 50})
		require.NoError(t, err)
		assert.Len(t, tickets, 1)
	})

	t.Run("ClaimOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		low := insert(t, s, newTicket("bd-low", "worker", 2, baseTime))
		oldHigh := insert(t, s, newTicket("bd-old", "worker", 0, baseTime))
		newHigh := insert(t, s, newTicket("bd-new", "worker", 0, baseTime.Add(time.Minute)))
		insert(t, s, newTicket("bd-other", "reviewer", 0, baseTime))

		var order []string
		for i := 0; i < 3; i++ {
			tk, err := s.ClaimNext(ctx, "worker", "exec-1", baseTime.Add(time.Hour))
			require.NoError(t, err)
			require.NotNil(t, tk)
			assert.Equal(t, domain.TicketStatusProcessing, tk.Status)
			assert.Equal(t, "exec-1", tk.ClaimedBy)
			assert.Equal(t, 1, tk.Attempts)
			require.NotNil(t, tk.ClaimedAt)
			order = append(order, tk.ID)
		}
		assert.Equal(t, []string{oldHigh, newHigh, low}, order)

		tk, err := s.ClaimNext(ctx, "worker", "exec-1", baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, tk)
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 20
		for i := 0; i < n; i++ {
			insert(t, s, newTicket(uuid.NewString(), "worker", 0, baseTime))
		}

		var mu sync.Mutex
		seen := make(map[string]bool)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for {
					tk, err := s.ClaimNext(ctx, "worker", uuid.NewString(), baseTime)
					if !assert.NoError(t, err) || tk == nil {
						return
					}
					mu.Lock()
					assert.False(t, seen[tk.ID], "ticket %s claimed twice", tk.ID)
					seen[tk.ID] = true
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()
		assert.Len(t, seen, n)
	})

	t.Run("CompleteKeepsFirstOutput", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := insert(t, s, newTicket("bd-1", "worker", 0, baseTime))
		_, err := s.ClaimNext(ctx, "worker", "exec-1", baseTime)
		require.NoError(t, err)

		tk, changed, err := s.Complete(ctx, id, json.RawMessage(`{"v":1}`), baseTime)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.TicketStatusCompleted, tk.Status)

		tk, changed, err = s.Complete(ctx, id, json.RawMessage(`{"v":2}`), baseTime)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.JSONEq(t, `{"v":1}`, string(tk.Output))

		output, err := s.GetLatestOutput(ctx, "bd-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(output))
	})

	t.Run("FailAfterCompleteIsNoop", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := insert(t, s, newTicket("bd-1", "worker", 0, baseTime))
		_, _, err := s.Complete(ctx, id, json.RawMessage(`"done"`), baseTime)
		require.NoError(t, err)

		for _, requeue := range []bool{false, true} {
			tk, changed, err := s.Fail(ctx, id, requeue, "late", baseTime)
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Equal(t, domain.TicketStatusCompleted, tk.Status)
		}
	})

	t.Run("FailRequeueClearsClaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := insert(t, s, newTicket("bd-1", "worker", 0, baseTime))
		_, err := s.ClaimNext(ctx, "worker", "exec-1", baseTime)
		require.NoError(t, err)

		tk, changed, err := s.Fail(ctx, id, true, "retry", baseTime)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.TicketStatusQueued, tk.Status)
		assert.Empty(t, tk.ClaimedBy)
		assert.Nil(t, tk.ClaimedAt)
		assert.Equal(t, "retry", tk.Error)
		assert.Equal(t, 1, tk.Attempts)
	})

	t.Run("UnknownTicket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.Complete(ctx, "missing", nil, baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
		_, _, err = s.Fail(ctx, "missing", false, "", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.MarkReported(ctx, "missing"), ErrNotFound)
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		tk := newTicket("bd-1", "worker", 0, baseTime)
		tk.Payload = map[string]any{"title": "Fix it", "labels": []any{"role:worker"}}
		id := insert(t, s, tk)

		got, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Fix it", got.Payload["title"])
		assert.Equal(t, []any{"role:worker"}, got.Payload["labels"])
		assert.True(t, got.CreatedAt.Equal(baseTime))
	})

	t.Run("ReclaimStale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		dead := insert(t, s, newTicket("bd-dead", "worker", 0, baseTime))
		live := insert(t, s, newTicket("bd-live", "worker", 1, baseTime))
		fresh := insert(t, s, newTicket("bd-fresh", "worker", 2, baseTime))

		_, err := s.ClaimNext(ctx, "worker", "exec-dead", baseTime)
		require.NoError(t, err)
		_, err = s.ClaimNext(ctx, "worker", "exec-live", baseTime)
		require.NoError(t, err)
		_, err = s.ClaimNext(ctx, "worker", "exec-fresh", baseTime.Add(time.Hour))
		require.NoError(t, err)

		cutoff := baseTime.Add(30 * time.Minute)
		reclaimed, err := s.ReclaimStale(ctx, cutoff, []string{"exec-live"}, "reclaimed", baseTime.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, dead, reclaimed[0].ID)
		assert.Equal(t, domain.TicketStatusQueued, reclaimed[0].Status)

		for _, id := range []string{live, fresh} {
			tk, err := s.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.TicketStatusProcessing, tk.Status)
		}

		reclaimed, err = s.ReclaimStale(ctx, cutoff, nil, "reclaimed", baseTime.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, live, reclaimed[0].ID)
	})

	t.Run("UnreportedAndStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		done := insert(t, s, newTicket("bd-1", "worker", 0, baseTime))
		failed := insert(t, s, newTicket("bd-2", "worker", 0, baseTime))
		insert(t, s, newTicket("bd-3", "reviewer", 0, baseTime))

		_, _, err := s.Complete(ctx, done, nil, baseTime.Add(time.Second))
		require.NoError(t, err)
		_, _, err = s.Fail(ctx, failed, false, "boom", baseTime.Add(2*time.Second))
		require.NoError(t, err)

		unreported, err := s.ListUnreported(ctx, 10)
		require.NoError(t, err)
		require.Len(t, unreported, 2)
		assert.Equal(t, done, unreported[0].ID)

		require.NoError(t, s.MarkReported(ctx, done))
		unreported, err = s.ListUnreported(ctx, 10)
		require.NoError(t, err)
		require.Len(t, unreported, 1)
		assert.Equal(t, failed, unreported[0].ID)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.RoleStats{
			{Role: "reviewer", Queued: 1},
			{Role: "worker", Completed: 1, Failed: 1},
		}, stats)

		list, err := s.List(ctx, domain.TicketFilter{Status: domain.TicketStatusFailed, Limit: 10})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, failed, list[0].ID)
	})
}
