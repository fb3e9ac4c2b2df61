package conductor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Relay/internal/beads"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/pool"
	"github.com/shaiso/Relay/internal/queue"
	"github.com/shaiso/Relay/internal/repo"
	"github.com/shaiso/Relay/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// idleExecutor ничего не забирает и ждёт отмены.
var idleExecutor = pool.ExecutorFunc(func(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
})

type fixture struct {
	conductor *Conductor
	queue     *queue.Queue
	store     *beads.MemoryStore
	clock     *testClock
}

func newFixture(t *testing.T, roles []RoleConfig, opts ...func(*Config)) *fixture {
	t.Helper()

	sqlite, err := repo.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.New(queue.Config{Store: sqlite, Clock: clock.Now})
	store := beads.NewMemoryStore()

	cfg := Config{
		Queue:    q,
		Store:    store,
		Executor: idleExecutor,
		Roles:    roles,
		Clock:    clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	return &fixture{conductor: c, queue: q, store: store, clock: clock}
}

func workerRole(minWorkers, maxWorkers int, lf float64) []RoleConfig {
	return []RoleConfig{{Name: "worker", MinWorkers: minWorkers, MaxWorkers: maxWorkers, LoadFactor: lf}}
}

func (f *fixture) putBeads(n int) {
	for i := 1; i <= n; i++ {
		f.store.Put(domain.Bead{ID: fmt.Sprintf("bd-%d", i), Title: fmt.Sprintf("task %d", i), Priority: 2})
	}
}

func (f *fixture) poolSize(t *testing.T, role string) int {
	t.Helper()
	p, ok := f.conductor.Pool(role)
	require.True(t, ok)
	return p.Size()
}

func TestNew_Validation(t *testing.T) {
	sqlite, err := repo.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	q := queue.New(queue.Config{Store: sqlite})

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no queue", Config{Store: beads.NewMemoryStore(), Executor: idleExecutor, Roles: workerRole(0, 1, 1)}},
		{"no roles", Config{Queue: q, Store: beads.NewMemoryStore(), Executor: idleExecutor}},
		{"max below min", Config{Queue: q, Store: beads.NewMemoryStore(), Executor: idleExecutor, Roles: workerRole(3, 2, 1)}},
		{"zero load factor", Config{Queue: q, Store: beads.NewMemoryStore(), Executor: idleExecutor, Roles: workerRole(0, 2, 0)}},
		{"bad role name", Config{Queue: q, Store: beads.NewMemoryStore(), Executor: idleExecutor,
			Roles: []RoleConfig{{Name: "Bad Role", MaxWorkers: 1, LoadFactor: 1}}}},
		{"duplicate role", Config{Queue: q, Store: beads.NewMemoryStore(), Executor: idleExecutor,
			Roles: append(workerRole(0, 1, 1), workerRole(0, 1, 1)...)}},
		{"bad schedule", Config{Queue: q, Store: beads.NewMemoryStore(), Executor: idleExecutor,
			Roles: workerRole(0, 1, 1), ReclaimSchedule: "every minute"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_PoolsStartAtMin(t *testing.T) {
	f := newFixture(t, workerRole(2, 4, 1.0))
	assert.Equal(t, 2, f.poolSize(t, "worker"))
}

func TestTick_ScalesWithQueueDepth(t *testing.T) {
	f := newFixture(t, workerRole(1, 10, 0.5))
	ctx := context.Background()
	f.putBeads(10)

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Enqueued)
	assert.Equal(t, 5, report.Pools["worker"])
	assert.Equal(t, 5, f.poolSize(t, "worker"))

	for i := 0; i < 8; i++ {
		ticket, err := f.queue.Claim(ctx, fmt.Sprintf("manual-%d", i), "worker")
		require.NoError(t, err)
		require.NotNil(t, ticket)
	}

	report, err = f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Enqueued)

	pending, err := f.queue.PendingCount(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 1, f.poolSize(t, "worker"))
}

func TestTick_ClampsToMax(t *testing.T) {
	f := newFixture(t, workerRole(2, 4, 1.0))
	f.putBeads(100)

	report, err := f.conductor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, report.Enqueued)
	assert.Equal(t, 4, f.poolSize(t, "worker"))
}

func TestTick_EmptyQueueShrinksToMin(t *testing.T) {
	f := newFixture(t, workerRole(1, 10, 1.0))
	p, _ := f.conductor.Pool("worker")
	p.Resize(6)

	_, err := f.conductor.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())
}

func TestSync_ChildOfEpicIsEnqueued(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()

	f.store.Put(domain.Bead{ID: "bd-epic", Title: "epic", IssueType: "epic", Priority: 1})
	f.store.Put(domain.Bead{ID: "bd-child", Title: "child", Priority: 1})
	require.NoError(t, f.store.AddDependency(ctx, "bd-child", "bd-epic"))

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	active, err := f.queue.GetActiveTicket(ctx, "bd-child")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "bd-child", active.Payload["id"])
	assert.Equal(t, "bd-epic", active.Payload["parent_id"])
}

func TestSync_BlockedUntilBlockerCloses(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()

	f.store.Put(domain.Bead{ID: "bd-1", Title: "blocker"})
	f.store.Put(domain.Bead{ID: "bd-2", Title: "blocked"})
	require.NoError(t, f.store.AddBlocker("bd-2", "bd-1"))

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	active, err := f.queue.GetActiveTicket(ctx, "bd-2")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, f.store.Update(ctx, "bd-1", domain.UpdateFields{Status: domain.BeadStatusClosed}))

	_, err = f.conductor.Tick(ctx)
	require.NoError(t, err)

	active, err = f.queue.GetActiveTicket(ctx, "bd-2")
	require.NoError(t, err)
	assert.NotNil(t, active)
}

func TestSync_MarksTaskInProgress(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()
	f.putBeads(1)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	b, err := f.store.Get(ctx, "bd-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BeadStatusInProgress, b.Status)
}

func TestSync_SkipClaimUpdateKeepsTaskReady(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0), func(c *Config) {
		c.WriteBack.SkipClaimUpdate = true
	})
	ctx := context.Background()
	f.putBeads(1)

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)

	// Задача всё ещё в ready, но активный ticket не даёт создать второй.
	report, err = f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Enqueued)
	assert.Equal(t, 1, report.Skipped)

	tickets, err := f.queue.List(ctx, domain.TicketFilter{TaskID: "bd-1"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestSync_RoleFromLabel(t *testing.T) {
	roles := []RoleConfig{
		{Name: "worker", MinWorkers: 0, MaxWorkers: 2, LoadFactor: 1},
		{Name: "reviewer", MinWorkers: 0, MaxWorkers: 2, LoadFactor: 1},
	}
	f := newFixture(t, roles)
	ctx := context.Background()

	f.store.Put(domain.Bead{ID: "bd-1", Title: "code"})
	f.store.Put(domain.Bead{ID: "bd-2", Title: "review", Labels: []string{"area:api", "role:reviewer"}})
	f.store.Put(domain.Bead{ID: "bd-3", Title: "deploy", Labels: []string{"role:deployer"}})

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Enqueued)
	assert.Equal(t, 1, report.Errors)

	t1, err := f.queue.GetActiveTicket(ctx, "bd-1")
	require.NoError(t, err)
	require.NotNil(t, t1)
	assert.Equal(t, "worker", t1.Role)

	t2, err := f.queue.GetActiveTicket(ctx, "bd-2")
	require.NoError(t, err)
	require.NotNil(t, t2)
	assert.Equal(t, "reviewer", t2.Role)

	t3, err := f.queue.GetActiveTicket(ctx, "bd-3")
	require.NoError(t, err)
	assert.Nil(t, t3)

	assert.Equal(t, 1, report.Pools["reviewer"])
}

func TestSync_ResyncOnStaleStore(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()

	store := beads.NewMemoryStore(beads.WithAutoResync(true))
	f.conductor.store = store
	store.Put(domain.Bead{ID: "bd-1", Title: "task"})
	store.MarkStale(1)

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, 1, store.Syncs())
}

func TestSync_StoreErrorDoesNotAbortTick(t *testing.T) {
	f := newFixture(t, workerRole(1, 4, 1.0))
	ctx := context.Background()

	f.putBeads(1)
	f.store.MarkStale(1)

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 0, report.Enqueued)
	assert.Equal(t, 1, report.Pools["worker"])

	report, err = f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
}

func TestSync_PendingWriteBackBlocksReenqueue(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()
	f.putBeads(1)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	ticket, err := f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NotNil(t, ticket)
	require.NoError(t, f.queue.Complete(ctx, ticket.ID, []byte(`{"ok":true}`)))

	// Кто-то вернул задачу в open до write-back.
	require.NoError(t, f.store.Update(ctx, "bd-1", domain.UpdateFields{Status: domain.BeadStatusOpen}))

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Enqueued)
	assert.Equal(t, 1, report.Reported)

	tickets, err := f.queue.List(ctx, domain.TicketFilter{TaskID: "bd-1"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestWriteBack_Completed(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()
	f.putBeads(1)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	ticket, err := f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, ticket.ID, []byte(`{"ok":true}`)))

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reported)

	b, err := f.store.Get(ctx, "bd-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BeadStatusNeedsVerification, b.Status)
	assert.Contains(t, b.Notes, ticket.ID)

	got, err := f.queue.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, got.Reported)

	// Повторный проход ничего не пишет.
	report, err = f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reported)
}

func TestWriteBack_Failed(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()
	f.putBeads(1)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	ticket, err := f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NoError(t, f.queue.Fail(ctx, ticket.ID, false, "handler exploded"))

	_, err = f.conductor.Tick(ctx)
	require.NoError(t, err)

	b, err := f.store.Get(ctx, "bd-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BeadStatusBlocked, b.Status)
	assert.True(t, b.HasLabel("relay:failed"))
	assert.Contains(t, b.Notes, "handler exploded")
}

func TestWriteBack_Followup(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0), func(c *Config) {
		c.WriteBack.CreateFollowups = true
		c.WriteBack.FollowupRole = "reviewer"
	})
	ctx := context.Background()
	f.putBeads(1)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	ticket, err := f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, ticket.ID, []byte(`{}`)))

	_, err = f.conductor.Tick(ctx)
	require.NoError(t, err)

	ready, err := f.store.ListReady(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	followup := ready[0]
	assert.Equal(t, "Verify: task 1", followup.Title)
	assert.Equal(t, "bd-1", followup.ParentID)
	assert.True(t, followup.HasLabel("relay:verify"))
	assert.True(t, followup.HasLabel("role:reviewer"))
}

func TestWriteBack_MissingTaskIsReported(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "bd-gone", 0, "worker")
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NoError(t, f.queue.Fail(ctx, id, false, "boom"))

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reported)
	assert.Equal(t, 0, report.Errors)

	got, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Reported)
}

func TestWriteBack_StoreErrorRetriedNextTick(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0))
	ctx := context.Background()
	f.putBeads(1)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	ticket, err := f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, ticket.ID, []byte(`{}`)))

	// ListReady и Update упадут, остальное пройдёт.
	f.store.MarkStale(2)

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Errors)
	assert.Equal(t, 0, report.Reported)

	report, err = f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reported)
}

func TestReclaim_DeadExecutor(t *testing.T) {
	f := newFixture(t, workerRole(1, 2, 1.0))
	ctx := context.Background()
	f.putBeads(2)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	p, _ := f.conductor.Pool("worker")
	live := p.Live()
	require.NotEmpty(t, live)

	orphan, err := f.queue.Claim(ctx, "ghost", "worker")
	require.NoError(t, err)
	owned, err := f.queue.Claim(ctx, live[0], "worker")
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)

	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)

	got, err := f.queue.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusQueued, got.Status)
	assert.Empty(t, got.ClaimedBy)

	got, err = f.queue.Get(ctx, owned.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusProcessing, got.Status)
}

func TestReclaim_FollowsSchedule(t *testing.T) {
	f := newFixture(t, workerRole(0, 2, 1.0), func(c *Config) {
		c.ReclaimAfter = time.Minute
		c.ReclaimSchedule = "@every 10m"
	})
	ctx := context.Background()

	// Первый tick выполняет reclaim сразу и назначает следующий через 10m.
	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)

	_, err = f.queue.Enqueue(ctx, "bd-1", 0, "worker")
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx, "ghost", "worker")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	report, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reclaimed)

	f.clock.Advance(6 * time.Minute)
	report, err = f.conductor.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)
}

func TestTick_ConcurrentCallsDoNotDuplicate(t *testing.T) {
	f := newFixture(t, workerRole(0, 4, 1.0), func(c *Config) {
		c.WriteBack.SkipClaimUpdate = true
	})
	ctx := context.Background()
	f.putBeads(20)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.conductor.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tickets, err := f.queue.List(ctx, domain.TicketFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, tickets, 20)
}

func TestUpdateRoles(t *testing.T) {
	f := newFixture(t, workerRole(1, 4, 1.0))

	err := f.conductor.UpdateRoles([]RoleConfig{
		{Name: "worker", MinWorkers: 3, MaxWorkers: 6, LoadFactor: 0.5},
		{Name: "reviewer", MinWorkers: 1, MaxWorkers: 2, LoadFactor: 1},
	})
	require.NoError(t, err)

	infos := f.conductor.Pools()
	require.Len(t, infos, 2)
	assert.Equal(t, "reviewer", infos[0].Role)
	assert.Equal(t, 1, infos[0].Size)
	assert.Equal(t, "worker", infos[1].Role)
	assert.Equal(t, 3, infos[1].MinWorkers)
	assert.Equal(t, 6, infos[1].MaxWorkers)
	assert.Equal(t, 3, infos[1].Size)
	assert.Len(t, infos[1].Executors, 3)

	err = f.conductor.UpdateRoles([]RoleConfig{{Name: "reviewer", MinWorkers: 0, MaxWorkers: 2, LoadFactor: 1}})
	require.NoError(t, err)
	_, ok := f.conductor.Pool("worker")
	assert.False(t, ok)

	err = f.conductor.UpdateRoles([]RoleConfig{{Name: "reviewer", MinWorkers: 5, MaxWorkers: 2, LoadFactor: 1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStop(t *testing.T) {
	f := newFixture(t, workerRole(2, 4, 1.0))
	require.NoError(t, f.conductor.Start(context.Background()))

	f.conductor.Stop()
	assert.True(t, f.conductor.IsStopped())
	assert.Equal(t, 0, f.poolSize(t, "worker"))

	_, err := f.conductor.Tick(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.conductor.Start(context.Background()), ErrStopped)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
	err    error

	// release, если задан, держит каждую публикацию до закрытия канала.
	release chan struct{}
}

func (p *recordingPublisher) PublishTicketEvent(ctx context.Context, ev queue.Event) error {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Types() []queue.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]queue.EventType, len(p.events))
	for i, ev := range p.events {
		types[i] = ev.Type
	}
	return types
}

func TestPublisher_ReceivesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, workerRole(0, 2, 1.0), func(c *Config) { c.Publisher = pub })
	ctx := context.Background()
	f.putBeads(1)

	_, err := f.conductor.Tick(ctx)
	require.NoError(t, err)
	ticket, err := f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, ticket.ID, []byte(`{}`)))

	want := []queue.EventType{queue.EventEnqueued, queue.EventClaimed, queue.EventCompleted}
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, pub.Types()) },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, f.conductor.writeBackCh)
}

func TestPublisher_FallsBackToLocal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	f := newFixture(t, workerRole(0, 2, 1.0), func(c *Config) { c.Publisher = pub })
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "bd-1", 0, "worker")
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx, "manual", "worker")
	require.NoError(t, err)
	require.NoError(t, f.queue.Fail(ctx, id, false, "boom"))

	require.Eventually(t, func() bool { return len(f.conductor.writeBackCh) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, <-f.conductor.writeBackCh)
}

func TestPublisher_SlowBrokerDoesNotBlockQueue(t *testing.T) {
	pub := &recordingPublisher{release: make(chan struct{})}
	f := newFixture(t, workerRole(0, 2, 1.0), func(c *Config) { c.Publisher = pub })
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		id, err := f.queue.Enqueue(ctx, "bd-1", 0, "worker")
		if err == nil {
			_, err = f.queue.Claim(ctx, "manual", "worker")
		}
		if err == nil {
			err = f.queue.Complete(ctx, id, []byte(`{}`))
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queue operations blocked on publisher")
	}
	assert.Empty(t, pub.Types())

	close(pub.release)
	require.Eventually(t, func() bool { return len(pub.Types()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestEndToEnd_WorkersProcessTasks(t *testing.T) {
	sqlite, err := repo.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	q := queue.New(queue.Config{Store: sqlite})
	store := beads.NewMemoryStore()
	for i := 1; i <= 5; i++ {
		store.Put(domain.Bead{ID: fmt.Sprintf("bd-%d", i), Title: fmt.Sprintf("task %d", i)})
	}

	registry := worker.NewRegistry()
	registry.Register("worker", worker.Route{Handler: &worker.EchoHandler{}})
	runner := worker.NewRunner(worker.Config{
		Queue:        q,
		Registry:     registry,
		PollInterval: 10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	})

	c, err := New(Config{
		Queue:        q,
		Store:        store,
		Executor:     runner,
		Roles:        workerRole(1, 3, 1.0),
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.Eventually(t, func() bool {
		for i := 1; i <= 5; i++ {
			b, err := store.Get(ctx, fmt.Sprintf("bd-%d", i))
			if err != nil || b.Status != domain.BeadStatusNeedsVerification {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	for i := 1; i <= 5; i++ {
		out, err := q.GetOutput(ctx, fmt.Sprintf("bd-%d", i))
		require.NoError(t, err)
		assert.NotNil(t, out)
	}
}
