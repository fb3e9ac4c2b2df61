package beads

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// MemoryStore — хранилище задач в памяти.
//
// Используется в тестах и для локального запуска без bd.
// Готовность вычисляется по полным данным: блокер считается
// закрытым, только если его статус closed.
type MemoryStore struct {
	mu         sync.Mutex
	beads      map[string]*domain.Bead
	seq        int
	prefix     string
	autoResync bool

	staleOps int // сколько следующих операций вернут ErrStale
	syncs    int
}

// MemoryOption настраивает MemoryStore.
type MemoryOption func(*MemoryStore)

// WithPrefix задаёт префикс ID создаваемых задач (default: "bd").
func WithPrefix(prefix string) MemoryOption {
	return func(s *MemoryStore) { s.prefix = prefix }
}

// WithAutoResync включает повтор операции после Sync при ErrStale.
func WithAutoResync(enabled bool) MemoryOption {
	return func(s *MemoryStore) { s.autoResync = enabled }
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		beads:  make(map[string]*domain.Bead),
		prefix: "bd",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put добавляет или заменяет задачу.
func (s *MemoryStore) Put(b domain.Bead) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Status == "" {
		b.Status = domain.BeadStatusOpen
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	s.beads[b.ID] = cloneBead(&b)
}

// MarkStale заставляет следующие n операций вернуть ErrStale.
func (s *MemoryStore) MarkStale(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleOps = n
}

// Syncs возвращает количество вызовов Sync.
func (s *MemoryStore) Syncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// Sync считает вызовы. Данные в памяти всегда актуальны.
func (s *MemoryStore) Sync(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
	return nil
}

// ListReady возвращает готовые задачи по приоритету, затем по ID.
func (s *MemoryStore) ListReady(ctx context.Context) ([]domain.Bead, error) {
	return memoryOp(ctx, s, func() ([]domain.Bead, error) {
		all := make([]domain.Bead, 0, len(s.beads))
		for _, b := range s.beads {
			all = append(all, *cloneBead(b))
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].Priority != all[j].Priority {
				return all[i].Priority < all[j].Priority
			}
			return all[i].ID < all[j].ID
		})
		return FilterReady(all, s.lookupLocked), nil
	})
}

// Get возвращает копию задачи.
func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Bead, error) {
	return memoryOp(ctx, s, func() (*domain.Bead, error) {
		b, ok := s.beads[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return cloneBead(b), nil
	})
}

// Update частично обновляет задачу.
func (s *MemoryStore) Update(ctx context.Context, id string, fields domain.UpdateFields) error {
	_, err := memoryOp(ctx, s, func() (struct{}, error) {
		b, ok := s.beads[id]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if fields.Status != "" {
			b.Status = fields.Status
		}
		if fields.Notes != "" {
			b.Notes = fields.Notes
		}
		if fields.Assignee != nil {
			b.Assignee = *fields.Assignee
		}
		for _, label := range fields.AddLabels {
			if !b.HasLabel(label) {
				b.Labels = append(b.Labels, label)
			}
		}
		for _, label := range fields.RemoveLabels {
			b.Labels = slices.DeleteFunc(b.Labels, func(l string) bool { return l == label })
		}
		b.UpdatedAt = time.Now().UTC()
		return struct{}{}, nil
	})
	return err
}

// Create создаёт задачу и возвращает её ID.
func (s *MemoryStore) Create(ctx context.Context, title string, opts domain.CreateOptions) (string, error) {
	return memoryOp(ctx, s, func() (string, error) {
		if opts.ParentID != "" {
			if _, ok := s.beads[opts.ParentID]; !ok {
				return "", fmt.Errorf("%w: parent %s", ErrNotFound, opts.ParentID)
			}
		}

		s.seq++
		id := fmt.Sprintf("%s-%d", s.prefix, s.seq)
		for s.beads[id] != nil {
			s.seq++
			id = fmt.Sprintf("%s-%d", s.prefix, s.seq)
		}

		now := time.Now().UTC()
		b := &domain.Bead{
			ID:          id,
			Title:       title,
			Description: opts.Description,
			Status:      domain.BeadStatusOpen,
			Priority:    opts.Priority,
			IssueType:   opts.IssueType,
			Labels:      slices.Clone(opts.Labels),
			ParentID:    opts.ParentID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if opts.ParentID != "" {
			b.Dependencies = append(b.Dependencies, domain.Dependency{
				ID:   opts.ParentID,
				Type: domain.DependencyParentChild,
			})
		}
		s.beads[id] = b
		return id, nil
	})
}

// AddDependency связывает задачи отношением parent-child.
func (s *MemoryStore) AddDependency(ctx context.Context, childID, parentID string) error {
	_, err := memoryOp(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.addDependencyLocked(childID, parentID, domain.DependencyParentChild)
	})
	return err
}

// AddBlocker добавляет связь blocks: blockedID не готова, пока blockerID не закрыта.
func (s *MemoryStore) AddBlocker(blockedID, blockerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDependencyLocked(blockedID, blockerID, domain.DependencyBlocks)
}

func (s *MemoryStore) addDependencyLocked(fromID, toID string, typ domain.DependencyType) error {
	from, ok := s.beads[fromID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fromID)
	}
	if _, ok := s.beads[toID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, toID)
	}
	for _, dep := range from.Dependencies {
		if dep.ID == toID && dep.Type == typ {
			return nil
		}
	}
	from.Dependencies = append(from.Dependencies, domain.Dependency{ID: toID, Type: typ})
	if typ == domain.DependencyParentChild && from.ParentID == "" {
		from.ParentID = toID
	}
	return nil
}

// lookupLocked возвращает статус задачи. Вызывается под s.mu.
func (s *MemoryStore) lookupLocked(id string) (domain.BeadStatus, bool) {
	b, ok := s.beads[id]
	if !ok {
		return "", false
	}
	return b.Status, true
}

// memoryOp выполняет op под мьютексом с имитацией устаревания.
func memoryOp[T any](ctx context.Context, s *MemoryStore, op func() (T, error)) (T, error) {
	call := func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.staleOps > 0 {
			s.staleOps--
			return zero, ErrStale
		}
		return op()
	}

	if !s.autoResync {
		return call(ctx)
	}
	return WithResync(ctx, s.Sync, call)
}

func cloneBead(b *domain.Bead) *domain.Bead {
	c := *b
	c.Labels = slices.Clone(b.Labels)
	c.Dependencies = slices.Clone(b.Dependencies)
	return &c
}
