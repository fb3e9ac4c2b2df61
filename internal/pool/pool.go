package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Executor выполняет цикл claim → work → complete/fail для роли.
//
// ClaimLoop должен вернуться вскоре после отмены ctx.
// Возврат до отмены ctx считается аварийным завершением executor'а:
// Pool освобождает его слот, и следующий Resize запустит замену.
type Executor interface {
	ClaimLoop(ctx context.Context, executorID, role string) error
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, executorID, role string) error

// ClaimLoop вызывает f.
func (f ExecutorFunc) ClaimLoop(ctx context.Context, executorID, role string) error {
	return f(ctx, executorID, role)
}

// Config — конфигурация Pool.
type Config struct {
	Role       string
	MinWorkers int
	MaxWorkers int
	LoadFactor float64

	// Executor — тело executor'а (обязательно).
	Executor Executor

	// Logger
	Logger *slog.Logger
}

// Validate проверяет границы пула.
func (c Config) Validate() error {
	return ValidateBounds(c.MinWorkers, c.MaxWorkers, c.LoadFactor)
}

// ValidateBounds проверяет min_workers ≥ 0, max_workers ≥ min_workers, load_factor > 0.
func ValidateBounds(minWorkers, maxWorkers int, loadFactor float64) error {
	if minWorkers < 0 {
		return fmt.Errorf("%w: min_workers must be >= 0, got %d", ErrInvalidBounds, minWorkers)
	}
	if maxWorkers < minWorkers {
		return fmt.Errorf("%w: max_workers (%d) must be >= min_workers (%d)", ErrInvalidBounds, maxWorkers, minWorkers)
	}
	if loadFactor <= 0 || math.IsNaN(loadFactor) || math.IsInf(loadFactor, 0) {
		return fmt.Errorf("%w: load_factor must be > 0, got %v", ErrInvalidBounds, loadFactor)
	}
	return nil
}

// handle — запущенный executor.
type handle struct {
	id     string
	cancel context.CancelFunc
}

// Pool — набор executor'ов одной роли с изменяемым размером.
//
// Все методы безопасны для конкурентного вызова, но размер
// меняет только Conductor.
type Pool struct {
	role     string
	executor Executor
	logger   *slog.Logger

	mu         sync.Mutex
	minWorkers int
	maxWorkers int
	loadFactor float64
	handles    []*handle // в порядке запуска, новые в конце
	closed     bool

	wg sync.WaitGroup
}

// New создаёт пул и сразу запускает MinWorkers executor'ов.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.Role, err)
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("pool %s: executor is required", cfg.Role)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		role:       cfg.Role,
		executor:   cfg.Executor,
		logger:     logger.With("role", cfg.Role),
		minWorkers: cfg.MinWorkers,
		maxWorkers: cfg.MaxWorkers,
		loadFactor: cfg.LoadFactor,
	}

	p.mu.Lock()
	p.growLocked(cfg.MinWorkers)
	p.mu.Unlock()

	return p, nil
}

// Role возвращает роль пула.
func (p *Pool) Role() string {
	return p.role
}

// Size возвращает количество запущенных executor'ов.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Bounds возвращает текущие min_workers, max_workers и load_factor.
func (p *Pool) Bounds() (minWorkers, maxWorkers int, loadFactor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minWorkers, p.maxWorkers, p.loadFactor
}

// Target вычисляет желаемый размер для pending queued tickets:
// ceil(pending × load_factor), ограниченный [min, max].
func (p *Pool) Target(pending int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return TargetSize(pending, p.loadFactor, p.minWorkers, p.maxWorkers)
}

// TargetSize — формула размера пула.
func TargetSize(pending int, loadFactor float64, minWorkers, maxWorkers int) int {
	if pending < 0 {
		pending = 0
	}
	// Сравнение с max до перевода в int: произведение может не влезть в int.
	target := math.Ceil(float64(pending) * loadFactor)
	if target >= float64(maxWorkers) {
		return clamp(maxWorkers, minWorkers, maxWorkers)
	}
	return clamp(int(target), minWorkers, maxWorkers)
}

// Resize приводит размер пула к target, ограниченному [min, max].
// Возвращает новый размер.
func (p *Pool) Resize(target int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	target = clamp(target, p.minWorkers, p.maxWorkers)
	size := len(p.handles)
	switch {
	case target > size:
		p.growLocked(target - size)
		p.logger.Info("pool grown", "from", size, "to", target)
	case target < size:
		p.shrinkLocked(size - target)
		p.logger.Info("pool shrunk", "from", size, "to", target)
	}
	return len(p.handles)
}

// SetBounds меняет границы пула и сразу приводит размер к новым границам.
func (p *Pool) SetBounds(minWorkers, maxWorkers int, loadFactor float64) error {
	if err := ValidateBounds(minWorkers, maxWorkers, loadFactor); err != nil {
		return fmt.Errorf("pool %s: %w", p.role, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.minWorkers = minWorkers
	p.maxWorkers = maxWorkers
	p.loadFactor = loadFactor

	size := len(p.handles)
	target := clamp(size, minWorkers, maxWorkers)
	switch {
	case target > size:
		p.growLocked(target - size)
	case target < size:
		p.shrinkLocked(size - target)
	}

	p.logger.Info("pool bounds updated",
		"min_workers", minWorkers,
		"max_workers", maxWorkers,
		"load_factor", loadFactor,
		"size", len(p.handles),
	)
	return nil
}

// Live возвращает ID запущенных executor'ов.
func (p *Pool) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, len(p.handles))
	for i, h := range p.handles {
		ids[i] = h.id
	}
	return ids
}

// Close останавливает все executor'ы, игнорируя min_workers.
// После Close пул не запускает новых executor'ов.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.shrinkLocked(len(p.handles))
	p.logger.Info("pool closed")
}

// Wait ждёт завершения всех горутин executor'ов или отмены ctx.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// growLocked запускает n executor'ов. Вызывается под p.mu.
func (p *Pool) growLocked(n int) {
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		h := &handle{id: uuid.New().String(), cancel: cancel}
		p.handles = append(p.handles, h)

		p.wg.Add(1)
		go p.run(ctx, h)
	}
}

// shrinkLocked отменяет n самых новых executor'ов. Вызывается под p.mu.
func (p *Pool) shrinkLocked(n int) {
	n = min(n, len(p.handles))
	keep := len(p.handles) - n
	for _, h := range p.handles[keep:] {
		h.cancel()
	}
	clear(p.handles[keep:])
	p.handles = p.handles[:keep]
}

// run выполняет ClaimLoop и освобождает слот, если executor завершился сам.
func (p *Pool) run(ctx context.Context, h *handle) {
	defer p.wg.Done()
	defer h.cancel()

	err := p.runSafe(ctx, h.id)

	if ctx.Err() != nil {
		// Отменён пулом, слот уже освобождён.
		return
	}

	p.logger.Error("executor exited unexpectedly",
		"executor_id", h.id,
		"error", err,
	)
	p.remove(h)
}

// runSafe вызывает ClaimLoop и превращает panic в ошибку.
func (p *Pool) runSafe(ctx context.Context, executorID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	err = p.executor.ClaimLoop(ctx, executorID, p.role)
	if err == nil {
		err = errors.New("claim loop returned")
	}
	return err
}

// remove удаляет handle из пула, если он ещё там.
func (p *Pool) remove(h *handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cur := range p.handles {
		if cur == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
