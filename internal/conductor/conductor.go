package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/pool"
	"github.com/shaiso/Relay/internal/queue"
	"github.com/shaiso/Relay/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// Default configuration values.
const (
	defaultPollInterval    = 5 * time.Second
	defaultReclaimAfter    = 15 * time.Minute
	defaultReclaimSchedule = "@every 1m"
	defaultRole            = "worker"
	defaultRoleLabelPrefix = "role:"
	defaultShutdownTimeout = 10 * time.Second
	defaultWriteBackBatch  = 100
	writeBackBuffer        = 256
	publishBuffer          = 1024
	publishTimeout         = 5 * time.Second
)

// reclaimParser разбирает расписание reclaim: 5 полей или дескриптор (@every 1m).
var reclaimParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TaskStore — внешнее хранилище задач.
//
// Реализации: beads.Client (CLI bd), beads.MemoryStore.
type TaskStore interface {
	ListReady(ctx context.Context) ([]domain.Bead, error)
	Get(ctx context.Context, id string) (*domain.Bead, error)
	Update(ctx context.Context, id string, fields domain.UpdateFields) error
	Create(ctx context.Context, title string, opts domain.CreateOptions) (string, error)
	AddDependency(ctx context.Context, childID, parentID string) error
}

// EventPublisher публикует события очереди во внешний брокер.
type EventPublisher interface {
	PublishTicketEvent(ctx context.Context, ev queue.Event) error
}

// RoleConfig — границы пула одной роли.
type RoleConfig struct {
	Name       string  `json:"name" yaml:"name"`
	MinWorkers int     `json:"min_workers" yaml:"min_workers"`
	MaxWorkers int     `json:"max_workers" yaml:"max_workers"`
	LoadFactor float64 `json:"load_factor" yaml:"load_factor"`
}

// Validate проверяет имя роли и границы пула.
func (r RoleConfig) Validate() error {
	if err := queue.ValidateRole(r.Name); err != nil {
		return err
	}
	if err := pool.ValidateBounds(r.MinWorkers, r.MaxWorkers, r.LoadFactor); err != nil {
		return fmt.Errorf("role %s: %w", r.Name, err)
	}
	return nil
}

// PoolInfo — состояние пула роли.
type PoolInfo struct {
	Role       string   `json:"role"`
	Size       int      `json:"size"`
	MinWorkers int      `json:"min_workers"`
	MaxWorkers int      `json:"max_workers"`
	LoadFactor float64  `json:"load_factor"`
	Executors  []string `json:"executors"`
}

// TickReport — итог одного tick.
type TickReport struct {
	Enqueued  int            `json:"enqueued"`
	Skipped   int            `json:"skipped"`
	Reclaimed int            `json:"reclaimed"`
	Reported  int            `json:"reported"`
	Errors    int            `json:"errors"`
	Pools     map[string]int `json:"pools"`
	Duration  time.Duration  `json:"duration"`
}

// Conductor синхронизирует хранилище задач с очередью и управляет пулами.
type Conductor struct {
	queue     *queue.Queue
	store     TaskStore
	executor  pool.Executor
	publisher EventPublisher
	metrics   *telemetry.Metrics
	now       func() time.Time

	// Configuration
	pollInterval    time.Duration
	reclaimAfter    time.Duration
	reclaimSchedule cron.Schedule
	defaultRole     string
	roleLabelPrefix string
	shutdownTimeout time.Duration
	writeBack       WriteBackConfig

	// Pools (role → pool)
	mu    sync.RWMutex
	pools map[string]*pool.Pool

	// Tick state
	ticks       singleflight.Group
	nextReclaim time.Time

	// Write-back
	writeBackCh chan string
	writeBackMu sync.Mutex

	// Публикация событий идёт в своей горутине, чтобы брокер
	// не тормозил Claim/Complete executor'ов.
	publishCh     chan queue.Event
	publishCancel context.CancelFunc
	publishWG     sync.WaitGroup

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Conductor.
type Config struct {
	// Queue — очередь tickets (обязательно).
	Queue *queue.Queue

	// Store — хранилище задач (обязательно).
	Store TaskStore

	// Executor — тело executor'ов всех пулов (обязательно).
	Executor pool.Executor

	// Roles — роли и границы их пулов (хотя бы одна).
	Roles []RoleConfig

	// DefaultRole — роль задачи без метки роли (default: "worker").
	DefaultRole string

	// RoleLabelPrefix — префикс метки с ролью (default: "role:").
	RoleLabelPrefix string

	// PollInterval — интервал ticks (default: 5s).
	PollInterval time.Duration

	// ReclaimAfter — возраст claim, после которого ticket без живого
	// executor'а возвращается в очередь (default: 15m).
	ReclaimAfter time.Duration

	// ReclaimSchedule — cron-расписание reclaim (default: "@every 1m").
	ReclaimSchedule string

	// ShutdownTimeout — ожидание executor'ов при Stop (default: 10s).
	ShutdownTimeout time.Duration

	// WriteBack — запись результатов в хранилище.
	WriteBack WriteBackConfig

	// Publisher — брокер событий (опционально). Если задан, события очереди
	// публикуются в брокер, а write-back запускается его consumer'ом.
	Publisher EventPublisher

	// Metrics (опционально).
	Metrics *telemetry.Metrics

	// Clock — источник времени (опционально, для тестов).
	Clock func() time.Time

	// Logger
	Logger *slog.Logger
}

// New создаёт Conductor и пулы всех ролей размером MinWorkers.
func New(cfg Config) (*Conductor, error) {
	if cfg.Queue == nil || cfg.Store == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("%w: queue, store and executor are required", ErrInvalidConfig)
	}
	if len(cfg.Roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrInvalidConfig)
	}
	if err := validateRoles(cfg.Roles); err != nil {
		return nil, err
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	reclaimAfter := cfg.ReclaimAfter
	if reclaimAfter <= 0 {
		reclaimAfter = defaultReclaimAfter
	}

	scheduleExpr := cfg.ReclaimSchedule
	if scheduleExpr == "" {
		scheduleExpr = defaultReclaimSchedule
	}
	schedule, err := reclaimParser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: reclaim schedule %q: %v", ErrInvalidConfig, scheduleExpr, err)
	}

	role := cfg.DefaultRole
	if role == "" {
		role = defaultRole
	}

	prefix := cfg.RoleLabelPrefix
	if prefix == "" {
		prefix = defaultRoleLabelPrefix
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conductor{
		queue:           cfg.Queue,
		store:           cfg.Store,
		executor:        cfg.Executor,
		publisher:       cfg.Publisher,
		metrics:         cfg.Metrics,
		now:             func() time.Time { return clock().UTC() },
		pollInterval:    pollInterval,
		reclaimAfter:    reclaimAfter,
		reclaimSchedule: schedule,
		defaultRole:     role,
		roleLabelPrefix: prefix,
		shutdownTimeout: shutdownTimeout,
		writeBack:       cfg.WriteBack.withDefaults(),
		pools:           make(map[string]*pool.Pool),
		writeBackCh:     make(chan string, writeBackBuffer),
		logger:          logger,
	}

	for _, rc := range cfg.Roles {
		if err := c.addPool(rc); err != nil {
			c.closePools()
			return nil, err
		}
	}

	if c.publisher != nil {
		c.startPublisher()
	}
	c.queue.Subscribe(c.onQueueEvent)

	return c, nil
}

// Start запускает цикл ticks и обработчик write-back.
func (c *Conductor) Start(ctx context.Context) error {
	if c.IsStopped() {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting conductor",
		"poll_interval", c.pollInterval,
		"reclaim_after", c.reclaimAfter,
		"roles", c.roleNames(),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeBackLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()

	c.logger.Info("conductor started")
	return nil
}

// Stop останавливает ticks и закрывает все пулы.
//
// Executors отменяются без drain; таблица tickets не меняется,
// кроме best-effort requeue со стороны самих executor'ов.
func (c *Conductor) Stop() {
	c.stoppedMu.Lock()
	if c.stopped {
		c.stoppedMu.Unlock()
		return
	}
	c.stopped = true
	c.stoppedMu.Unlock()

	c.logger.Info("stopping conductor...")

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()

	c.closePools()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	for _, p := range c.snapshotPools() {
		if err := p.Wait(ctx); err != nil {
			c.logger.Warn("executors did not stop in time", "role", p.Role(), "error", err)
		}
	}

	if c.publishCancel != nil {
		c.publishCancel()
		c.publishWG.Wait()
	}

	c.logger.Info("conductor stopped")
}

// IsStopped проверяет, остановлен ли Conductor.
func (c *Conductor) IsStopped() bool {
	c.stoppedMu.RLock()
	defer c.stoppedMu.RUnlock()
	return c.stopped
}

// pollLoop — периодический tick.
func (c *Conductor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	// Сразу делаем первый tick
	c.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runTick(ctx)
		}
	}
}

func (c *Conductor) runTick(ctx context.Context) {
	report, err := c.Tick(ctx)
	if err != nil {
		if !errors.Is(err, ErrStopped) && ctx.Err() == nil {
			c.logger.Error("tick failed", "error", err)
		}
		return
	}
	if report.Enqueued > 0 || report.Reclaimed > 0 || report.Reported > 0 || report.Errors > 0 {
		c.logger.Info("tick completed",
			"enqueued", report.Enqueued,
			"reclaimed", report.Reclaimed,
			"reported", report.Reported,
			"errors", report.Errors,
			"duration", report.Duration,
		)
	}
}

// Tick выполняет один проход sync → scale → reclaim → write-back.
//
// Одновременные вызовы не пересекаются: вызов во время идущего tick
// дожидается его и получает тот же отчёт.
func (c *Conductor) Tick(ctx context.Context) (*TickReport, error) {
	if c.IsStopped() {
		return nil, ErrStopped
	}

	v, err, _ := c.ticks.Do("tick", func() (any, error) {
		return c.tick(ctx)
	})
	if err != nil {
		return nil, err
	}
	report := *v.(*TickReport)
	return &report, nil
}

func (c *Conductor) tick(ctx context.Context) (*TickReport, error) {
	start := time.Now()
	report := &TickReport{}

	c.sync(ctx, report)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.scale(ctx, report)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.reclaimIfDue(ctx, report)

	c.writeBackPending(ctx, report)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	c.metrics.ObserveTick(report.Duration)
	return report, nil
}

// stageError учитывает ошибку шага tick.
func (c *Conductor) stageError(report *TickReport, stage string) {
	report.Errors++
	c.metrics.TickError(stage)
}

// UpdateRoles применяет новый набор ролей без остановки.
//
// Существующим пулам меняются границы, новые роли получают пул,
// пулы удалённых ролей закрываются.
func (c *Conductor) UpdateRoles(roles []RoleConfig) error {
	if c.IsStopped() {
		return ErrStopped
	}
	if len(roles) == 0 {
		return fmt.Errorf("%w: at least one role is required", ErrInvalidConfig)
	}
	if err := validateRoles(roles); err != nil {
		return err
	}

	wanted := make(map[string]bool, len(roles))
	for _, rc := range roles {
		wanted[rc.Name] = true

		c.mu.RLock()
		p, ok := c.pools[rc.Name]
		c.mu.RUnlock()

		if ok {
			if err := p.SetBounds(rc.MinWorkers, rc.MaxWorkers, rc.LoadFactor); err != nil {
				return fmt.Errorf("role %s: %w", rc.Name, err)
			}
			continue
		}
		if err := c.addPool(rc); err != nil {
			return err
		}
		c.logger.Info("role added", "role", rc.Name)
	}

	c.mu.Lock()
	for name, p := range c.pools {
		if wanted[name] {
			continue
		}
		p.Close()
		delete(c.pools, name)
		c.metrics.SetPoolSize(name, 0, 0)
		c.logger.Info("role removed", "role", name)
	}
	c.mu.Unlock()

	return nil
}

// Pools возвращает состояние пулов, отсортированное по роли.
func (c *Conductor) Pools() []PoolInfo {
	pools := c.snapshotPools()
	infos := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		minWorkers, maxWorkers, lf := p.Bounds()
		infos = append(infos, PoolInfo{
			Role:       p.Role(),
			Size:       p.Size(),
			MinWorkers: minWorkers,
			MaxWorkers: maxWorkers,
			LoadFactor: lf,
			Executors:  p.Live(),
		})
	}
	return infos
}

// Pool возвращает пул роли.
func (c *Conductor) Pool(role string) (*pool.Pool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pools[role]
	return p, ok
}

func (c *Conductor) addPool(rc RoleConfig) error {
	p, err := pool.New(pool.Config{
		Role:       rc.Name,
		MinWorkers: rc.MinWorkers,
		MaxWorkers: rc.MaxWorkers,
		LoadFactor: rc.LoadFactor,
		Executor:   c.executor,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pools[rc.Name] = p
	c.mu.Unlock()
	return nil
}

func (c *Conductor) closePools() {
	for _, p := range c.snapshotPools() {
		p.Close()
	}
}

// snapshotPools возвращает пулы, отсортированные по роли.
func (c *Conductor) snapshotPools() []*pool.Pool {
	c.mu.RLock()
	pools := make([]*pool.Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Role() < pools[j].Role() })
	return pools
}

func (c *Conductor) roleNames() []string {
	pools := c.snapshotPools()
	names := make([]string, len(pools))
	for i, p := range pools {
		names[i] = p.Role()
	}
	return names
}

func validateRoles(roles []RoleConfig) error {
	seen := make(map[string]bool, len(roles))
	for _, rc := range roles {
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if seen[rc.Name] {
			return fmt.Errorf("%w: duplicate role %s", ErrInvalidConfig, rc.Name)
		}
		seen[rc.Name] = true
	}
	return nil
}
