// Relay Conductor — синхронизирует хранилище задач beads с очередью
// tickets и управляет пулами executor'ов.
//
// Conductor:
//   - Ставит готовые задачи в очередь (sync)
//   - Масштабирует пулы по глубине очереди роли (scale)
//   - Возвращает в очередь tickets умерших executor'ов (reclaim)
//   - Записывает результаты обратно в хранилище (write-back)
//
// На одну БД очереди допускается один conductor: для PostgreSQL это
// гарантирует advisory lock, SQLite-файл принадлежит одному процессу.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shaiso/Relay/internal/api"
	"github.com/shaiso/Relay/internal/beads"
	"github.com/shaiso/Relay/internal/conductor"
	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/queue"
	"github.com/shaiso/Relay/internal/repo"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting relay-conductor")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	// Хранилище очереди
	store, closeStore, err := openTicketStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open ticket store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	q := queue.New(queue.Config{
		Store:   store,
		Metrics: metrics,
		Logger:  logger,
	})

	// Хранилище задач
	tasks := beads.NewClient(beads.Config{
		Dir:        cfg.BeadsDir,
		Binary:     cfg.BeadsBinary,
		AutoResync: cfg.BeadsAutoResync,
		Logger:     logger,
	})

	// Executors
	routes := worker.NewRegistry()
	if err := cfg.Roles.Apply(routes); err != nil {
		logger.Error("failed to register roles", "error", err)
		os.Exit(1)
	}
	runner := worker.NewRunner(worker.Config{
		Queue:    q,
		Registry: routes,
		Logger:   logger,
	})

	// RabbitMQ (опционально): события tickets идут через брокер,
	// write-back получает их из очереди tickets.writeback.
	var publisher conductor.EventPublisher
	var mqConn *mq.Connection
	if cfg.RabbitMQURL != "" {
		mqConn, err = mq.Dial(mq.ConnectionConfig{
			URL:               cfg.RabbitMQURL,
			ReconnectDelay:    cfg.RabbitMQReconnectDelay,
			MaxReconnectDelay: cfg.RabbitMQMaxReconnectDelay,
			Logger:            logger,
		})
		if err != nil {
			logger.Warn("rabbitmq not available, using in-process events", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology, using in-process events", "error", err)
			} else {
				publisher = mq.NewPublisher(mqConn, logger)
			}
		}
	}

	c, err := conductor.New(conductor.Config{
		Queue:           q,
		Store:           tasks,
		Executor:        runner,
		Roles:           cfg.Roles.PoolConfigs(),
		DefaultRole:     cfg.Roles.DefaultRole,
		RoleLabelPrefix: cfg.Roles.RoleLabelPrefix,
		PollInterval:    cfg.PollInterval,
		ReclaimAfter:    cfg.ReclaimAfter,
		ReclaimSchedule: cfg.ReclaimSchedule,
		WriteBack:       cfg.Roles.ConductorWriteBack(),
		Publisher:       publisher,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to create conductor", "error", err)
		os.Exit(1)
	}

	if publisher != nil {
		consumer := mq.NewWriteBackConsumer(mq.WriteBackConsumerConfig{
			Conn:    mqConn,
			OnEvent: c.HandleEvent,
			Logger:  logger,
		})
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, mq.ErrClosed) {
				logger.Error("write-back consumer stopped", "error", err)
			}
		}()
	}

	if err := c.Start(ctx); err != nil {
		logger.Error("failed to start conductor", "error", err)
		os.Exit(1)
	}

	// Hot reload файла ролей
	if cfg.RolesFile != "" {
		watcher, err := config.WatchRoles(cfg.RolesFile, logger, func(rf *config.RolesFile) {
			if err := rf.Apply(routes); err != nil {
				logger.Error("failed to apply roles", "error", err)
				return
			}
			if err := c.UpdateRoles(rf.PoolConfigs()); err != nil {
				logger.Error("failed to update pools", "error", err)
			}
		})
		if err != nil {
			logger.Warn("roles file watch disabled", "file", cfg.RolesFile, "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	// Admin API
	handler := api.NewHandler(api.Config{
		Queue:     q,
		Conductor: c,
		Gatherer:  registry,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	c.Stop()
	logger.Info("relay-conductor stopped")
}

// openTicketStore открывает хранилище очереди по DB_URL.
// Для PostgreSQL берётся advisory lock: второй conductor не запустится.
func openTicketStore(ctx context.Context, cfg *config.Config) (queue.Store, func(), error) {
	if !cfg.IsPostgres() {
		sqlite, err := repo.OpenSQLite(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, err
		}
		return sqlite, func() { sqlite.Close() }, nil
	}

	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, nil, err
	}

	release, err := repo.AcquireLeadership(ctx, pool, repo.LeadershipLockKey)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	tickets := repo.NewTicketRepo(pool)
	if err := tickets.Migrate(ctx); err != nil {
		release()
		pool.Close()
		return nil, nil, err
	}

	return tickets, func() {
		release()
		pool.Close()
	}, nil
}
