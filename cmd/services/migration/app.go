package main

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/linkflow-ai/migrator/internal/migration/adapters/backup"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/catalog"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/executor"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/http/handlers"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/impact"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/notifier"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/notifier/realtime"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/repository/mongostore"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/repository/sqlstore"
	"github.com/linkflow-ai/migrator/internal/migration/adapters/source/filesystem"
	"github.com/linkflow-ai/migrator/internal/migration/app/guard"
	"github.com/linkflow-ai/migrator/internal/migration/app/scheduler"
	"github.com/linkflow-ai/migrator/internal/migration/app/service"
	"github.com/linkflow-ai/migrator/internal/migration/domain/graph"
	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/migration/server"
	"github.com/linkflow-ai/migrator/internal/platform/cache"
	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/database"
	"github.com/linkflow-ai/migrator/internal/platform/health"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/platform/messaging/kafka"
	"github.com/linkflow-ai/migrator/internal/platform/metrics"
	"github.com/linkflow-ai/migrator/internal/platform/resilience"
	"github.com/linkflow-ai/migrator/internal/platform/telemetry"
)

const (
	sourceReloadInterval = 30 * time.Second
	systemSampleInterval = 15 * time.Second
	lockKeyPrefix        = "migrator:lock"
)

// app owns every long-lived component of the service
type app struct {
	cfg       *config.Config
	logger    logger.Logger
	server    *server.Server
	scheduler *scheduler.Scheduler
	hub       *realtime.Hub
	source    *filesystem.Source
	metrics   *metrics.Metrics
	closers   []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}
	if err := a.build(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) build(ctx context.Context) error {
	cfg, log := a.cfg, a.logger
	healthHandler := health.NewHandler(cfg.Service.Name, cfg.Version)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.onClose(tel.Close)
	a.metrics = metrics.NewMetrics("migrator", tel.Registry())

	// History store
	historyDB, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to history database: %w", err)
	}
	a.onClose(func(context.Context) error { return historyDB.Close() })
	if err := sqlstore.EnsureSchema(ctx, historyDB); err != nil {
		return fmt.Errorf("failed to ensure history schema: %w", err)
	}
	history := sqlstore.NewHistoryRepository(historyDB)
	healthHandler.AddCheck("history_db", health.PingChecker(historyDB.PingContext))

	// Migration source and dependency graph
	source, err := filesystem.New(cfg.Migration.Path)
	if err != nil {
		return fmt.Errorf("failed to load migrations from %s: %w", cfg.Migration.Path, err)
	}
	a.source = source
	descriptors, err := source.ListMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	deps := graph.New()
	if err := deps.LoadDeclared(descriptors); err != nil {
		return fmt.Errorf("invalid declared dependencies: %w", err)
	}
	log.Info("Migrations loaded", "count", len(descriptors), "dependencies", len(deps.Edges()))

	cat := catalog.New(source, history)

	// Target environments
	registry := executor.NewRegistry(cfg.Migration.Environments, log)
	a.onClose(func(context.Context) error { return registry.Close() })
	healthHandler.AddNonCriticalCheck("environments", registry.HealthCheck)

	audit, auditReader, err := a.buildAudit(ctx, historyDB, healthHandler)
	if err != nil {
		return err
	}

	var backups service.BackupProvider
	if cfg.Migration.Backup.Enabled {
		client, err := backup.NewClient(ctx, cfg.Migration.Backup)
		if err != nil {
			return fmt.Errorf("failed to create backup client: %w", err)
		}
		backups = backup.NewProvider(client, registry, cfg.Migration.Backup, log)
	}

	// Notifications
	breakerCfg := resilience.DefaultConfig("")
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		log.Warn("Notification circuit changed state", "sink", name, "from", from.String(), "to", to.String())
	}
	breakers := resilience.NewRegistry(breakerCfg)
	healthHandler.AddNonCriticalCheck("notifications", health.BreakerChecker(breakers))

	a.hub = realtime.NewHub(log)
	sinks := []notifier.Sink{notifier.NewLogSink(log), a.hub}

	var events service.EventPublisher
	if cfg.Kafka.Enabled {
		publisher, err := kafka.NewEventPublisher(&kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, log)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		a.onClose(func(context.Context) error { return publisher.Close() })
		events = publisher
		sinks = append(sinks, notifier.NewEventSink(publisher))
	}

	// Orchestrators
	svcDeps := service.Dependencies{
		Catalog:      cat,
		SQL:          executor.NewSQLProvider(source, registry),
		Impact:       impact.NewAnalyzer(source, registry, log),
		Audit:        audit,
		Notifier:     notifier.New(breakers, log, sinks...),
		Environments: registry,
		Recorder:     history,
		Backups:      backups,
		Events:       events,
	}
	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(a.metrics),
		service.WithTracer(tel.Tracer()),
		service.WithDependencyGraph(deps),
		service.WithPreExecutionHook(a.hooks()),
	}
	var (
		execution handlers.Executor       = service.NewExecutionService(svcDeps, opts...)
		rollback  handlers.RollbackRunner = service.NewRollbackService(svcDeps, opts...)
	)

	if cfg.Redis.Enabled {
		client, err := cache.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return client.Close() })
		healthHandler.AddCheck("redis", cache.HealthCheck(client))

		g := guard.New(cache.NewLocker(client, lockKeyPrefix), cfg.Migration.LockTTL, log)
		execution = guard.NewExecution(execution, g)
		rollback = guard.NewRollback(rollback, g)
	}

	a.scheduler = scheduler.New(execution, a.applyDefaults(), log, scheduler.WithDependencyCheck(cat, deps))
	if err := a.scheduler.Schedule(cfg.Migration.Environments); err != nil {
		return err
	}

	healthHandler.AddNonCriticalCheck("disk", health.DiskChecker(cfg.Migration.Path, 95))
	healthHandler.AddNonCriticalCheck("memory", health.MemoryChecker(95))

	api := handlers.NewMigrationHandler(handlers.Config{
		Executor:          execution,
		Rollback:          rollback,
		Status:            service.NewStatusService(source, cat),
		History:           history,
		Audit:             auditReader,
		Environments:      registry,
		Applied:           cat,
		Graph:             deps,
		Pending:           a.metrics,
		ApplyDefaults:     a.applyDefaults(),
		RollbackDefaults:  a.rollbackDefaults(),
		CheckDependencies: cfg.Migration.CheckDependencies,
		Logger:            log,
	})

	a.server, err = server.New(
		server.WithConfig(cfg),
		server.WithLogger(log),
		server.WithAPI(api),
		server.WithHealth(healthHandler),
		server.WithMetrics(a.metrics),
		server.WithTelemetry(tel),
		server.WithRealtime(a.hub),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

// buildAudit picks the audit backend. Both results are nil for "none".
func (a *app) buildAudit(ctx context.Context, historyDB *database.DB, h *health.Handler) (service.AuditSink, handlers.AuditReader, error) {
	switch a.cfg.Migration.AuditBackend {
	case "none":
		return nil, nil, nil
	case "mongo":
		client, err := mongostore.Connect(ctx, a.cfg.Migration.MongoURI)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		a.onClose(client.Disconnect)
		h.AddCheck("audit_mongo", health.PingChecker(func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}))

		repo := mongostore.NewAuditRepository(auditCollection(client, a.cfg.Migration.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to create audit indexes: %w", err)
		}
		return repo, repo, nil
	default:
		repo := sqlstore.NewAuditRepository(historyDB)
		return repo, repo, nil
	}
}

func auditCollection(client *mongo.Client, dbName string) *mongo.Collection {
	return client.Database(dbName).Collection(mongostore.Collection)
}

func (a *app) hooks() service.PreExecutionHook {
	var hooks []service.PreExecutionHook
	if a.cfg.Migration.ProductionConfirmation {
		hooks = append(hooks, service.RequireProductionConfirmation())
	}
	if a.cfg.Migration.BlockDestructive {
		hooks = append(hooks, service.BlockDestructiveInProduction())
	}
	if len(hooks) == 0 {
		return nil
	}
	return service.ChainHooks(hooks...)
}

func (a *app) applyDefaults() model.MigrationOptions {
	opts := model.DefaultMigrationOptions()
	opts.Timeout = a.cfg.Migration.ApplyTimeout
	opts.StopOnError = a.cfg.Migration.StopOnError
	opts.CreateBackup = a.cfg.Migration.BackupOnApply && a.cfg.Migration.Backup.Enabled
	return opts
}

func (a *app) rollbackDefaults() model.RollbackOptions {
	opts := model.DefaultRollbackOptions()
	opts.Timeout = a.cfg.Migration.RollbackTimeout
	opts.CreateBackup = a.cfg.Migration.BackupOnRollback && a.cfg.Migration.Backup.Enabled
	return opts
}

// run starts the background workers and serves until ctx is done or the
// server fails
func (a *app) run(ctx context.Context) error {
	go a.hub.Run(ctx)
	go a.metrics.CollectSystem(ctx, systemSampleInterval)
	go a.source.Watch(ctx, sourceReloadInterval, func(err error) {
		a.logger.Warn("Failed to reload migrations, keeping previous set", "error", err)
	})
	a.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// shutdown stops accepting requests, waits for scheduled runs and releases
// every connection
func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("HTTP shutdown error", "error", err)
	}
	a.scheduler.Stop()
	a.close(ctx)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Failed to close component", "error", err)
		}
	}
	a.closers = nil
}
