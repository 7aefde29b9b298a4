// Package scheduler applies pending migrations on a cron schedule for
// environments that opt in with auto_apply
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/platform/validation"
)

// ErrProductionAutoApply is returned when a production environment is scheduled
var ErrProductionAutoApply = errors.New("auto apply is not allowed for production environments")

// PendingApplier applies every pending migration of an environment
type PendingApplier interface {
	ApplyPending(ctx context.Context, environmentID string, opts model.MigrationOptions) ([]model.ExecutionResult, error)
}

// Catalog lists what is pending and applied in an environment
type Catalog interface {
	GetPending(ctx context.Context, environmentID string) ([]model.Descriptor, error)
	GetApplied(ctx context.Context, environmentID string) ([]model.AppliedMigration, error)
}

// Dependencies reports the declared dependencies of a migration that are not applied
type Dependencies interface {
	MissingDependencies(id string, applied []string) []string
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithDependencyCheck makes every run warn about pending migrations whose
// declared dependencies neither are applied nor run earlier in the same batch
func WithDependencyCheck(catalog Catalog, deps Dependencies) Option {
	return func(s *Scheduler) {
		s.catalog = catalog
		s.deps = deps
	}
}

// Scheduler runs ApplyPending per environment on its auto_apply schedule.
// Runs of the same environment never overlap.
type Scheduler struct {
	cron    *cron.Cron
	applier PendingApplier
	opts    model.MigrationOptions
	logger  logger.Logger
	catalog Catalog
	deps    Dependencies

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped scheduler. Every run uses opts.
func New(applier PendingApplier, opts model.MigrationOptions, log logger.Logger, options ...Option) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	location, _ := time.LoadLocation("UTC")
	cl := cronLogger{log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithParser(validation.CronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		applier: applier,
		opts:    opts,
		logger:  log,
		jobs:    make(map[string]cron.EntryID),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Schedule registers every environment with an auto_apply schedule
func (s *Scheduler) Schedule(envs []config.EnvironmentConfig) error {
	for _, env := range envs {
		if env.AutoApply == "" {
			continue
		}
		if err := s.Add(env.ID, env.AutoApply, env.Production); err != nil {
			return err
		}
	}
	return nil
}

// Add schedules one environment, replacing any earlier schedule for it
func (s *Scheduler) Add(environmentID, spec string, production bool) error {
	if production {
		return fmt.Errorf("%w: %s", ErrProductionAutoApply, environmentID)
	}

	var running sync.Mutex
	job := cron.FuncJob(func() {
		if !running.TryLock() {
			s.logger.Warn("Skipping auto apply, previous run still in progress", "environment", environmentID)
			return
		}
		defer running.Unlock()
		s.RunOnce(s.runContext(), environmentID)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("invalid auto apply schedule for %s: %w", environmentID, err)
	}
	if old, ok := s.jobs[environmentID]; ok {
		s.cron.Remove(old)
	}
	s.jobs[environmentID] = id
	s.logger.Info("Auto apply scheduled", "environment", environmentID, "schedule", spec)
	return nil
}

// Remove unschedules an environment
func (s *Scheduler) Remove(environmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[environmentID]; ok {
		s.cron.Remove(id)
		delete(s.jobs, environmentID)
	}
}

// Scheduled lists the scheduled environments with their next run
func (s *Scheduler) Scheduled() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for env, id := range s.jobs {
		out[env] = s.cron.Entry(id).Next
	}
	return out
}

// RunOnce applies the pending migrations of an environment and logs the outcome
func (s *Scheduler) RunOnce(ctx context.Context, environmentID string) []model.ExecutionResult {
	log := s.logger.WithFields(map[string]interface{}{"environment": environmentID})
	start := time.Now()
	s.checkDependencies(ctx, environmentID, log)

	results, err := s.applier.ApplyPending(ctx, environmentID, s.opts)
	if err != nil {
		log.Error("Auto apply failed", "error", err)
		return results
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if len(results) == 0 {
		log.Debug("Auto apply found nothing pending")
		return results
	}
	if failed > 0 {
		log.Warn("Auto apply finished with failures",
			"applied", len(results)-failed, "failed", failed, "duration_ms", time.Since(start).Milliseconds())
		return results
	}
	log.Info("Auto apply finished", "applied", len(results), "duration_ms", time.Since(start).Milliseconds())
	return results
}

// checkDependencies warns about each pending migration whose dependencies are
// neither applied nor pending ahead of it. The run goes ahead regardless.
func (s *Scheduler) checkDependencies(ctx context.Context, environmentID string, log logger.Logger) {
	if s.catalog == nil || s.deps == nil {
		return
	}
	pending, err := s.catalog.GetPending(ctx, environmentID)
	if err != nil {
		log.Warn("Dependency check skipped", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	applied, err := s.catalog.GetApplied(ctx, environmentID)
	if err != nil {
		log.Warn("Dependency check skipped", "error", err)
		return
	}

	satisfied := make([]string, 0, len(applied)+len(pending))
	for _, a := range applied {
		satisfied = append(satisfied, a.ID)
	}
	for _, d := range pending {
		if missing := s.deps.MissingDependencies(d.ID, satisfied); len(missing) > 0 {
			log.Warn("Pending migration has unmet dependencies", "migration", d.ID, "missing", missing)
		}
		satisfied = append(satisfied, d.ID)
	}
}

// Start begins running scheduled jobs. ctx bounds every run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started", "environments", len(s.jobs))
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	logger logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
