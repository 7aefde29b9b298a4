package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

// ExecutionService applies migrations to one environment at a time.
//
// It does not consult the dependency graph: batches run in the order the
// caller gives, so ordering must be resolved upstream. It also does not
// serialize concurrent calls for the same environment; the already-applied
// check and the execution are not atomic.
type ExecutionService struct {
	deps     Dependencies
	notifier Notifier
	settings
}

// NewExecutionService creates a new execution service
func NewExecutionService(deps Dependencies, opts ...Option) *ExecutionService {
	s := &ExecutionService{
		deps:     deps,
		notifier: deps.Notifier,
		settings: newSettings(opts),
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s
}

// applyRun carries the state of one apply through its phases
type applyRun struct {
	env        model.Environment
	envID      string
	id         string
	opts       model.MigrationOptions
	descriptor model.Descriptor
	sql        string
	started    time.Time
	backup     string
	log        logger.Logger
	span       trace.Span
}

// ApplyMigration applies a single migration. On failure it returns a failed
// result together with the error.
func (s *ExecutionService) ApplyMigration(ctx context.Context, environmentID, migrationID string, opts model.MigrationOptions) (model.ExecutionResult, error) {
	ctx, span := s.tracer.Start(ctx, "migration.apply", trace.WithAttributes(
		attribute.String("environment.id", environmentID),
		attribute.String("migration.id", migrationID),
		attribute.Bool("migration.dry_run", opts.DryRun),
	))
	defer span.End()

	run := &applyRun{
		envID:   environmentID,
		id:      migrationID,
		opts:    opts,
		started: s.clock(),
		log: s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"environment": environmentID,
			"migration":   migrationID,
		}),
		span: span,
	}

	if err := s.prepare(ctx, run); err != nil {
		return s.fail(ctx, run, err)
	}

	if err := s.validate(ctx, run); err != nil {
		// a vetoed migration leaves no trace besides the returned error
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordApply(environmentID, statusOf(err), opts.DryRun, s.clock().Sub(run.started))
		run.log.Info("Migration vetoed", "reason", err.Error())
		return model.NewFailedResult(run.resultInput(s.clock()), err), err
	}

	s.notifier.NotifyStarted(ctx, environmentID, migrationID)

	if opts.DryRun {
		return s.completeDryRun(ctx, run), nil
	}

	rows, err := s.execute(ctx, run)
	if err != nil {
		return s.fail(ctx, run, err)
	}

	return s.complete(ctx, run, rows)
}

// prepare loads the descriptor, rejects already applied migrations and generates the SQL
func (s *ExecutionService) prepare(ctx context.Context, run *applyRun) error {
	s.phase(ctx, run, model.PhasePreparing, 0, false)

	env, err := resolveEnvironment(ctx, s.deps.Environments, run.envID)
	if err != nil {
		return err
	}
	run.env = env

	descriptor, err := s.deps.Catalog.GetMigration(ctx, run.id)
	if err != nil {
		return err
	}
	if descriptor == nil {
		return model.NewNotFoundError(run.id)
	}
	run.descriptor = *descriptor

	applied, err := s.deps.Catalog.GetApplied(ctx, run.envID)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	if _, ok := model.AppliedIDs(applied)[run.id]; ok {
		return model.NewAlreadyAppliedError(run.id, run.envID)
	}

	if err := checkCancelled(ctx, run.id); err != nil {
		return err
	}

	sql, err := s.deps.SQL.GenerateUp(ctx, run.id, env.Driver)
	if err != nil {
		return fmt.Errorf("failed to generate up migration: %w", err)
	}
	run.sql = sql
	return nil
}

// validate consults the pre-execution hook
func (s *ExecutionService) validate(ctx context.Context, run *applyRun) error {
	s.phase(ctx, run, model.PhaseValidating, 10, false)

	if err := checkCancelled(ctx, run.id); err != nil {
		return err
	}
	if s.hook == nil {
		return nil
	}

	decision := s.hook(ctx, HookRequest{
		Environment: run.env,
		Descriptor:  run.descriptor,
		SQL:         run.sql,
		Options:     run.opts,
	})
	if !decision.Proceed {
		reason := decision.Reason
		if reason == "" {
			reason = "vetoed by pre-execution hook"
		}
		return model.NewCancelledError(run.id, reason, nil)
	}
	return nil
}

// execute takes the optional backup and runs the up SQL
func (s *ExecutionService) execute(ctx context.Context, run *applyRun) (int64, error) {
	s.phase(ctx, run, model.PhaseExecuting, 30, true)

	if run.opts.CreateBackup {
		location, err := s.backup(ctx, run)
		if err != nil {
			return 0, err
		}
		run.backup = location
	}

	if err := checkCancelled(ctx, run.id); err != nil {
		return 0, err
	}

	rows, err := s.deps.SQL.Execute(ctx, run.env, run.sql, run.opts.EffectiveTimeout())
	if err != nil {
		return 0, classify(ctx, run.id, err)
	}
	return rows, nil
}

func (s *ExecutionService) backup(ctx context.Context, run *applyRun) (string, error) {
	if s.deps.Backups == nil {
		run.log.Warn("Backup requested but no backup provider is configured")
		return "", nil
	}

	var tables []string
	if s.deps.Impact != nil {
		impacts, err := s.deps.Impact.AnalyzeApplyImpact(ctx, run.env, run.id)
		if err != nil {
			return "", fmt.Errorf("failed to analyze apply impact for backup: %w", err)
		}
		for _, impact := range impacts {
			if impact.Action != model.TableActionCreate {
				tables = append(tables, impact.Table)
			}
		}
	}

	location, err := s.deps.Backups.Backup(ctx, run.env, run.id, tables)
	if err != nil {
		return "", fmt.Errorf("failed to back up before migration: %w", err)
	}
	run.log.Info("Backup created", "location", location, "tables", len(tables))
	return location, nil
}

func (s *ExecutionService) completeDryRun(ctx context.Context, run *applyRun) model.ExecutionResult {
	in := run.resultInput(s.clock())
	in.WasDryRun = true
	result := model.NewSucceededResult(in)

	s.notifier.NotifyProgress(ctx, run.envID, run.id, 100, model.PhaseCompleted, "dry run")
	s.notifier.NotifyCompleted(ctx, run.envID, run.id, result)
	audit(ctx, run.log, s.deps.Audit, s.auditEntry(run, result))

	s.metrics.RecordApply(run.envID, statusOf(nil), true, result.Duration())
	run.span.SetStatus(codes.Ok, "dry run")
	run.log.Info("Migration dry run completed")
	return result
}

func (s *ExecutionService) complete(ctx context.Context, run *applyRun, rows int64) (model.ExecutionResult, error) {
	s.phase(ctx, run, model.PhaseVerifying, 90, true)

	in := run.resultInput(s.clock())
	in.RowsAffected = rows
	result := model.NewSucceededResult(in)

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordApplied(ctx, run.descriptor, result); err != nil {
			run.log.Error("Migration executed but recording it failed", "error", err)
			return s.fail(ctx, run, fmt.Errorf("failed to record applied migration: %w", err))
		}
	}

	publish(ctx, run.log, s.deps.Events, run.envID, run.id, events.MigrationExecuted{
		EnvironmentID: run.envID,
		MigrationID:   run.id,
		RowsAffected:  rows,
		Duration:      result.Duration(),
		ExecutedAt:    result.CompletedAt,
	})

	s.phase(ctx, run, model.PhaseCompleted, 100, true)
	s.notifier.NotifyCompleted(ctx, run.envID, run.id, result)
	audit(ctx, run.log, s.deps.Audit, s.auditEntry(run, result))

	s.metrics.RecordApply(run.envID, statusOf(nil), false, result.Duration())
	run.span.SetAttributes(attribute.Int64("migration.rows_affected", rows))
	run.span.SetStatus(codes.Ok, "")
	run.log.Info("Migration applied", "rows_affected", rows, "duration_ms", result.Duration().Milliseconds())
	return result, nil
}

// fail runs the failure path and returns the failed result with the classified error
func (s *ExecutionService) fail(ctx context.Context, run *applyRun, cause error) (model.ExecutionResult, error) {
	err := classify(ctx, run.id, cause)

	result := model.NewFailedResult(run.resultInput(s.clock()), err)

	s.notifier.NotifyProgress(ctx, run.envID, run.id, 0, model.PhaseFailed, err.Error())
	s.notifier.NotifyFailed(ctx, run.envID, run.id, err)
	audit(ctx, run.log, s.deps.Audit, s.auditEntry(run, result))

	s.metrics.RecordApply(run.envID, statusOf(err), run.opts.DryRun, result.Duration())
	run.span.RecordError(err)
	run.span.SetStatus(codes.Error, err.Error())
	run.log.Error("Migration failed", "error", err, "kind", model.KindOf(err))
	return result, err
}

// phase records a phase transition. Only phases after validation reach the notifier.
func (s *ExecutionService) phase(ctx context.Context, run *applyRun, phase model.Phase, percent int, notify bool) {
	run.log.Debug("Migration phase", "phase", phase, "percent", percent)
	run.span.AddEvent(string(phase))
	if notify {
		s.notifier.NotifyProgress(ctx, run.envID, run.id, percent, phase, "")
	}
}

func (s *ExecutionService) auditEntry(run *applyRun, result model.ExecutionResult) model.AuditEntry {
	return model.AuditEntry{
		Action:        model.AuditActionApply,
		MigrationID:   run.id,
		EnvironmentID: run.envID,
		Success:       result.Success,
		WasDryRun:     result.WasDryRun,
		Notes:         run.opts.Notes,
		ErrorMessage:  result.ErrorMessage,
		DurationMs:    result.Duration().Milliseconds(),
		RowsAffected:  result.RowsAffected,
		Timestamp:     result.CompletedAt,
	}
}

func (r *applyRun) resultInput(now time.Time) model.ResultInput {
	return model.ResultInput{
		MigrationID:    r.id,
		EnvironmentID:  r.envID,
		Direction:      model.DirectionUp,
		StartedAt:      r.started,
		CompletedAt:    now,
		ExecutedSQL:    r.sql,
		BackupLocation: r.backup,
	}
}

// ApplyMigrations applies ids one after another in the given order. Failures
// are captured as failed results; with StopOnError the batch ends right after
// the first failure.
func (s *ExecutionService) ApplyMigrations(ctx context.Context, environmentID string, migrationIDs []string, opts model.MigrationOptions) []model.ExecutionResult {
	results := make([]model.ExecutionResult, 0, len(migrationIDs))
	for i, id := range migrationIDs {
		result, err := s.ApplyMigration(ctx, environmentID, id, opts)
		results = append(results, result)
		if err != nil && opts.StopOnError {
			s.logger.Warn("Stopping batch after failure",
				"environment", environmentID, "migration", id,
				"attempted", i+1, "remaining", len(migrationIDs)-i-1)
			break
		}
	}
	return results
}

// ApplyPending applies every pending migration of the environment in catalog order
func (s *ExecutionService) ApplyPending(ctx context.Context, environmentID string, opts model.MigrationOptions) ([]model.ExecutionResult, error) {
	pending, err := s.deps.Catalog.GetPending(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending migrations: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, d := range pending {
		ids = append(ids, d.ID)
	}
	if len(ids) == 0 {
		s.logger.Info("No pending migrations", "environment", environmentID)
		return []model.ExecutionResult{}, nil
	}
	return s.ApplyMigrations(ctx, environmentID, ids, opts), nil
}
