package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

// RollbackService analyzes and executes rollbacks
type RollbackService struct {
	deps     Dependencies
	notifier Notifier
	settings
}

// NewRollbackService creates a new rollback service
func NewRollbackService(deps Dependencies, opts ...Option) *RollbackService {
	s := &RollbackService{
		deps:     deps,
		notifier: deps.Notifier,
		settings: newSettings(opts),
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s
}

// AnalyzeRollback decides whether a migration can be rolled back and how risky it is.
// A blocked rollback is reported through the analysis, not as an error.
func (s *RollbackService) AnalyzeRollback(ctx context.Context, environmentID, migrationID string) (model.RollbackAnalysis, error) {
	ctx, span := s.tracer.Start(ctx, "migration.analyze_rollback", trace.WithAttributes(
		attribute.String("environment.id", environmentID),
		attribute.String("migration.id", migrationID),
	))
	defer span.End()

	env, err := resolveEnvironment(ctx, s.deps.Environments, environmentID)
	if err != nil {
		span.RecordError(err)
		return model.RollbackAnalysis{}, err
	}

	analysis, err := s.analyze(ctx, env, migrationID, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.RollbackAnalysis{}, err
	}
	span.SetAttributes(
		attribute.Bool("rollback.allowed", analysis.CanRollback),
		attribute.String("rollback.risk", analysis.RiskLevel.String()),
	)
	return analysis, nil
}

// chainScope describes a rollback chain around its current step: done holds the
// ids already rolled back, queued the ids the chain rolls back afterwards
type chainScope struct {
	done   map[string]struct{}
	queued map[string]struct{}
}

func (c *chainScope) doneSet() map[string]struct{} {
	if c == nil {
		return nil
	}
	return c.done
}

func (c *chainScope) isQueued(id string) bool {
	if c == nil {
		return false
	}
	_, ok := c.queued[id]
	return ok
}

// analyze runs the decision table. Within a chain, ids already rolled back are
// treated as no longer applied, which lets each step be analyzed without
// re-reading the catalog.
func (s *RollbackService) analyze(ctx context.Context, env model.Environment, migrationID string, scope *chainScope) (model.RollbackAnalysis, error) {
	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"environment": env.ID,
		"migration":   migrationID,
	})

	analysis := model.RollbackAnalysis{
		MigrationID:   migrationID,
		EnvironmentID: env.ID,
		CanRollback:   true,
		RiskLevel:     model.RiskLow,
		AnalyzedAt:    s.clock(),
	}
	defer func() {
		s.metrics.RecordRollbackAnalysis(env.ID, analysis.RiskLevel.String(), analysis.CanRollback)
	}()

	applied, err := s.appliedExcept(ctx, env.ID, scope.doneSet())
	if err != nil {
		return analysis, err
	}

	target, ok := model.AppliedIDs(applied)[migrationID]
	if !ok {
		analysis.Block(model.BlockingNotApplied, model.RiskLow,
			fmt.Sprintf("migration %s is not applied to environment %s", migrationID, env.ID))
		log.Debug("Rollback blocked", "reason", analysis.BlockingReason)
		return analysis, nil
	}

	if dependents := s.dependents(target, applied, scope); len(dependents) > 0 {
		analysis.DependentMigrations = dependents
		analysis.Block(model.BlockingDependentsExist, model.RiskHigh,
			fmt.Sprintf("migrations applied after %s must be rolled back first: %s", migrationID, strings.Join(dependents, ", ")))
		log.Debug("Rollback blocked", "reason", analysis.BlockingReason)
		return analysis, nil
	}

	downSQL, err := s.deps.SQL.GenerateDown(ctx, migrationID, env.Driver)
	if err != nil {
		analysis.Block(model.BlockingSQLGenerationFailed, model.RiskCritical,
			fmt.Sprintf("failed to generate down SQL: %v", err))
		log.Warn("Rollback blocked", "reason", analysis.BlockingReason)
		return analysis, nil
	}
	analysis.DownSQL = downSQL

	if env.IsProduction {
		analysis.Warnings = append(analysis.Warnings,
			fmt.Sprintf("environment %s is a production environment", env.ID))
	}

	if s.deps.Impact == nil {
		analysis.Warnings = append(analysis.Warnings, "impact analysis is not available")
		return analysis, nil
	}

	impacts, err := s.deps.Impact.AnalyzeRollbackImpact(ctx, env, migrationID)
	if err != nil {
		return analysis, fmt.Errorf("failed to analyze rollback impact: %w", err)
	}

	summary := SummarizeImpacts(impacts)
	analysis.AffectedTables = impacts
	analysis.WillDropTables = summary.WillDropTables
	analysis.WillDropColumns = summary.WillDropColumns
	analysis.WillDeleteData = summary.WillDeleteData
	analysis.TotalRowsAffected = summary.TotalRowsAffected
	analysis.RiskLevel = ClassifyRisk(summary)
	analysis.Warnings = append(analysis.Warnings, impactWarnings(impacts)...)

	estimate, err := s.deps.Impact.EstimateDuration(ctx, env, migrationID)
	if err != nil {
		analysis.Warnings = append(analysis.Warnings, fmt.Sprintf("duration estimate unavailable: %v", err))
	} else {
		analysis.EstimatedDuration = estimate
	}

	log.Debug("Rollback analyzed", "risk", analysis.RiskLevel, "tables", len(impacts))
	return analysis, nil
}

// dependents lists applied migrations that block rolling back target: everything
// applied after it plus, when a graph is attached, applied migrations declaring
// a dependency on it. Graph dependents the chain rolls back later are left out.
func (s *RollbackService) dependents(target model.AppliedMigration, applied []model.AppliedMigration, scope *chainScope) []string {
	appliedByID := model.AppliedIDs(applied)
	found := make(map[string]struct{})

	for _, a := range applied {
		if a.After(target) {
			found[a.ID] = struct{}{}
		}
	}
	if s.graph != nil {
		for _, id := range s.graph.GetDependencyInfo(target.ID).Blocks {
			if _, ok := appliedByID[id]; ok && !scope.isQueued(id) {
				found[id] = struct{}{}
			}
		}
	}
	if len(found) == 0 {
		return nil
	}

	result := make([]string, 0, len(found))
	for id := range found {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool {
		return appliedByID[result[j]].After(appliedByID[result[i]])
	})
	return result
}

func (s *RollbackService) appliedExcept(ctx context.Context, environmentID string, skip map[string]struct{}) ([]model.AppliedMigration, error) {
	applied, err := s.deps.Catalog.GetApplied(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	if len(skip) == 0 {
		return applied, nil
	}
	kept := make([]model.AppliedMigration, 0, len(applied))
	for _, a := range applied {
		if _, ok := skip[a.ID]; !ok {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

// RollbackMigration rolls back a single migration after a fresh analysis
func (s *RollbackService) RollbackMigration(ctx context.Context, environmentID, migrationID string, opts model.RollbackOptions) (model.ExecutionResult, error) {
	return s.rollback(ctx, environmentID, migrationID, opts, nil)
}

func (s *RollbackService) rollback(ctx context.Context, environmentID, migrationID string, opts model.RollbackOptions, scope *chainScope) (model.ExecutionResult, error) {
	ctx, span := s.tracer.Start(ctx, "migration.rollback", trace.WithAttributes(
		attribute.String("environment.id", environmentID),
		attribute.String("migration.id", migrationID),
		attribute.Bool("rollback.force", opts.Force),
	))
	defer span.End()

	run := &rollbackRun{
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

	env, err := resolveEnvironment(ctx, s.deps.Environments, environmentID)
	if err != nil {
		return s.fail(ctx, run, err)
	}
	run.env = env

	analysis, err := s.analyze(ctx, env, migrationID, scope)
	if err != nil {
		return s.fail(ctx, run, err)
	}
	run.analysis = analysis

	if !analysis.CanRollback {
		return s.fail(ctx, run, model.NewRollbackBlockedError(migrationID, analysis.BlockingKind, analysis.BlockingReason))
	}
	if analysis.RiskLevel >= model.RiskHigh && !opts.Force {
		return s.fail(ctx, run, model.NewRollbackRiskTooHighError(migrationID, analysis.RiskLevel))
	}
	if analysis.RiskLevel >= model.RiskHigh {
		run.log.Warn("Forcing high risk rollback", "risk", analysis.RiskLevel, "reason", opts.Reason)
	}

	if err := checkCancelled(ctx, migrationID); err != nil {
		return s.fail(ctx, run, err)
	}

	s.notifier.NotifyStarted(ctx, environmentID, migrationID)

	if opts.CreateBackup {
		location, err := s.backup(ctx, run)
		if err != nil {
			return s.fail(ctx, run, err)
		}
		run.backup = location
	}

	if err := checkCancelled(ctx, migrationID); err != nil {
		return s.fail(ctx, run, err)
	}

	rows, err := s.deps.SQL.Execute(ctx, env, analysis.DownSQL, opts.EffectiveTimeout())
	if err != nil {
		return s.fail(ctx, run, err)
	}

	in := run.resultInput(s.clock())
	in.RowsAffected = rows
	result := model.NewSucceededResult(in)

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.RecordRolledBack(ctx, result); err != nil {
			run.log.Error("Rollback executed but recording it failed", "error", err)
			return s.fail(ctx, run, fmt.Errorf("failed to record rollback: %w", err))
		}
	}

	publish(ctx, run.log, s.deps.Events, environmentID, migrationID, events.MigrationRolledBack{
		EnvironmentID: environmentID,
		MigrationID:   migrationID,
		RiskLevel:     analysis.RiskLevel.String(),
		Forced:        opts.Force,
		Reason:        opts.Reason,
		RowsAffected:  rows,
		Duration:      result.Duration(),
		RolledBackAt:  result.CompletedAt,
	})

	s.notifier.NotifyCompleted(ctx, environmentID, migrationID, result)
	audit(ctx, run.log, s.deps.Audit, s.auditEntry(run, result))

	s.metrics.RecordRollback(environmentID, statusOf(nil), analysis.RiskLevel.String(), result.Duration())
	span.SetStatus(codes.Ok, "")
	run.log.Info("Migration rolled back", "rows_affected", rows, "risk", analysis.RiskLevel)
	return result, nil
}

type rollbackRun struct {
	env      model.Environment
	envID    string
	id       string
	opts     model.RollbackOptions
	analysis model.RollbackAnalysis
	started  time.Time
	backup   string
	log      logger.Logger
	span     trace.Span
}

func (r *rollbackRun) resultInput(now time.Time) model.ResultInput {
	return model.ResultInput{
		MigrationID:    r.id,
		EnvironmentID:  r.envID,
		Direction:      model.DirectionDown,
		StartedAt:      r.started,
		CompletedAt:    now,
		ExecutedSQL:    r.analysis.DownSQL,
		BackupLocation: r.backup,
	}
}

func (s *RollbackService) backup(ctx context.Context, run *rollbackRun) (string, error) {
	if s.deps.Backups == nil {
		run.log.Warn("Backup requested but no backup provider is configured")
		return "", nil
	}

	var tables []string
	for _, impact := range run.analysis.AffectedTables {
		if impact.Action != model.TableActionCreate {
			tables = append(tables, impact.Table)
		}
	}

	location, err := s.deps.Backups.Backup(ctx, run.env, run.id, tables)
	if err != nil {
		return "", fmt.Errorf("failed to back up before rollback: %w", err)
	}
	run.log.Info("Backup created", "location", location, "tables", len(tables))
	return location, nil
}

func (s *RollbackService) fail(ctx context.Context, run *rollbackRun, cause error) (model.ExecutionResult, error) {
	err := classify(ctx, run.id, cause)
	result := model.NewFailedResult(run.resultInput(s.clock()), err)

	s.notifier.NotifyFailed(ctx, run.envID, run.id, err)
	audit(ctx, run.log, s.deps.Audit, s.auditEntry(run, result))

	s.metrics.RecordRollback(run.envID, statusOf(err), run.analysis.RiskLevel.String(), result.Duration())
	run.span.RecordError(err)
	run.span.SetStatus(codes.Error, err.Error())
	run.log.Error("Rollback failed", "error", err, "kind", model.KindOf(err))
	return result, err
}

func (s *RollbackService) auditEntry(run *rollbackRun, result model.ExecutionResult) model.AuditEntry {
	return model.AuditEntry{
		Action:        model.AuditActionRollback,
		MigrationID:   run.id,
		EnvironmentID: run.envID,
		Success:       result.Success,
		RiskLevel:     run.analysis.RiskLevel.String(),
		Reason:        run.opts.Reason,
		ErrorMessage:  result.ErrorMessage,
		DurationMs:    result.Duration().Milliseconds(),
		RowsAffected:  result.RowsAffected,
		Timestamp:     result.CompletedAt,
	}
}

// RollbackToMigration rolls back every migration applied after target, newest
// first, stopping at the first failure. Target itself stays applied.
func (s *RollbackService) RollbackToMigration(ctx context.Context, environmentID, targetID string, opts model.RollbackOptions) ([]model.ExecutionResult, error) {
	applied, err := s.deps.Catalog.GetApplied(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	target, ok := model.AppliedIDs(applied)[targetID]
	if !ok {
		return nil, model.NewMigrationNotAppliedError(targetID, environmentID)
	}

	var chain []model.AppliedMigration
	for _, a := range applied {
		if a.After(target) {
			chain = append(chain, a)
		}
	}
	return s.rollbackChain(ctx, environmentID, chain, opts)
}

// RollbackAll rolls back every applied migration, newest first, stopping at the first failure
func (s *RollbackService) RollbackAll(ctx context.Context, environmentID string, opts model.RollbackOptions) ([]model.ExecutionResult, error) {
	applied, err := s.deps.Catalog.GetApplied(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return s.rollbackChain(ctx, environmentID, applied, opts)
}

func (s *RollbackService) rollbackChain(ctx context.Context, environmentID string, chain []model.AppliedMigration, opts model.RollbackOptions) ([]model.ExecutionResult, error) {
	chain = append([]model.AppliedMigration(nil), chain...)
	sortNewestFirst(chain)

	scope := &chainScope{
		done:   make(map[string]struct{}, len(chain)),
		queued: make(map[string]struct{}, len(chain)),
	}
	for _, a := range chain {
		scope.queued[a.ID] = struct{}{}
	}

	results := make([]model.ExecutionResult, 0, len(chain))
	for _, a := range chain {
		delete(scope.queued, a.ID)
		result, err := s.rollback(ctx, environmentID, a.ID, opts, scope)
		results = append(results, result)
		if err != nil {
			s.logger.Warn("Stopping rollback chain after failure",
				"environment", environmentID, "migration", a.ID,
				"rolled_back", len(scope.done), "remaining", len(scope.queued))
			return results, err
		}
		scope.done[a.ID] = struct{}{}
	}
	return results, nil
}

// sortNewestFirst orders by order key descending, then applied time, then id
func sortNewestFirst(applied []model.AppliedMigration) {
	sort.SliceStable(applied, func(i, j int) bool {
		return applied[i].After(applied[j])
	})
}
