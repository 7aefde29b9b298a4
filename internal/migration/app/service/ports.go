// Package service orchestrates applying and rolling back migrations
package service

import (
	"context"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

// Catalog is the system of record for migrations and per-environment state
type Catalog interface {
	GetMigration(ctx context.Context, id string) (*model.Descriptor, error)
	GetApplied(ctx context.Context, environmentID string) ([]model.AppliedMigration, error)
	GetPending(ctx context.Context, environmentID string) ([]model.Descriptor, error)
}

// SQLProvider generates migration SQL and runs it against a target environment.
// Execute must honor ctx; timeout bounds the statement.
type SQLProvider interface {
	GenerateUp(ctx context.Context, id string, driver model.Driver) (string, error)
	GenerateDown(ctx context.Context, id string, driver model.Driver) (string, error)
	Execute(ctx context.Context, env model.Environment, sql string, timeout time.Duration) (int64, error)
}

// ImpactAnalyzer measures the table-level impact of a migration
type ImpactAnalyzer interface {
	AnalyzeApplyImpact(ctx context.Context, env model.Environment, id string) ([]model.TableImpact, error)
	AnalyzeRollbackImpact(ctx context.Context, env model.Environment, id string) ([]model.TableImpact, error)
	EstimateDuration(ctx context.Context, env model.Environment, id string) (time.Duration, error)
}

// AuditSink receives audit entries. Its errors never change an operation's outcome.
type AuditSink interface {
	Log(ctx context.Context, entry model.AuditEntry) error
}

// Notifier pushes progress to interested parties, at most once and without acknowledgment
type Notifier interface {
	NotifyStarted(ctx context.Context, environmentID, migrationID string)
	NotifyProgress(ctx context.Context, environmentID, migrationID string, percent int, phase model.Phase, message string)
	NotifyCompleted(ctx context.Context, environmentID, migrationID string, result model.ExecutionResult)
	NotifyFailed(ctx context.Context, environmentID, migrationID string, err error)
}

// EnvironmentResolver maps an environment id to its description
type EnvironmentResolver interface {
	Environment(ctx context.Context, environmentID string) (model.Environment, error)
}

// StateRecorder persists the applied set after a successful apply or rollback
type StateRecorder interface {
	RecordApplied(ctx context.Context, descriptor model.Descriptor, result model.ExecutionResult) error
	RecordRolledBack(ctx context.Context, result model.ExecutionResult) error
}

// BackupProvider snapshots tables before a destructive operation and returns
// where the snapshot was stored
type BackupProvider interface {
	Backup(ctx context.Context, env model.Environment, migrationID string, tables []string) (string, error)
}

// EventPublisher publishes domain events
type EventPublisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// MetricsRecorder receives operation outcomes
type MetricsRecorder interface {
	RecordApply(environmentID, status string, dryRun bool, duration time.Duration)
	RecordRollback(environmentID, status, risk string, duration time.Duration)
	RecordRollbackAnalysis(environmentID, risk string, canRollback bool)
}

// HookRequest is what a pre-execution hook gets to inspect
type HookRequest struct {
	Environment model.Environment
	Descriptor  model.Descriptor
	SQL         string
	Options     model.MigrationOptions
}

// Decision is the verdict of a pre-execution hook
type Decision struct {
	Proceed bool
	Reason  string
}

// Proceed lets the migration run
func Proceed() Decision {
	return Decision{Proceed: true}
}

// Veto cancels the migration with a reason
func Veto(reason string) Decision {
	return Decision{Proceed: false, Reason: reason}
}

// PreExecutionHook may veto an apply after its SQL is known and before it runs
type PreExecutionHook func(ctx context.Context, req HookRequest) Decision

// Dependencies are the collaborators used by the orchestrators. Catalog and SQL
// are required; the rest may be nil.
type Dependencies struct {
	Catalog      Catalog
	SQL          SQLProvider
	Impact       ImpactAnalyzer
	Audit        AuditSink
	Notifier     Notifier
	Environments EnvironmentResolver
	Recorder     StateRecorder
	Backups      BackupProvider
	Events       EventPublisher
}
