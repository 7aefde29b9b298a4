package guard

import (
	"context"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// Executor is the apply side of the orchestrators
type Executor interface {
	ApplyMigration(ctx context.Context, environmentID, migrationID string, opts model.MigrationOptions) (model.ExecutionResult, error)
	ApplyMigrations(ctx context.Context, environmentID string, migrationIDs []string, opts model.MigrationOptions) []model.ExecutionResult
	ApplyPending(ctx context.Context, environmentID string, opts model.MigrationOptions) ([]model.ExecutionResult, error)
}

// RollbackRunner is the rollback side of the orchestrators
type RollbackRunner interface {
	AnalyzeRollback(ctx context.Context, environmentID, migrationID string) (model.RollbackAnalysis, error)
	RollbackMigration(ctx context.Context, environmentID, migrationID string, opts model.RollbackOptions) (model.ExecutionResult, error)
	RollbackToMigration(ctx context.Context, environmentID, targetID string, opts model.RollbackOptions) ([]model.ExecutionResult, error)
	RollbackAll(ctx context.Context, environmentID string, opts model.RollbackOptions) ([]model.ExecutionResult, error)
}

// Execution locks the environment around every apply
type Execution struct {
	inner Executor
	guard *Guard
}

// NewExecution wraps an executor
func NewExecution(inner Executor, guard *Guard) *Execution {
	return &Execution{inner: inner, guard: guard}
}

// ApplyMigration applies one migration under the environment lock
func (e *Execution) ApplyMigration(ctx context.Context, environmentID, migrationID string, opts model.MigrationOptions) (model.ExecutionResult, error) {
	var (
		result model.ExecutionResult
		runErr error
	)
	err := e.guard.Do(ctx, environmentID, func(ctx context.Context) error {
		result, runErr = e.inner.ApplyMigration(ctx, environmentID, migrationID, opts)
		return nil
	})
	if err != nil {
		return lockFailure(environmentID, migrationID, model.DirectionUp, err), err
	}
	return result, runErr
}

// ApplyMigrations applies a batch under a single lock. When the lock is
// unavailable the first migration is reported as failed.
func (e *Execution) ApplyMigrations(ctx context.Context, environmentID string, migrationIDs []string, opts model.MigrationOptions) []model.ExecutionResult {
	var results []model.ExecutionResult
	err := e.guard.Do(ctx, environmentID, func(ctx context.Context) error {
		results = e.inner.ApplyMigrations(ctx, environmentID, migrationIDs, opts)
		return nil
	})
	if err != nil && len(migrationIDs) > 0 {
		return []model.ExecutionResult{lockFailure(environmentID, migrationIDs[0], model.DirectionUp, err)}
	}
	return results
}

// ApplyPending applies every pending migration under a single lock
func (e *Execution) ApplyPending(ctx context.Context, environmentID string, opts model.MigrationOptions) ([]model.ExecutionResult, error) {
	var results []model.ExecutionResult
	err := e.guard.Do(ctx, environmentID, func(ctx context.Context) error {
		var err error
		results, err = e.inner.ApplyPending(ctx, environmentID, opts)
		return err
	})
	return results, err
}

// Rollback locks the environment around every rollback. Analysis is read-only
// and runs without the lock.
type Rollback struct {
	inner RollbackRunner
	guard *Guard
}

// NewRollback wraps a rollback runner
func NewRollback(inner RollbackRunner, guard *Guard) *Rollback {
	return &Rollback{inner: inner, guard: guard}
}

// AnalyzeRollback delegates without locking
func (r *Rollback) AnalyzeRollback(ctx context.Context, environmentID, migrationID string) (model.RollbackAnalysis, error) {
	return r.inner.AnalyzeRollback(ctx, environmentID, migrationID)
}

// RollbackMigration rolls back one migration under the environment lock
func (r *Rollback) RollbackMigration(ctx context.Context, environmentID, migrationID string, opts model.RollbackOptions) (model.ExecutionResult, error) {
	var (
		result model.ExecutionResult
		runErr error
	)
	err := r.guard.Do(ctx, environmentID, func(ctx context.Context) error {
		result, runErr = r.inner.RollbackMigration(ctx, environmentID, migrationID, opts)
		return nil
	})
	if err != nil {
		return lockFailure(environmentID, migrationID, model.DirectionDown, err), err
	}
	return result, runErr
}

// RollbackToMigration rolls back a chain under a single lock
func (r *Rollback) RollbackToMigration(ctx context.Context, environmentID, targetID string, opts model.RollbackOptions) ([]model.ExecutionResult, error) {
	var results []model.ExecutionResult
	err := r.guard.Do(ctx, environmentID, func(ctx context.Context) error {
		var err error
		results, err = r.inner.RollbackToMigration(ctx, environmentID, targetID, opts)
		return err
	})
	return results, err
}

// RollbackAll rolls back the whole applied set under a single lock
func (r *Rollback) RollbackAll(ctx context.Context, environmentID string, opts model.RollbackOptions) ([]model.ExecutionResult, error) {
	var results []model.ExecutionResult
	err := r.guard.Do(ctx, environmentID, func(ctx context.Context) error {
		var err error
		results, err = r.inner.RollbackAll(ctx, environmentID, opts)
		return err
	})
	return results, err
}
