package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/database"
)

// HistoryRepository keeps the applied set of each environment and the
// history of successful applies and rollbacks
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// GetApplied returns the applied set of an environment ordered by application time
func (r *HistoryRepository) GetApplied(ctx context.Context, environmentID string) ([]model.AppliedMigration, error) {
	rows, err := r.db.Builder().
		Select("migration_id", "order_key", "applied_at", "checksum").
		From(appliedTable).
		Where(sq.Eq{"environment_id": environmentID}).
		OrderBy("applied_at ASC", "order_key ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := []model.AppliedMigration{}
	for rows.Next() {
		var m model.AppliedMigration
		if err := rows.Scan(&m.ID, &m.OrderKey, timestamp{&m.AppliedAt}, &m.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan applied migration: %w", err)
		}
		applied = append(applied, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied migrations: %w", err)
	}
	return applied, nil
}

// RecordApplied adds the migration to the applied set and writes a history row
func (r *HistoryRepository) RecordApplied(ctx context.Context, d model.Descriptor, result model.ExecutionResult) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		b := r.db.BuilderWith(tx)

		// delete then insert keeps the statement portable across dialects
		if _, err := b.Delete(appliedTable).
			Where(sq.Eq{"environment_id": result.EnvironmentID, "migration_id": d.ID}).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to clear applied migration: %w", err)
		}
		if _, err := b.Insert(appliedTable).
			Columns("environment_id", "migration_id", "order_key", "checksum", "applied_at", "duration_ms", "rows_affected").
			Values(result.EnvironmentID, d.ID, d.OrderKey, d.Checksum, result.CompletedAt.UTC(),
				result.Duration().Milliseconds(), result.RowsAffected).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to record applied migration: %w", err)
		}
		return insertHistory(ctx, b, result, d.Checksum)
	})
}

// RecordRolledBack removes the migration from the applied set and writes a history row
func (r *HistoryRepository) RecordRolledBack(ctx context.Context, result model.ExecutionResult) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		b := r.db.BuilderWith(tx)

		if _, err := b.Delete(appliedTable).
			Where(sq.Eq{"environment_id": result.EnvironmentID, "migration_id": result.MigrationID}).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to remove applied migration: %w", err)
		}
		return insertHistory(ctx, b, result, "")
	})
}

func insertHistory(ctx context.Context, b sq.StatementBuilderType, result model.ExecutionResult, checksum string) error {
	_, err := b.Insert(historyTable).
		Columns("id", "environment_id", "migration_id", "direction", "checksum",
			"started_at", "completed_at", "duration_ms", "rows_affected", "backup_location").
		Values(uuid.New().String(), result.EnvironmentID, result.MigrationID, string(result.Direction), checksum,
			result.StartedAt.UTC(), result.CompletedAt.UTC(), result.Duration().Milliseconds(),
			result.RowsAffected, result.BackupLocation).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to create migration history: %w", err)
	}
	return nil
}

// GetHistory returns the most recent history of an environment, newest first
func (r *HistoryRepository) GetHistory(ctx context.Context, environmentID string, limit, offset int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.Builder().
		Select("id", "environment_id", "migration_id", "direction", "checksum",
			"started_at", "completed_at", "duration_ms", "rows_affected", "backup_location").
		From(historyTable).
		Where(sq.Eq{"environment_id": environmentID}).
		OrderBy("completed_at DESC", "id DESC").
		Limit(uint64(limit))
	if offset > 0 {
		query = query.Offset(uint64(offset))
	}

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	history := []model.HistoryEntry{}
	for rows.Next() {
		var h model.HistoryEntry
		var direction string
		err := rows.Scan(
			&h.ID,
			&h.EnvironmentID,
			&h.MigrationID,
			&direction,
			&h.Checksum,
			timestamp{&h.StartedAt},
			timestamp{&h.CompletedAt},
			&h.DurationMs,
			&h.RowsAffected,
			&h.BackupLocation,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration history: %w", err)
		}
		h.Direction = model.Direction(direction)
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration history: %w", err)
	}
	return history, nil
}
