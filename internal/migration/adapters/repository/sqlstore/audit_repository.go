package sqlstore

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/database"
)

// AuditRepository stores audit entries in the migration_audit table
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log inserts an audit entry
func (r *AuditRepository) Log(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err := r.db.Builder().
		Insert(auditTable).
		Columns("id", "action", "migration_id", "environment_id", "success", "was_dry_run", "risk_level",
			"reason", "notes", "error_message", "duration_ms", "rows_affected", "created_at").
		Values(entry.ID, entry.Action, entry.MigrationID, entry.EnvironmentID, entry.Success, entry.WasDryRun,
			entry.RiskLevel, database.NullString(entry.Reason), database.NullString(entry.Notes),
			database.NullString(entry.ErrorMessage), entry.DurationMs, entry.RowsAffected, entry.Timestamp.UTC()).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the latest audit entries of an environment, newest first
func (r *AuditRepository) Recent(ctx context.Context, environmentID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Builder().
		Select("id", "action", "migration_id", "environment_id", "success", "was_dry_run", "risk_level",
			"COALESCE(reason, '')", "COALESCE(notes, '')", "COALESCE(error_message, '')",
			"duration_ms", "rows_affected", "created_at").
		From(auditTable).
		Where(sq.Eq{"environment_id": environmentID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var e model.AuditEntry
		err := rows.Scan(&e.ID, &e.Action, &e.MigrationID, &e.EnvironmentID, &e.Success, &e.WasDryRun,
			&e.RiskLevel, &e.Reason, &e.Notes, &e.ErrorMessage, &e.DurationMs, &e.RowsAffected,
			timestamp{&e.Timestamp})
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
