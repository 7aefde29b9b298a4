// Package sqlstore persists the applied set, the execution history and the
// audit trail of every environment in one SQL database
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/linkflow-ai/migrator/internal/platform/database"
)

const (
	appliedTable = "schema_migrations"
	historyTable = "migration_history"
	auditTable   = "migration_audit"
)

// EnsureSchema creates the store's tables if they don't exist
func EnsureSchema(ctx context.Context, db *database.DB) error {
	for _, stmt := range schema(db.Driver()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create migration tables: %w", err)
		}
	}
	return nil
}

func schema(driver string) []string {
	ts := "TIMESTAMP WITH TIME ZONE"
	switch driver {
	case database.DriverMySQL:
		ts = "DATETIME(6)"
	case database.DriverSQLite:
		ts = "DATETIME"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + appliedTable + ` (
			environment_id VARCHAR(128) NOT NULL,
			migration_id VARCHAR(255) NOT NULL,
			order_key BIGINT NOT NULL,
			checksum VARCHAR(128) NOT NULL DEFAULT '',
			applied_at ` + ts + ` NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			rows_affected BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (environment_id, migration_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + historyTable + ` (
			id VARCHAR(36) PRIMARY KEY,
			environment_id VARCHAR(128) NOT NULL,
			migration_id VARCHAR(255) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			checksum VARCHAR(128) NOT NULL DEFAULT '',
			started_at ` + ts + ` NOT NULL,
			completed_at ` + ts + ` NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			rows_affected BIGINT NOT NULL DEFAULT 0,
			backup_location VARCHAR(1024) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + auditTable + ` (
			id VARCHAR(36) PRIMARY KEY,
			action VARCHAR(64) NOT NULL,
			migration_id VARCHAR(255) NOT NULL,
			environment_id VARCHAR(128) NOT NULL,
			success BOOLEAN NOT NULL,
			was_dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			risk_level VARCHAR(16) NOT NULL DEFAULT '',
			reason TEXT,
			notes TEXT,
			error_message TEXT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			rows_affected BIGINT NOT NULL DEFAULT 0,
			created_at ` + ts + ` NOT NULL
		)`,
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; its lookups go through the primary keys
	if driver != database.DriverMySQL {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_migration_history_env ON `+historyTable+`(environment_id, completed_at)`,
			`CREATE INDEX IF NOT EXISTS idx_migration_audit_env ON `+auditTable+`(environment_id, created_at)`,
		)
	}
	return stmts
}

// Layouts drivers without native timestamps hand back
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// timestamp scans a time column from any supported driver
type timestamp struct {
	t *time.Time
}

func (ts timestamp) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		*ts.t = v.UTC()
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	case nil:
		*ts.t = time.Time{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into a timestamp", src)
}

func (ts timestamp) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*ts.t = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

var _ sql.Scanner = timestamp{}
