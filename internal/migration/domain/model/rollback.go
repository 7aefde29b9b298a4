package model

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel grades the danger of a rollback. Levels are strictly ordered.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the level by name
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a level name
func (r *RiskLevel) UnmarshalText(text []byte) error {
	level, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// ParseRiskLevel parses a level name
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

// TableAction is what a migration does to a table
type TableAction string

const (
	TableActionCreate   TableAction = "create"
	TableActionAlter    TableAction = "alter"
	TableActionDrop     TableAction = "drop"
	TableActionTruncate TableAction = "truncate"
	TableActionDelete   TableAction = "delete"
	TableActionUpdate   TableAction = "update"
	TableActionInsert   TableAction = "insert"
)

// TableImpact is the table-level impact reported by an impact analyzer
type TableImpact struct {
	Table           string      `json:"table"`
	Action          TableAction `json:"action"`
	CurrentRowCount int64       `json:"current_row_count"`
	RowsToBeDeleted int64       `json:"rows_to_be_deleted"`
	WillDropTable   bool        `json:"will_drop_table"`
	AffectedColumns []string    `json:"affected_columns,omitempty"`
}

// DeletesData reports whether the impact removes rows
func (t TableImpact) DeletesData() bool {
	return t.RowsToBeDeleted > 0 || t.Action == TableActionDelete || t.Action == TableActionTruncate
}

// DropsColumns reports whether the impact removes columns of a table that is kept
func (t TableImpact) DropsColumns() bool {
	return !t.WillDropTable && len(t.AffectedColumns) > 0
}

// RollbackAnalysis is recomputed on every call and never cached
type RollbackAnalysis struct {
	MigrationID         string        `json:"migration_id"`
	EnvironmentID       string        `json:"environment_id"`
	CanRollback         bool          `json:"can_rollback"`
	BlockingReason      string        `json:"blocking_reason,omitempty"`
	BlockingKind        BlockingKind  `json:"blocking_kind,omitempty"`
	DependentMigrations []string      `json:"dependent_migrations,omitempty"`
	AffectedTables      []TableImpact `json:"affected_tables,omitempty"`
	WillDropTables      bool          `json:"will_drop_tables"`
	WillDropColumns     bool          `json:"will_drop_columns"`
	WillDeleteData      bool          `json:"will_delete_data"`
	TotalRowsAffected   int64         `json:"total_rows_affected"`
	RiskLevel           RiskLevel     `json:"risk_level"`
	Warnings            []string      `json:"warnings,omitempty"`
	DownSQL             string        `json:"down_sql,omitempty"`
	EstimatedDuration   time.Duration `json:"estimated_duration"`
	AnalyzedAt          time.Time     `json:"analyzed_at"`
}

// Block marks the analysis as blocked
func (a *RollbackAnalysis) Block(kind BlockingKind, level RiskLevel, reason string) {
	a.CanRollback = false
	a.BlockingKind = kind
	a.BlockingReason = reason
	a.RiskLevel = level
}
