package model

import "time"

// Phase is a step of the apply workflow
type Phase string

const (
	PhasePreparing  Phase = "preparing"
	PhaseValidating Phase = "validating"
	PhaseExecuting  Phase = "executing"
	PhaseVerifying  Phase = "verifying"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// ExecutionResult is the outcome of one apply or rollback attempt.
// Fields are set by the constructors and must not be modified afterwards.
type ExecutionResult struct {
	Success        bool      `json:"success"`
	MigrationID    string    `json:"migration_id"`
	EnvironmentID  string    `json:"environment_id"`
	Direction      Direction `json:"direction"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	ExecutedSQL    string    `json:"executed_sql,omitempty"`
	RowsAffected   int64     `json:"rows_affected"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ErrorTrace     string    `json:"error_trace,omitempty"`
	WasDryRun      bool      `json:"was_dry_run"`
	BackupLocation string    `json:"backup_location,omitempty"`
}

// ResultInput carries the values used to build an ExecutionResult
type ResultInput struct {
	MigrationID    string
	EnvironmentID  string
	Direction      Direction
	StartedAt      time.Time
	CompletedAt    time.Time
	ExecutedSQL    string
	RowsAffected   int64
	WasDryRun      bool
	BackupLocation string
}

// NewSucceededResult builds a successful result
func NewSucceededResult(in ResultInput) ExecutionResult {
	r := newResult(in)
	r.Success = true
	return r
}

// NewFailedResult builds a failed result from err
func NewFailedResult(in ResultInput, err error) ExecutionResult {
	r := newResult(in)
	if err != nil {
		r.ErrorMessage = err.Error()
		r.ErrorTrace = TraceOf(err)
	}
	return r
}

func newResult(in ResultInput) ExecutionResult {
	completed := in.CompletedAt
	if completed.Before(in.StartedAt) {
		completed = in.StartedAt
	}
	return ExecutionResult{
		MigrationID:    in.MigrationID,
		EnvironmentID:  in.EnvironmentID,
		Direction:      in.Direction,
		StartedAt:      in.StartedAt,
		CompletedAt:    completed,
		ExecutedSQL:    in.ExecutedSQL,
		RowsAffected:   in.RowsAffected,
		WasDryRun:      in.WasDryRun,
		BackupLocation: in.BackupLocation,
	}
}

// Duration returns CompletedAt - StartedAt, never negative
func (r ExecutionResult) Duration() time.Duration {
	d := r.CompletedAt.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// AuditEntry is a record handed to the audit sink
type AuditEntry struct {
	ID            string
	Action        string
	MigrationID   string
	EnvironmentID string
	Success       bool
	WasDryRun     bool
	RiskLevel     string
	Reason        string
	Notes         string
	ErrorMessage  string
	DurationMs    int64
	RowsAffected  int64
	Timestamp     time.Time
}

const (
	AuditActionApply    = "migration.apply"
	AuditActionRollback = "migration.rollback"
)

// HistoryEntry is a persisted apply or rollback
type HistoryEntry struct {
	ID             string    `json:"id"`
	EnvironmentID  string    `json:"environment_id"`
	MigrationID    string    `json:"migration_id"`
	Direction      Direction `json:"direction"`
	Checksum       string    `json:"checksum,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMs     int64     `json:"duration_ms"`
	RowsAffected   int64     `json:"rows_affected"`
	BackupLocation string    `json:"backup_location,omitempty"`
}
