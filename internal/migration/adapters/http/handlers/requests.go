package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/response"
	"github.com/linkflow-ai/migrator/internal/platform/validation"
)

// ApplyRequest is the body of an apply. Unset fields keep the configured defaults.
type ApplyRequest struct {
	DryRun            *bool  `json:"dry_run,omitempty"`
	CreateBackup      *bool  `json:"create_backup,omitempty"`
	StopOnError       *bool  `json:"stop_on_error,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
	Notes             string `json:"notes,omitempty"`
	SkipConfirmation  bool   `json:"skip_confirmation,omitempty"`
	CheckDependencies *bool  `json:"check_dependencies,omitempty"`
}

func (req ApplyRequest) options(defaults model.MigrationOptions) (model.MigrationOptions, *validation.Validator) {
	v := validation.New()
	opts := defaults
	setBool(&opts.DryRun, req.DryRun)
	setBool(&opts.CreateBackup, req.CreateBackup)
	setBool(&opts.StopOnError, req.StopOnError)
	if d := v.Duration(req.Timeout, "timeout"); d > 0 {
		opts.Timeout = d
	}
	if req.Notes != "" {
		opts.Notes = req.Notes
	}
	opts.SkipConfirmation = req.SkipConfirmation
	return opts, v
}

// BatchApplyRequest applies the listed migrations in order
type BatchApplyRequest struct {
	ApplyRequest
	MigrationIDs []string `json:"migration_ids"`
}

// RollbackRequest is the body of a rollback
type RollbackRequest struct {
	Force            bool   `json:"force,omitempty"`
	CreateBackup     *bool  `json:"create_backup,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	SkipConfirmation bool   `json:"skip_confirmation,omitempty"`
}

func (req RollbackRequest) options(defaults model.RollbackOptions) (model.RollbackOptions, *validation.Validator) {
	v := validation.New()
	opts := defaults
	opts.Force = req.Force
	setBool(&opts.CreateBackup, req.CreateBackup)
	if d := v.Duration(req.Timeout, "timeout"); d > 0 {
		opts.Timeout = d
	}
	if req.Reason != "" {
		opts.Reason = req.Reason
	}
	opts.SkipConfirmation = req.SkipConfirmation
	return opts, v
}

// AddDependencyRequest declares that MigrationID depends on DependsOn
type AddDependencyRequest struct {
	MigrationID string `json:"migration_id"`
	DependsOn   string `json:"depends_on"`
}

// ExecutionOrderRequest asks for a topological order of a subset
type ExecutionOrderRequest struct {
	MigrationIDs []string `json:"migration_ids"`
	Stable       bool     `json:"stable,omitempty"`
}

// EnvironmentResponse describes a configured environment
type EnvironmentResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Driver       string `json:"driver"`
	IsProduction bool   `json:"is_production"`
}

// BatchResponse summarizes a multi-migration operation
type BatchResponse struct {
	Total     int                     `json:"total"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Results   []model.ExecutionResult `json:"results"`
}

func summarize(results []model.ExecutionResult) BatchResponse {
	if results == nil {
		results = []model.ExecutionResult{}
	}
	resp := BatchResponse{Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return resp
}

// DependencyCheckResponse reports whether a migration can be applied
type DependencyCheckResponse struct {
	MigrationID string   `json:"migration_id"`
	Valid       bool     `json:"valid"`
	Missing     []string `json:"missing"`
}

// AuditResponse is the JSON form of an audit entry
type AuditResponse struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	MigrationID   string    `json:"migration_id"`
	EnvironmentID string    `json:"environment_id"`
	Success       bool      `json:"success"`
	WasDryRun     bool      `json:"was_dry_run"`
	RiskLevel     string    `json:"risk_level,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	RowsAffected  int64     `json:"rows_affected"`
	Timestamp     time.Time `json:"timestamp"`
}

func toAuditResponse(e model.AuditEntry) AuditResponse {
	return AuditResponse{
		ID:            e.ID,
		Action:        e.Action,
		MigrationID:   e.MigrationID,
		EnvironmentID: e.EnvironmentID,
		Success:       e.Success,
		WasDryRun:     e.WasDryRun,
		RiskLevel:     e.RiskLevel,
		Reason:        e.Reason,
		Notes:         e.Notes,
		ErrorMessage:  e.ErrorMessage,
		DurationMs:    e.DurationMs,
		RowsAffected:  e.RowsAffected,
		Timestamp:     e.Timestamp,
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// decode reads an optional JSON body into dst. An empty body is accepted.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, errInvalidBody.WithDetails("error", err.Error()))
		return false
	}
	return true
}
