// Package handlers provides HTTP handlers for migration operations
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/migrator/internal/migration/app/service"
	"github.com/linkflow-ai/migrator/internal/migration/domain/graph"
	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/platform/response"
	"github.com/linkflow-ai/migrator/internal/platform/validation"
)

// Executor applies migrations
type Executor interface {
	ApplyMigration(ctx context.Context, environmentID, migrationID string, opts model.MigrationOptions) (model.ExecutionResult, error)
	ApplyMigrations(ctx context.Context, environmentID string, migrationIDs []string, opts model.MigrationOptions) []model.ExecutionResult
	ApplyPending(ctx context.Context, environmentID string, opts model.MigrationOptions) ([]model.ExecutionResult, error)
}

// RollbackRunner analyzes and performs rollbacks
type RollbackRunner interface {
	AnalyzeRollback(ctx context.Context, environmentID, migrationID string) (model.RollbackAnalysis, error)
	RollbackMigration(ctx context.Context, environmentID, migrationID string, opts model.RollbackOptions) (model.ExecutionResult, error)
	RollbackToMigration(ctx context.Context, environmentID, targetID string, opts model.RollbackOptions) ([]model.ExecutionResult, error)
	RollbackAll(ctx context.Context, environmentID string, opts model.RollbackOptions) ([]model.ExecutionResult, error)
}

// StatusReader reports the migration state of an environment
type StatusReader interface {
	GetStatus(ctx context.Context, environmentID string) (*service.EnvironmentStatus, error)
	ListMigrations(ctx context.Context, environmentID, state string) ([]service.MigrationState, error)
}

// HistoryReader pages through past applies and rollbacks
type HistoryReader interface {
	GetHistory(ctx context.Context, environmentID string, limit, offset int) ([]model.HistoryEntry, error)
}

// AuditReader returns recent audit entries
type AuditReader interface {
	Recent(ctx context.Context, environmentID string, limit int) ([]model.AuditEntry, error)
}

// Environments lists the configured target environments
type Environments interface {
	Environments() []model.Environment
	Environment(ctx context.Context, environmentID string) (model.Environment, error)
}

// AppliedReader returns the applied set of an environment
type AppliedReader interface {
	GetApplied(ctx context.Context, environmentID string) ([]model.AppliedMigration, error)
}

// PendingGauge records pending counts when status is read
type PendingGauge interface {
	SetPending(environmentID string, count int)
}

// Config wires the handler. Executor, Rollback, Status and Environments are
// required; the rest may be nil and their routes answer 404 or skip the check.
type Config struct {
	Executor          Executor
	Rollback          RollbackRunner
	Status            StatusReader
	History           HistoryReader
	Audit             AuditReader
	Environments      Environments
	Applied           AppliedReader
	Graph             *graph.DependencyGraph
	Pending           PendingGauge
	ApplyDefaults     model.MigrationOptions
	RollbackDefaults  model.RollbackOptions
	CheckDependencies bool
	Logger            logger.Logger
}

// MigrationHandler handles migration HTTP requests
type MigrationHandler struct {
	cfg    Config
	logger logger.Logger
}

// NewMigrationHandler creates a new migration handler
func NewMigrationHandler(cfg Config) *MigrationHandler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &MigrationHandler{cfg: cfg, logger: log}
}

// RegisterRoutes mounts every endpoint on r, typically the /api/v1 subrouter
func (h *MigrationHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/environments", h.HandleListEnvironments).Methods(http.MethodGet)

	env := r.PathPrefix("/environments/{env}").Subrouter()
	env.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	env.HandleFunc("/history", h.HandleHistory).Methods(http.MethodGet)
	env.HandleFunc("/audit", h.HandleAudit).Methods(http.MethodGet)
	env.HandleFunc("/migrations", h.HandleList).Methods(http.MethodGet)
	env.HandleFunc("/migrations/apply", h.HandleApplyBatch).Methods(http.MethodPost)
	env.HandleFunc("/migrations/apply-pending", h.HandleApplyPending).Methods(http.MethodPost)
	env.HandleFunc("/migrations/rollback-all", h.HandleRollbackAll).Methods(http.MethodPost)
	env.HandleFunc("/migrations/{id}/apply", h.HandleApply).Methods(http.MethodPost)
	env.HandleFunc("/migrations/{id}/rollback-analysis", h.HandleAnalyzeRollback).Methods(http.MethodGet)
	env.HandleFunc("/migrations/{id}/rollback", h.HandleRollback).Methods(http.MethodPost)
	env.HandleFunc("/migrations/{id}/rollback-to", h.HandleRollbackTo).Methods(http.MethodPost)
	env.HandleFunc("/migrations/{id}/dependencies", h.HandleValidateDependencies).Methods(http.MethodGet)

	r.HandleFunc("/dependencies", h.HandleListDependencies).Methods(http.MethodGet)
	r.HandleFunc("/dependencies", h.HandleAddDependency).Methods(http.MethodPost)
	r.HandleFunc("/dependencies/execution-order", h.HandleExecutionOrder).Methods(http.MethodPost)
	r.HandleFunc("/dependencies/{id}", h.HandleDependencyInfo).Methods(http.MethodGet)
	r.HandleFunc("/dependencies/{id}/{dependsOn}", h.HandleRemoveDependency).Methods(http.MethodDelete)
}

// HandleListEnvironments lists the configured environments
func (h *MigrationHandler) HandleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs := h.cfg.Environments.Environments()
	resp := make([]EnvironmentResponse, 0, len(envs))
	for _, e := range envs {
		resp = append(resp, EnvironmentResponse{
			ID:           e.ID,
			Name:         e.Name,
			Driver:       string(e.Driver),
			IsProduction: e.IsProduction,
		})
	}
	response.OK(w, resp)
}

// HandleStatus returns the migration status of an environment
func (h *MigrationHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	status, err := h.cfg.Status.GetStatus(r.Context(), envID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	if h.cfg.Pending != nil {
		h.cfg.Pending.SetPending(envID, status.Pending)
	}
	response.OK(w, status)
}

// HandleList lists migrations of an environment with an optional state filter
func (h *MigrationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	state := r.URL.Query().Get("state")
	if state != "" {
		v := validation.New().OneOf(state, []string{service.StateApplied, service.StatePending, service.StateOrphaned}, "state")
		if v.HasErrors() {
			response.Error(w, validationError(v))
			return
		}
	}

	migrations, err := h.cfg.Status.ListMigrations(r.Context(), envID, state)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	response.OK(w, migrations)
}

// HandleHistory pages through the apply and rollback history
func (h *MigrationHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.cfg.History == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	limit, offset, ok := paging(w, r, 50)
	if !ok {
		return
	}

	entries, err := h.cfg.History.GetHistory(r.Context(), envID, limit, offset)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	response.JSONWithMeta(w, http.StatusOK, entries, &response.Meta{Limit: limit, Offset: offset, Count: len(entries)})
}

// HandleAudit returns recent audit entries
func (h *MigrationHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Audit == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	limit, _, ok := paging(w, r, 100)
	if !ok {
		return
	}

	entries, err := h.cfg.Audit.Recent(r.Context(), envID, limit)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	resp := make([]AuditResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toAuditResponse(e))
	}
	response.JSONWithMeta(w, http.StatusOK, resp, &response.Meta{Limit: limit, Count: len(resp)})
}

// HandleApply applies one migration
func (h *MigrationHandler) HandleApply(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	migrationID, ok := migrationIDParam(w, r)
	if !ok {
		return
	}
	var req ApplyRequest
	if !decode(w, r, &req) {
		return
	}
	opts, v := req.options(h.cfg.ApplyDefaults)
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	if h.checkDependencies(req.CheckDependencies) {
		if !h.dependenciesSatisfied(w, r, envID, []string{migrationID}) {
			return
		}
	}

	result, err := h.cfg.Executor.ApplyMigration(r.Context(), envID, migrationID, opts)
	if err != nil {
		h.writeError(w, r, err, result)
		return
	}
	response.OK(w, result)
}

// HandleApplyBatch applies several migrations in the given order
func (h *MigrationHandler) HandleApplyBatch(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	var req BatchApplyRequest
	if !decode(w, r, &req) {
		return
	}
	opts, v := req.options(h.cfg.ApplyDefaults)
	v.MigrationIDs(req.MigrationIDs, "migration_ids")
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	if h.checkDependencies(req.CheckDependencies) {
		if !h.dependenciesSatisfied(w, r, envID, req.MigrationIDs) {
			return
		}
	}

	results := h.cfg.Executor.ApplyMigrations(r.Context(), envID, req.MigrationIDs, opts)
	response.OK(w, summarize(results))
}

// HandleApplyPending applies every pending migration
func (h *MigrationHandler) HandleApplyPending(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	var req ApplyRequest
	if !decode(w, r, &req) {
		return
	}
	opts, v := req.options(h.cfg.ApplyDefaults)
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	results, err := h.cfg.Executor.ApplyPending(r.Context(), envID, opts)
	if err != nil {
		h.writeError(w, r, err, summarize(results))
		return
	}
	response.OK(w, summarize(results))
}

func (h *MigrationHandler) checkDependencies(override *bool) bool {
	if h.cfg.Graph == nil || h.cfg.Applied == nil {
		return false
	}
	if override != nil {
		return *override
	}
	return h.cfg.CheckDependencies
}

// dependenciesSatisfied checks ids in order; each id may depend on applied
// migrations and on ids before it in the list
func (h *MigrationHandler) dependenciesSatisfied(w http.ResponseWriter, r *http.Request, envID string, ids []string) bool {
	applied, err := h.cfg.Applied.GetApplied(r.Context(), envID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return false
	}
	have := make([]string, 0, len(applied)+len(ids))
	for _, a := range applied {
		have = append(have, a.ID)
	}

	for _, id := range ids {
		if missing := h.cfg.Graph.MissingDependencies(id, have); len(missing) > 0 {
			response.ErrorWithData(w, errMissingDependencies.WithDetails("migration_id", id), DependencyCheckResponse{
				MigrationID: id,
				Valid:       false,
				Missing:     missing,
			})
			return false
		}
		have = append(have, id)
	}
	return true
}

// environment reads and resolves the {env} path parameter
func (h *MigrationHandler) environment(w http.ResponseWriter, r *http.Request) (string, bool) {
	envID := mux.Vars(r)["env"]
	if _, err := h.cfg.Environments.Environment(r.Context(), envID); err != nil {
		h.writeError(w, r, err, nil)
		return "", false
	}
	return envID, true
}

func migrationIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if v := validation.New().MigrationID(id, "migration id"); v.HasErrors() {
		response.Error(w, validationError(v))
		return "", false
	}
	return id, true
}

func paging(w http.ResponseWriter, r *http.Request, defaultLimit int) (int, int, bool) {
	q := r.URL.Query()
	limit, offset := defaultLimit, 0
	v := validation.New()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			v.AddError("limit must be a number")
		} else {
			limit = n
			v.Range(limit, 1, 500, "limit")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			v.AddError("offset must be a non-negative number")
		} else {
			offset = n
		}
	}
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return 0, 0, false
	}
	return limit, offset, true
}
