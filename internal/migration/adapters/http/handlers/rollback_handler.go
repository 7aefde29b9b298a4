package handlers

import (
	"net/http"

	"github.com/linkflow-ai/migrator/internal/platform/response"
)

// HandleAnalyzeRollback returns the rollback analysis of an applied migration
func (h *MigrationHandler) HandleAnalyzeRollback(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	migrationID, ok := migrationIDParam(w, r)
	if !ok {
		return
	}

	analysis, err := h.cfg.Rollback.AnalyzeRollback(r.Context(), envID, migrationID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	response.OK(w, analysis)
}

// HandleRollback rolls back one migration
func (h *MigrationHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	migrationID, ok := migrationIDParam(w, r)
	if !ok {
		return
	}
	var req RollbackRequest
	if !decode(w, r, &req) {
		return
	}
	opts, v := req.options(h.cfg.RollbackDefaults)
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	result, err := h.cfg.Rollback.RollbackMigration(r.Context(), envID, migrationID, opts)
	if err != nil {
		h.writeError(w, r, err, result)
		return
	}
	response.OK(w, result)
}

// HandleRollbackTo rolls back everything applied after the migration in the path
func (h *MigrationHandler) HandleRollbackTo(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	targetID, ok := migrationIDParam(w, r)
	if !ok {
		return
	}
	var req RollbackRequest
	if !decode(w, r, &req) {
		return
	}
	opts, v := req.options(h.cfg.RollbackDefaults)
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	results, err := h.cfg.Rollback.RollbackToMigration(r.Context(), envID, targetID, opts)
	if err != nil {
		h.writeError(w, r, err, summarize(results))
		return
	}
	response.OK(w, summarize(results))
}

// HandleRollbackAll rolls back every applied migration
func (h *MigrationHandler) HandleRollbackAll(w http.ResponseWriter, r *http.Request) {
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	var req RollbackRequest
	if !decode(w, r, &req) {
		return
	}
	opts, v := req.options(h.cfg.RollbackDefaults)
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	results, err := h.cfg.Rollback.RollbackAll(r.Context(), envID, opts)
	if err != nil {
		h.writeError(w, r, err, summarize(results))
		return
	}
	response.OK(w, summarize(results))
}
