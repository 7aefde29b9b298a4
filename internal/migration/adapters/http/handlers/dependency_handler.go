package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/response"
	"github.com/linkflow-ai/migrator/internal/platform/validation"
)

// HandleListDependencies returns every edge of the dependency graph
func (h *MigrationHandler) HandleListDependencies(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Graph == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	edges := h.cfg.Graph.Edges()
	if edges == nil {
		edges = []model.DependencyEdge{}
	}
	response.OK(w, edges)
}

// HandleAddDependency adds an edge, rejecting self and circular dependencies
func (h *MigrationHandler) HandleAddDependency(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Graph == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	var req AddDependencyRequest
	if !decode(w, r, &req) {
		return
	}
	v := validation.New().
		MigrationID(req.MigrationID, "migration_id").
		MigrationID(req.DependsOn, "depends_on")
	if v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	if err := h.cfg.Graph.AddDependency(req.MigrationID, req.DependsOn); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	h.logger.WithContext(r.Context()).Info("Dependency added",
		"migration", req.MigrationID, "depends_on", req.DependsOn)
	response.Created(w, h.cfg.Graph.GetDependencyInfo(req.MigrationID))
}

// HandleRemoveDependency removes an edge. Removing a missing edge is a no-op.
func (h *MigrationHandler) HandleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Graph == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	vars := mux.Vars(r)
	h.cfg.Graph.RemoveDependency(vars["id"], vars["dependsOn"])
	response.NoContent(w)
}

// HandleDependencyInfo returns what a migration depends on and what it blocks
func (h *MigrationHandler) HandleDependencyInfo(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Graph == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	id, ok := migrationIDParam(w, r)
	if !ok {
		return
	}
	response.OK(w, h.cfg.Graph.GetDependencyInfo(id))
}

// HandleExecutionOrder computes a topological order for a subset. Cycles are
// reported in the body with valid=false rather than as an error status.
func (h *MigrationHandler) HandleExecutionOrder(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Graph == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	var req ExecutionOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if v := validation.New().MigrationIDs(req.MigrationIDs, "migration_ids"); v.HasErrors() {
		response.Error(w, validationError(v))
		return
	}

	var order model.ExecutionOrder
	if req.Stable {
		order = h.cfg.Graph.GetStableExecutionOrder(req.MigrationIDs)
	} else {
		order = h.cfg.Graph.GetExecutionOrder(req.MigrationIDs)
	}
	response.OK(w, order)
}

// HandleValidateDependencies reports the unapplied dependencies of a migration
func (h *MigrationHandler) HandleValidateDependencies(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Graph == nil || h.cfg.Applied == nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	envID, ok := h.environment(w, r)
	if !ok {
		return
	}
	migrationID, ok := migrationIDParam(w, r)
	if !ok {
		return
	}

	applied, err := h.cfg.Applied.GetApplied(r.Context(), envID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	ids := make([]string, 0, len(applied))
	for _, a := range applied {
		ids = append(ids, a.ID)
	}
	missing := h.cfg.Graph.MissingDependencies(migrationID, ids)
	if missing == nil {
		missing = []string{}
	}
	response.OK(w, DependencyCheckResponse{
		MigrationID: migrationID,
		Valid:       len(missing) == 0,
		Missing:     missing,
	})
}
