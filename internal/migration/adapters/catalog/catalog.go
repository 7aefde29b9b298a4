// Package catalog joins the migration source with the per-environment history
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// Source lists the migrations that exist
type Source interface {
	ListMigrations(ctx context.Context) ([]model.Descriptor, error)
	GetMigration(ctx context.Context, id string) (*model.Descriptor, error)
}

// History returns what an environment has applied
type History interface {
	GetApplied(ctx context.Context, environmentID string) ([]model.AppliedMigration, error)
}

// Catalog is the system of record used by the orchestrators
type Catalog struct {
	source  Source
	history History
}

// New creates a catalog
func New(source Source, history History) *Catalog {
	return &Catalog{source: source, history: history}
}

// GetMigration returns the descriptor of id, or nil when unknown
func (c *Catalog) GetMigration(ctx context.Context, id string) (*model.Descriptor, error) {
	return c.source.GetMigration(ctx, id)
}

// ListMigrations returns every known migration ordered by order key
func (c *Catalog) ListMigrations(ctx context.Context) ([]model.Descriptor, error) {
	return c.source.ListMigrations(ctx)
}

// GetApplied returns the applied set of an environment
func (c *Catalog) GetApplied(ctx context.Context, environmentID string) ([]model.AppliedMigration, error) {
	return c.history.GetApplied(ctx, environmentID)
}

// GetPending returns known migrations not yet applied to the environment,
// ordered by order key then id
func (c *Catalog) GetPending(ctx context.Context, environmentID string) ([]model.Descriptor, error) {
	known, err := c.source.ListMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	applied, err := c.history.GetApplied(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	set := model.AppliedIDs(applied)
	pending := []model.Descriptor{}
	for _, d := range known {
		if _, ok := set[d.ID]; !ok {
			pending = append(pending, d)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].OrderKey != pending[j].OrderKey {
			return pending[i].OrderKey < pending[j].OrderKey
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}
