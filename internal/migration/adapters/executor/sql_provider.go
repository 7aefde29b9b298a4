package executor

import (
	"context"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// Generator produces the SQL of a migration
type Generator interface {
	GenerateUp(ctx context.Context, id string, driver model.Driver) (string, error)
	GenerateDown(ctx context.Context, id string, driver model.Driver) (string, error)
}

// SQLProvider pairs a migration source with the registry that runs its SQL
type SQLProvider struct {
	Generator
	registry *Registry
}

// NewSQLProvider creates a provider
func NewSQLProvider(gen Generator, registry *Registry) *SQLProvider {
	return &SQLProvider{Generator: gen, registry: registry}
}

// Execute runs sql against env
func (p *SQLProvider) Execute(ctx context.Context, env model.Environment, sql string, timeout time.Duration) (int64, error) {
	return p.registry.Execute(ctx, env, sql, timeout)
}
