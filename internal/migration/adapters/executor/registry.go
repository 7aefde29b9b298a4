// Package executor runs migration SQL against the configured target environments
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/database"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

// ErrUnknownEnvironment is returned for an environment id missing from the configuration
var ErrUnknownEnvironment = errors.New("unknown environment")

// Opener opens a connection pool for an environment
type Opener func(driver, dsn string, pool database.PoolConfig) (*database.DB, error)

// Registry owns one lazily opened connection pool per target environment
type Registry struct {
	mu     sync.Mutex
	envs   map[string]config.EnvironmentConfig
	dbs    map[string]*database.DB
	envDir string
	open   Opener
	logger logger.Logger
}

// RegistryOption configures a registry
type RegistryOption func(*Registry)

// WithOpener replaces database.Open
func WithOpener(open Opener) RegistryOption {
	return func(r *Registry) { r.open = open }
}

// WithEnvDir sets where .env.<environment> files are looked up
func WithEnvDir(dir string) RegistryOption {
	return func(r *Registry) { r.envDir = dir }
}

// NewRegistry creates a registry for the configured environments
func NewRegistry(envs []config.EnvironmentConfig, log logger.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		envs:   make(map[string]config.EnvironmentConfig, len(envs)),
		dbs:    make(map[string]*database.DB),
		envDir: ".",
		open:   database.Open,
		logger: log,
	}
	for _, env := range envs {
		r.envs[env.ID] = env
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Environment resolves an environment id
func (r *Registry) Environment(_ context.Context, environmentID string) (model.Environment, error) {
	r.mu.Lock()
	cfg, ok := r.envs[environmentID]
	r.mu.Unlock()
	if !ok {
		return model.Environment{}, fmt.Errorf("%w: %s", ErrUnknownEnvironment, environmentID)
	}
	return toModel(cfg), nil
}

// Environments lists every configured environment ordered by id
func (r *Registry) Environments() []model.Environment {
	r.mu.Lock()
	defer r.mu.Unlock()

	envs := make([]model.Environment, 0, len(r.envs))
	for _, cfg := range r.envs {
		envs = append(envs, toModel(cfg))
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].ID < envs[j].ID })
	return envs
}

func toModel(cfg config.EnvironmentConfig) model.Environment {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return model.Environment{
		ID:           cfg.ID,
		Name:         name,
		Driver:       model.Driver(cfg.DriverName()),
		IsProduction: cfg.Production,
	}
}

// DB returns the connection pool of an environment, opening it on first use
func (r *Registry) DB(environmentID string) (*database.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[environmentID]; ok {
		return db, nil
	}
	cfg, ok := r.envs[environmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnvironment, environmentID)
	}

	dsn, err := cfg.ResolveDSN(r.envDir)
	if err != nil {
		return nil, err
	}
	db, err := r.open(cfg.DriverName(), dsn, database.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to environment %s: %w", environmentID, err)
	}

	r.dbs[environmentID] = db
	r.logger.Info("Connected to environment", "environment_id", environmentID, "driver", cfg.DriverName())
	return db, nil
}

// Execute runs sql in a transaction bounded by timeout and returns the rows affected
func (r *Registry) Execute(ctx context.Context, env model.Environment, sqlText string, timeout time.Duration) (int64, error) {
	db, err := r.DB(env.ID)
	if err != nil {
		return 0, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var rows int64
	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlText)
		if err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			rows = n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

// Count runs a query returning a single integer
func (r *Registry) Count(ctx context.Context, env model.Environment, query string) (int64, error) {
	db, err := r.DB(env.ID)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// HealthCheck pings every environment that has been connected
func (r *Registry) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	dbs := make(map[string]*database.DB, len(r.dbs))
	for id, db := range r.dbs {
		dbs[id] = db
	}
	r.mu.Unlock()

	for id, db := range dbs {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("environment %s: %w", id, err)
		}
	}
	return nil
}

// Close closes every open pool
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, db := range r.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("environment %s: %w", id, err))
		}
		delete(r.dbs, id)
	}
	return errors.Join(errs...)
}
