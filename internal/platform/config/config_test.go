package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAuditBackendValidation(t *testing.T) {
	for _, backend := range []string{"sql", "mongo", "none"} {
		assert.NoError(t, (&MigrationConfig{AuditBackend: backend}).Validate(), backend)
	}
	assert.ErrorContains(t, (&MigrationConfig{AuditBackend: "postgres"}).Validate(), "unsupported backend")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "config.yaml", `
http:
  port: 9000
migration:
  path: /srv/migrations
  apply_timeout: 2m
  lock_ttl: 30s
  environments:
    - id: dev
      name: Development
      driver: postgres
      dsn: postgres://localhost/dev
      auto_apply: "@every 5m"
    - id: prod
      name: Production
      driver: mysql
      production: true
`)
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("MIGRATION_HTTP_PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("migration")
	require.NoError(t, err)

	assert.Equal(t, "migration", cfg.Service.Name)
	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "/srv/migrations", cfg.Migration.Path)
	assert.Equal(t, 2*time.Minute, cfg.Migration.ApplyTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Migration.RollbackTimeout)
	assert.Equal(t, 30*time.Second, cfg.Migration.LockTTL)
	assert.True(t, cfg.Migration.StopOnError)

	require.Len(t, cfg.Migration.Environments, 2)
	prod, ok := cfg.Migration.Environment("prod")
	require.True(t, ok)
	assert.True(t, prod.Production)
	assert.Equal(t, "mysql", prod.DriverName())

	_, ok = cfg.Migration.Environment("staging")
	assert.False(t, ok)
}

func TestMigrationConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		envs    []EnvironmentConfig
		wantErr string
	}{
		{name: "valid", envs: []EnvironmentConfig{{ID: "dev"}, {ID: "prod", Production: true}}},
		{name: "missing id", envs: []EnvironmentConfig{{Name: "x"}}, wantErr: "id is required"},
		{name: "duplicate", envs: []EnvironmentConfig{{ID: "dev"}, {ID: "dev"}}, wantErr: "duplicate id"},
		{name: "bad driver", envs: []EnvironmentConfig{{ID: "dev", Driver: "oracle"}}, wantErr: "unsupported driver"},
		{name: "auto apply in production", envs: []EnvironmentConfig{{ID: "prod", Production: true, AutoApply: "@hourly"}}, wantErr: "not allowed"},
		{name: "bad schedule", envs: []EnvironmentConfig{{ID: "dev", AutoApply: "whenever"}}, wantErr: "invalid auto_apply schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := MigrationConfig{AuditBackend: "sql", Environments: tt.envs}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveDSN(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env.staging", "DATABASE_URL=postgres://staging/db\n")
	writeFile(t, dir, ".env.empty", "OTHER=1\n")

	dsn, err := EnvironmentConfig{ID: "dev", DSN: "postgres://dev/db"}.ResolveDSN(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://dev/db", dsn)

	dsn, err = EnvironmentConfig{ID: "staging"}.ResolveDSN(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://staging/db", dsn)

	_, err = EnvironmentConfig{ID: "empty"}.ResolveDSN(dir)
	assert.ErrorContains(t, err, "does not define DATABASE_URL")

	_, err = EnvironmentConfig{ID: "missing"}.ResolveDSN(dir)
	assert.ErrorContains(t, err, "does not exist")
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Database: "m", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=m sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Database: "m"}
	assert.Equal(t, "u:p@tcp(db:3306)/m?parseTime=true&multiStatements=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Database: "/var/lib/migrator/history.db"}
	assert.Equal(t, "/var/lib/migrator/history.db", lite.DSN())
}

func TestToEnvPrefix(t *testing.T) {
	assert.Equal(t, "MIGRATION", toEnvPrefix("migration"))
	assert.Equal(t, "SCHEMA_MIGRATOR", toEnvPrefix("schema-migrator"))
}
