package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

func TestExecutionService_ApplyMigration(t *testing.T) {
	h := newHarness("001_create_users")
	metrics := &recordingMetrics{}
	svc := NewExecutionService(h.deps(), WithClock(fixedClock()), WithMetrics(metrics))

	result, err := svc.ApplyMigration(context.Background(), "dev", "001_create_users", model.DefaultMigrationOptions())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, model.DirectionUp, result.Direction)
	assert.Equal(t, "UP 001_create_users", result.ExecutedSQL)
	assert.Equal(t, int64(3), result.RowsAffected)
	assert.False(t, result.WasDryRun)
	assert.Empty(t, result.ErrorMessage)
	assert.True(t, result.Duration() > 0)

	assert.Equal(t, []string{"UP 001_create_users"}, h.sql.Executed())
	assert.Equal(t, []time.Duration{model.DefaultApplyTimeout}, h.sql.timeouts)
	assert.Equal(t, []string{"001_create_users"}, h.store.appliedIDs("dev"))
	assert.Equal(t, []string{events.TypeMigrationExecuted}, h.events.Types())
	assert.Equal(t, []string{
		"started:001_create_users",
		"progress:001_create_users:30:executing",
		"progress:001_create_users:90:verifying",
		"progress:001_create_users:100:completed",
		"completed:001_create_users",
	}, h.notifier.Calls())

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditActionApply, entries[0].Action)
	assert.True(t, entries[0].Success)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, []string{"succeeded"}, metrics.applies)
}

func TestExecutionService_DryRunNeverExecutes(t *testing.T) {
	h := newHarness("001_create_users")
	svc := NewExecutionService(h.deps())

	opts := model.DefaultMigrationOptions()
	opts.DryRun = true
	opts.CreateBackup = true

	result, err := svc.ApplyMigration(context.Background(), "dev", "001_create_users", opts)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.WasDryRun)
	assert.Equal(t, "UP 001_create_users", result.ExecutedSQL)
	assert.Empty(t, h.sql.Executed())
	assert.Empty(t, h.backups.tables)
	assert.Empty(t, h.store.appliedIDs("dev"))
	assert.Empty(t, h.events.Types())
	assert.Contains(t, h.notifier.Calls(), "completed:001_create_users")

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].WasDryRun)
}

func TestExecutionService_ApplyMigrationErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		id    string
		env   string
		want  error
	}{
		{
			name: "unknown migration",
			id:   "999_missing",
			env:  "dev",
			want: model.ErrNotFound,
		},
		{
			name:  "already applied",
			setup: func(h *harness) { h.store.markApplied("dev", "001_create_users") },
			id:    "001_create_users",
			env:   "dev",
			want:  model.ErrAlreadyApplied,
		},
		{
			name:  "execution error is wrapped",
			setup: func(h *harness) { h.sql.execErr["UP 001_create_users"] = errors.New("syntax error at or near") },
			id:    "001_create_users",
			env:   "dev",
			want:  model.ErrExecutionFailure,
		},
		{
			name: "typed error from provider passes through",
			setup: func(h *harness) {
				h.sql.execErr["UP 001_create_users"] = model.NewAlreadyAppliedError("001_create_users", "dev")
			},
			id:   "001_create_users",
			env:  "dev",
			want: model.ErrAlreadyApplied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness("001_create_users")
			if tt.setup != nil {
				tt.setup(h)
			}
			svc := NewExecutionService(h.deps())

			result, err := svc.ApplyMigration(context.Background(), tt.env, tt.id, model.DefaultMigrationOptions())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, result.Success)
			assert.Equal(t, err.Error(), result.ErrorMessage)
			assert.NotEmpty(t, result.ErrorTrace)

			calls := h.notifier.Calls()
			require.NotEmpty(t, calls)
			assert.Equal(t, "failed:"+tt.id, calls[len(calls)-1])
			assert.Contains(t, calls, "progress:"+tt.id+":0:failed")
		})
	}
}

func TestExecutionService_WrappedFailureKeepsCause(t *testing.T) {
	h := newHarness("001_create_users")
	cause := errors.New("connection reset by peer")
	h.sql.execErr["UP 001_create_users"] = cause
	svc := NewExecutionService(h.deps())

	result, err := svc.ApplyMigration(context.Background(), "dev", "001_create_users", model.DefaultMigrationOptions())
	require.Error(t, err)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, result.ErrorMessage, "connection reset by peer")
	assert.Contains(t, result.ErrorTrace, "connection reset by peer")
	assert.Empty(t, h.store.appliedIDs("dev"))
	assert.Empty(t, h.events.Types())
}

func TestExecutionService_VetoHasNoSideEffects(t *testing.T) {
	h := newHarness("001_create_users")
	var seen HookRequest
	svc := NewExecutionService(h.deps(), WithPreExecutionHook(func(_ context.Context, req HookRequest) Decision {
		seen = req
		return Veto("change freeze")
	}))

	result, err := svc.ApplyMigration(context.Background(), "prod", "001_create_users", model.DefaultMigrationOptions())
	require.Error(t, err)

	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Contains(t, err.Error(), "change freeze")
	assert.False(t, result.Success)
	assert.Equal(t, "UP 001_create_users", seen.SQL)
	assert.True(t, seen.Environment.IsProduction)
	assert.Equal(t, "001_create_users", seen.Descriptor.ID)

	assert.Empty(t, h.sql.Executed())
	assert.Empty(t, h.audit.Entries())
	assert.Empty(t, h.notifier.Calls())
	assert.Empty(t, h.events.Types())
}

func TestExecutionService_HookProceeds(t *testing.T) {
	h := newHarness("001_create_users")
	svc := NewExecutionService(h.deps(), WithPreExecutionHook(func(context.Context, HookRequest) Decision {
		return Proceed()
	}))

	_, err := svc.ApplyMigration(context.Background(), "dev", "001_create_users", model.DefaultMigrationOptions())
	require.NoError(t, err)
	assert.Len(t, h.sql.Executed(), 1)
}

func TestExecutionService_CancellationDuringExecute(t *testing.T) {
	h := newHarness("001_create_users")
	ctx, cancel := context.WithCancel(context.Background())
	h.sql.onExecute = func(ctx context.Context, _ string) error {
		cancel()
		return ctx.Err()
	}
	svc := NewExecutionService(h.deps())

	result, err := svc.ApplyMigration(ctx, "dev", "001_create_users", model.DefaultMigrationOptions())
	require.Error(t, err)

	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.False(t, errors.Is(err, model.ErrExecutionFailure))
	assert.False(t, result.Success)
	assert.Empty(t, h.store.appliedIDs("dev"))
}

func TestExecutionService_CancelledBeforeStart(t *testing.T) {
	h := newHarness("001_create_users")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewExecutionService(h.deps())

	_, err := svc.ApplyMigration(ctx, "dev", "001_create_users", model.DefaultMigrationOptions())
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Empty(t, h.sql.Executed())
}

func TestExecutionService_AuditFailureIsSwallowed(t *testing.T) {
	tests := []struct {
		name  string
		audit *fakeAudit
	}{
		{name: "error", audit: &fakeAudit{err: errors.New("audit table missing")}},
		{name: "panic", audit: &fakeAudit{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness("001_create_users")
			h.audit = tt.audit
			svc := NewExecutionService(h.deps())

			result, err := svc.ApplyMigration(context.Background(), "dev", "001_create_users", model.DefaultMigrationOptions())
			require.NoError(t, err)
			assert.True(t, result.Success)
		})
	}
}

func TestExecutionService_RecorderFailure(t *testing.T) {
	h := newHarness("001_create_users")
	h.store.recordErr = errors.New("history table locked")
	svc := NewExecutionService(h.deps())

	result, err := svc.ApplyMigration(context.Background(), "dev", "001_create_users", model.DefaultMigrationOptions())
	require.Error(t, err)

	assert.ErrorIs(t, err, model.ErrExecutionFailure)
	assert.False(t, result.Success)
	assert.Len(t, h.sql.Executed(), 1)
}

func TestExecutionService_Backup(t *testing.T) {
	t.Run("backs up touched tables before executing", func(t *testing.T) {
		h := newHarness("002_drop_legacy")
		h.impact.apply["002_drop_legacy"] = []model.TableImpact{
			{Table: "legacy", Action: model.TableActionDrop, WillDropTable: true},
			{Table: "audit_v2", Action: model.TableActionCreate},
		}
		svc := NewExecutionService(h.deps())

		opts := model.DefaultMigrationOptions()
		opts.CreateBackup = true
		result, err := svc.ApplyMigration(context.Background(), "dev", "002_drop_legacy", opts)
		require.NoError(t, err)

		assert.Equal(t, [][]string{{"legacy"}}, h.backups.tables)
		assert.Equal(t, "s3://backups/002_drop_legacy.json", result.BackupLocation)
	})

	t.Run("backup failure aborts", func(t *testing.T) {
		h := newHarness("002_drop_legacy")
		h.backups.err = errors.New("bucket not found")
		svc := NewExecutionService(h.deps())

		opts := model.DefaultMigrationOptions()
		opts.CreateBackup = true
		_, err := svc.ApplyMigration(context.Background(), "dev", "002_drop_legacy", opts)
		require.Error(t, err)

		assert.ErrorIs(t, err, model.ErrExecutionFailure)
		assert.Empty(t, h.sql.Executed())
	})
}

func TestExecutionService_WithoutOptionalCollaborators(t *testing.T) {
	h := newHarness("001_create_users")
	svc := NewExecutionService(Dependencies{Catalog: h.store, SQL: h.sql})

	opts := model.DefaultMigrationOptions()
	opts.CreateBackup = true
	result, err := svc.ApplyMigration(context.Background(), "dev", "001_create_users", opts)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.BackupLocation)
}

func TestExecutionService_ApplyMigrations(t *testing.T) {
	ids := []string{"001_a", "002_b", "003_c"}

	tests := []struct {
		name        string
		stopOnError bool
		wantResults int
		wantApplied []string
	}{
		{name: "stop on error", stopOnError: true, wantResults: 2, wantApplied: []string{"001_a"}},
		{name: "continue on error", stopOnError: false, wantResults: 3, wantApplied: []string{"001_a", "003_c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(ids...)
			h.sql.execErr["UP 002_b"] = errors.New("boom")
			svc := NewExecutionService(h.deps())

			opts := model.DefaultMigrationOptions()
			opts.StopOnError = tt.stopOnError
			results := svc.ApplyMigrations(context.Background(), "dev", ids, opts)

			require.Len(t, results, tt.wantResults)
			assert.True(t, results[0].Success)
			assert.False(t, results[1].Success)
			assert.Contains(t, results[1].ErrorMessage, "boom")
			assert.Equal(t, tt.wantApplied, h.store.appliedIDs("dev"))
		})
	}
}

func TestExecutionService_ApplyMigrationsKeepsCallerOrder(t *testing.T) {
	h := newHarness("001_a", "002_b")
	svc := NewExecutionService(h.deps())

	results := svc.ApplyMigrations(context.Background(), "dev", []string{"002_b", "001_a"}, model.DefaultMigrationOptions())
	require.Len(t, results, 2)
	assert.Equal(t, []string{"UP 002_b", "UP 001_a"}, h.sql.Executed())
}

func TestExecutionService_ApplyPending(t *testing.T) {
	h := newHarness("001_a", "002_b", "003_c")
	h.store.markApplied("dev", "001_a")
	svc := NewExecutionService(h.deps())

	results, err := svc.ApplyPending(context.Background(), "dev", model.DefaultMigrationOptions())
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "002_b", results[0].MigrationID)
	assert.Equal(t, "003_c", results[1].MigrationID)
	assert.Equal(t, []string{"001_a", "002_b", "003_c"}, h.store.appliedIDs("dev"))

	results, err = svc.ApplyPending(context.Background(), "dev", model.DefaultMigrationOptions())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExecutionService_UnknownEnvironment(t *testing.T) {
	h := newHarness("001_a")
	svc := NewExecutionService(h.deps())

	_, err := svc.ApplyMigration(context.Background(), "staging", "001_a", model.DefaultMigrationOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExecutionFailure)
	assert.Contains(t, err.Error(), "staging")
}
