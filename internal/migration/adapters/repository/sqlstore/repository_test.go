package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/database"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:", database.PoolConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, EnsureSchema(context.Background(), db))
	// idempotent
	require.NoError(t, EnsureSchema(context.Background(), db))
	return db
}

func descriptor(id string) model.Descriptor {
	return model.Descriptor{ID: id, Name: model.NameFromID(id), OrderKey: model.OrderKeyFromID(id), Checksum: "sum-" + id}
}

func applyResult(env, id string, at time.Time) model.ExecutionResult {
	return model.NewSucceededResult(model.ResultInput{
		MigrationID:   id,
		EnvironmentID: env,
		Direction:     model.DirectionUp,
		StartedAt:     at,
		CompletedAt:   at.Add(1500 * time.Millisecond),
		RowsAffected:  7,
	})
}

func TestHistoryRepositoryAppliedSet(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepository(newTestDB(t))

	applied, err := repo.GetApplied(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, applied)

	require.NoError(t, repo.RecordApplied(ctx, descriptor("002_b"), applyResult("dev", "002_b", t0)))
	require.NoError(t, repo.RecordApplied(ctx, descriptor("001_a"), applyResult("dev", "001_a", t0.Add(time.Minute))))
	require.NoError(t, repo.RecordApplied(ctx, descriptor("001_a"), applyResult("staging", "001_a", t0)))

	applied, err = repo.GetApplied(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "002_b", applied[0].ID)
	assert.Equal(t, int64(2), applied[0].OrderKey)
	assert.Equal(t, "sum-002_b", applied[0].Checksum)
	assert.True(t, applied[0].AppliedAt.Equal(t0.Add(1500*time.Millisecond)), "got %s", applied[0].AppliedAt)
	assert.Equal(t, "001_a", applied[1].ID)

	// re-recording replaces the row
	require.NoError(t, repo.RecordApplied(ctx, descriptor("002_b"), applyResult("dev", "002_b", t0.Add(time.Hour))))
	applied, err = repo.GetApplied(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "001_a", applied[0].ID)

	rollback := model.NewSucceededResult(model.ResultInput{
		MigrationID:    "001_a",
		EnvironmentID:  "dev",
		Direction:      model.DirectionDown,
		StartedAt:      t0.Add(2 * time.Hour),
		CompletedAt:    t0.Add(2 * time.Hour),
		BackupLocation: "s3://bucket/dev/001_a.json",
	})
	require.NoError(t, repo.RecordRolledBack(ctx, rollback))

	applied, err = repo.GetApplied(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "002_b", applied[0].ID)

	staging, err := repo.GetApplied(ctx, "staging")
	require.NoError(t, err)
	assert.Len(t, staging, 1)
}

func TestHistoryRepositoryGetHistory(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepository(newTestDB(t))

	require.NoError(t, repo.RecordApplied(ctx, descriptor("001_a"), applyResult("dev", "001_a", t0)))
	require.NoError(t, repo.RecordApplied(ctx, descriptor("002_b"), applyResult("dev", "002_b", t0.Add(time.Minute))))
	require.NoError(t, repo.RecordRolledBack(ctx, model.NewSucceededResult(model.ResultInput{
		MigrationID:    "002_b",
		EnvironmentID:  "dev",
		Direction:      model.DirectionDown,
		StartedAt:      t0.Add(2 * time.Minute),
		CompletedAt:    t0.Add(3 * time.Minute),
		BackupLocation: "s3://bucket/dev/002_b.json",
	})))

	history, err := repo.GetHistory(ctx, "dev", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)

	latest := history[0]
	assert.Equal(t, "002_b", latest.MigrationID)
	assert.Equal(t, model.DirectionDown, latest.Direction)
	assert.Equal(t, int64(60000), latest.DurationMs)
	assert.Equal(t, "s3://bucket/dev/002_b.json", latest.BackupLocation)
	assert.NotEmpty(t, latest.ID)

	assert.Equal(t, model.DirectionUp, history[2].Direction)
	assert.Equal(t, "sum-001_a", history[2].Checksum)
	assert.Equal(t, int64(1500), history[2].DurationMs)
	assert.Equal(t, int64(7), history[2].RowsAffected)

	page, err := repo.GetHistory(ctx, "dev", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "002_b", page[0].MigrationID)
	assert.Equal(t, model.DirectionUp, page[0].Direction)

	other, err := repo.GetHistory(ctx, "prod", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAuditRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(newTestDB(t))

	require.NoError(t, repo.Log(ctx, model.AuditEntry{
		Action:        model.AuditActionApply,
		MigrationID:   "001_a",
		EnvironmentID: "dev",
		Success:       true,
		Notes:         "release 42",
		DurationMs:    120,
		RowsAffected:  3,
		Timestamp:     t0,
	}))
	require.NoError(t, repo.Log(ctx, model.AuditEntry{
		ID:            "fixed-id",
		Action:        model.AuditActionRollback,
		MigrationID:   "001_a",
		EnvironmentID: "dev",
		RiskLevel:     "high",
		Reason:        "bad index",
		ErrorMessage:  "boom",
		Timestamp:     t0.Add(time.Minute),
	}))

	entries, err := repo.Recent(ctx, "dev", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "fixed-id", entries[0].ID)
	assert.Equal(t, model.AuditActionRollback, entries[0].Action)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "high", entries[0].RiskLevel)
	assert.Equal(t, "bad index", entries[0].Reason)
	assert.Equal(t, "boom", entries[0].ErrorMessage)
	assert.Empty(t, entries[0].Notes)
	assert.True(t, entries[0].Timestamp.Equal(t0.Add(time.Minute)))

	assert.NotEmpty(t, entries[1].ID)
	assert.True(t, entries[1].Success)
	assert.Equal(t, "release 42", entries[1].Notes)
	assert.Equal(t, int64(3), entries[1].RowsAffected)

	none, err := repo.Recent(ctx, "prod", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
