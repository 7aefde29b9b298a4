package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderKeyFromID(t *testing.T) {
	tests := []struct {
		id       string
		wantKey  int64
		wantName string
	}{
		{id: "001_create_users", wantKey: 1, wantName: "create_users"},
		{id: "20240101120000_add_index", wantKey: 20240101120000, wantName: "add_index"},
		{id: "create_users", wantKey: 0, wantName: "create_users"},
		{id: "42", wantKey: 42, wantName: "42"},
		{id: "", wantKey: 0, wantName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.wantKey, OrderKeyFromID(tt.id))
			assert.Equal(t, tt.wantName, NameFromID(tt.id))
		})
	}
}

func TestParseOrderKeyOverflow(t *testing.T) {
	_, err := ParseOrderKey("99999999999999999999_huge")
	assert.ErrorContains(t, err, "out of range")
	assert.Equal(t, int64(0), OrderKeyFromID("99999999999999999999_huge"))

	key, err := ParseOrderKey("create_users")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), key)
}

func TestAppliedMigrationAfter(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b AppliedMigration
		want bool
	}{
		{"higher key", AppliedMigration{ID: "002_b", OrderKey: 2, AppliedAt: t0}, AppliedMigration{ID: "001_a", OrderKey: 1, AppliedAt: t0.Add(time.Hour)}, true},
		{"lower key", AppliedMigration{ID: "001_a", OrderKey: 1}, AppliedMigration{ID: "002_b", OrderKey: 2}, false},
		{"same key, applied later", AppliedMigration{ID: "001_a", OrderKey: 1, AppliedAt: t0.Add(time.Minute)}, AppliedMigration{ID: "001_b", OrderKey: 1, AppliedAt: t0}, true},
		{"same key and time, higher id", AppliedMigration{ID: "001_b", OrderKey: 1, AppliedAt: t0}, AppliedMigration{ID: "001_a", OrderKey: 1, AppliedAt: t0}, true},
		{"itself", AppliedMigration{ID: "001_a", OrderKey: 1, AppliedAt: t0}, AppliedMigration{ID: "001_a", OrderKey: 1, AppliedAt: t0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.After(tt.b))
		})
	}
}

func TestErrorIs(t *testing.T) {
	blocked := NewRollbackBlockedError("001_a", BlockingDependentsExist, "002_b applied")

	assert.ErrorIs(t, blocked, ErrRollbackBlocked)
	assert.ErrorIs(t, blocked, ErrBlockedDependentsExist)
	assert.NotErrorIs(t, blocked, ErrBlockedNotApplied)
	assert.NotErrorIs(t, blocked, ErrNotFound)

	wrapped := fmt.Errorf("during chain: %w", NewNotFoundError("x"))
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.True(t, IsDomainError(wrapped))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestExecutionFailureKeepsCause(t *testing.T) {
	cause := fmt.Errorf("exec: %w", errors.New("deadlock detected"))
	err := NewExecutionFailure("001_a", cause)

	assert.ErrorIs(t, err, ErrExecutionFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "migration 001_a failed: exec: deadlock detected", err.Error())
	assert.Contains(t, err.Trace, "deadlock detected")

	trace := TraceOf(err)
	assert.Contains(t, trace, "*model.Error: migration 001_a failed")
	assert.Contains(t, trace, "*errors.errorString: deadlock detected")
}

func TestResultConstructors(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := NewSucceededResult(ResultInput{MigrationID: "a", StartedAt: start, CompletedAt: start.Add(time.Second)})
	assert.True(t, ok.Success)
	assert.Equal(t, time.Second, ok.Duration())

	skewed := NewFailedResult(ResultInput{MigrationID: "a", StartedAt: start, CompletedAt: start.Add(-time.Second)}, errors.New("x"))
	assert.False(t, skewed.Success)
	assert.Equal(t, time.Duration(0), skewed.Duration())
	assert.Equal(t, "x", skewed.ErrorMessage)
	assert.Equal(t, start, skewed.CompletedAt)
}

func TestRiskLevelText(t *testing.T) {
	assert.True(t, RiskLow < RiskMedium && RiskMedium < RiskHigh && RiskHigh < RiskCritical)

	data, err := json.Marshal(map[string]RiskLevel{"risk": RiskCritical})
	require.NoError(t, err)
	assert.JSONEq(t, `{"risk":"critical"}`, string(data))

	var decoded struct {
		Risk RiskLevel `json:"risk"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"risk":"Medium"}`), &decoded))
	assert.Equal(t, RiskMedium, decoded.Risk)

	_, err = ParseRiskLevel("extreme")
	assert.Error(t, err)
}

func TestTableImpactFlags(t *testing.T) {
	tests := []struct {
		name        string
		impact      TableImpact
		wantDeletes bool
		wantColumns bool
	}{
		{name: "truncate", impact: TableImpact{Action: TableActionTruncate}, wantDeletes: true},
		{name: "delete rows", impact: TableImpact{Action: TableActionUpdate, RowsToBeDeleted: 1}, wantDeletes: true},
		{name: "drop column", impact: TableImpact{Action: TableActionAlter, AffectedColumns: []string{"c"}}, wantColumns: true},
		{name: "drop table hides columns", impact: TableImpact{Action: TableActionDrop, WillDropTable: true, AffectedColumns: []string{"c"}}},
		{name: "insert", impact: TableImpact{Action: TableActionInsert}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantDeletes, tt.impact.DeletesData())
			assert.Equal(t, tt.wantColumns, tt.impact.DropsColumns())
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	m := DefaultMigrationOptions()
	assert.False(t, m.DryRun)
	assert.False(t, m.CreateBackup)
	assert.True(t, m.StopOnError)
	assert.Equal(t, 5*time.Minute, m.Timeout)

	r := DefaultRollbackOptions()
	assert.False(t, r.Force)
	assert.True(t, r.CreateBackup)
	assert.Equal(t, 10*time.Minute, r.EffectiveTimeout())

	assert.Equal(t, DefaultApplyTimeout, MigrationOptions{}.EffectiveTimeout())
}
