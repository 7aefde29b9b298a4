package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMigrationID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"003_add_index", true},
		{"20240101120000_create_users", true},
		{"v1.2-hotfix", true},
		{"", false},
		{"_leading", false},
		{"../etc/passwd", false},
		{"drop table", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			v := New().MigrationID(tt.id, "migration_id")
			assert.Equal(t, !tt.valid, v.HasErrors())
		})
	}
}

func TestMigrationIDs(t *testing.T) {
	assert.True(t, New().MigrationIDs(nil, "ids").HasErrors())
	v := New().MigrationIDs([]string{"001_a", "bad id"}, "ids")
	assert.Equal(t, []string{"ids[1] must be a valid migration id"}, v.Errors())
}

func TestDuration(t *testing.T) {
	v := New()
	assert.Equal(t, 30*time.Second, v.Duration("30s", "timeout"))
	assert.Equal(t, time.Duration(0), v.Duration("", "timeout"))
	assert.False(t, v.HasErrors())

	v.Duration("soon", "timeout")
	v.Duration("-1s", "timeout")
	assert.Len(t, v.Errors(), 2)
}

func TestCronExpression(t *testing.T) {
	assert.False(t, New().CronExpression("*/15 * * * *", "schedule").HasErrors())
	assert.False(t, New().CronExpression("@hourly", "schedule").HasErrors())
	assert.True(t, New().CronExpression("every minute", "schedule").HasErrors())
	assert.True(t, New().CronExpression("* * * * * *", "schedule").HasErrors())
}

func TestChaining(t *testing.T) {
	v := New().
		Required("", "environment").
		Range(0, 1, 500, "limit").
		OneOf("done", []string{"applied", "pending"}, "state")
	assert.Equal(t, "environment is required; limit must be between 1 and 500; state must be one of: applied, pending", v.Error())
}
