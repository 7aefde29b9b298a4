package model

import "time"

const (
	DefaultApplyTimeout    = 5 * time.Minute
	DefaultRollbackTimeout = 10 * time.Minute
)

// MigrationOptions controls an apply
type MigrationOptions struct {
	DryRun           bool          `json:"dry_run" mapstructure:"dry_run"`
	CreateBackup     bool          `json:"create_backup" mapstructure:"create_backup"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	StopOnError      bool          `json:"stop_on_error" mapstructure:"stop_on_error"`
	Notes            string        `json:"notes,omitempty" mapstructure:"notes"`
	SkipConfirmation bool          `json:"skip_confirmation" mapstructure:"skip_confirmation"`
}

// DefaultMigrationOptions returns the apply defaults
func DefaultMigrationOptions() MigrationOptions {
	return MigrationOptions{
		Timeout:     DefaultApplyTimeout,
		StopOnError: true,
	}
}

// RollbackOptions controls a rollback
type RollbackOptions struct {
	Force            bool          `json:"force" mapstructure:"force"`
	CreateBackup     bool          `json:"create_backup" mapstructure:"create_backup"`
	Reason           string        `json:"reason,omitempty" mapstructure:"reason"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	SkipConfirmation bool          `json:"skip_confirmation" mapstructure:"skip_confirmation"`
}

// DefaultRollbackOptions returns the rollback defaults
func DefaultRollbackOptions() RollbackOptions {
	return RollbackOptions{
		CreateBackup: true,
		Timeout:      DefaultRollbackTimeout,
	}
}

// EffectiveTimeout falls back to the apply default when unset
func (o MigrationOptions) EffectiveTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultApplyTimeout
	}
	return o.Timeout
}

// EffectiveTimeout falls back to the rollback default when unset
func (o RollbackOptions) EffectiveTimeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultRollbackTimeout
	}
	return o.Timeout
}
