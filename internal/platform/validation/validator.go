// Package validation provides input validation utilities
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var migrationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// CronParser accepts standard five-field specs and descriptors such as @hourly
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator collects validation errors
type Validator struct {
	errors []string
}

// New creates a new Validator
func New() *Validator {
	return &Validator{errors: []string{}}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// Error returns a combined error message
func (v *Validator) Error() string {
	return strings.Join(v.errors, "; ")
}

// AddError adds a custom error
func (v *Validator) AddError(message string) {
	v.errors = append(v.errors, message)
}

// Required validates that a value is not empty
func (v *Validator) Required(value, field string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
	return v
}

// MigrationID validates an id such as 003_add_index
func (v *Validator) MigrationID(value, field string) *Validator {
	if !migrationIDPattern.MatchString(value) {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid migration id", field))
	}
	return v
}

// MigrationIDs validates a non-empty list of migration ids
func (v *Validator) MigrationIDs(values []string, field string) *Validator {
	if len(values) == 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must not be empty", field))
		return v
	}
	for i, id := range values {
		v.MigrationID(id, fmt.Sprintf("%s[%d]", field, i))
	}
	return v
}

// Range validates int is within range
func (v *Validator) Range(value, min, max int, field string) *Validator {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
	return v
}

// OneOf validates value is one of allowed values
func (v *Validator) OneOf(value string, allowed []string, field string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
	return v
}

// Duration validates and parses a Go duration string. Empty yields zero.
func (v *Validator) Duration(value, field string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a positive duration such as 30s", field))
		return 0
	}
	return d
}

// CronExpression validates a cron schedule
func (v *Validator) CronExpression(value, field string) *Validator {
	if _, err := CronParser.Parse(value); err != nil {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid cron expression: %v", field, err))
	}
	return v
}
