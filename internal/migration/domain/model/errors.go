package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies migration errors
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindAlreadyApplied      ErrorKind = "already_applied"
	KindCancelled           ErrorKind = "cancelled"
	KindExecutionFailure    ErrorKind = "execution_failure"
	KindRollbackBlocked     ErrorKind = "rollback_blocked"
	KindRollbackRiskTooHigh ErrorKind = "rollback_risk_too_high"
	KindCircularDependency  ErrorKind = "circular_dependency"
	KindSelfDependency      ErrorKind = "self_dependency"
	KindMigrationNotApplied ErrorKind = "migration_not_applied"
)

// BlockingKind explains why a rollback is blocked
type BlockingKind string

const (
	BlockingNone                BlockingKind = ""
	BlockingNotApplied          BlockingKind = "not_applied"
	BlockingDependentsExist     BlockingKind = "dependents_exist"
	BlockingSQLGenerationFailed BlockingKind = "sql_generation_failed"
)

// Error is the domain error returned by the graph and the orchestrators
type Error struct {
	Kind        ErrorKind
	Blocking    BlockingKind
	MigrationID string
	Message     string
	Trace       string
	Err         error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.MigrationID != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.MigrationID)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. A target with a blocking kind
// only matches errors with the same blocking kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Blocking == BlockingNone || t.Blocking == e.Blocking
}

// Sentinels for errors.Is
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyApplied      = &Error{Kind: KindAlreadyApplied}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrExecutionFailure    = &Error{Kind: KindExecutionFailure}
	ErrRollbackBlocked     = &Error{Kind: KindRollbackBlocked}
	ErrRollbackRiskTooHigh = &Error{Kind: KindRollbackRiskTooHigh}
	ErrCircularDependency  = &Error{Kind: KindCircularDependency}
	ErrSelfDependency      = &Error{Kind: KindSelfDependency}
	ErrMigrationNotApplied = &Error{Kind: KindMigrationNotApplied}

	ErrBlockedNotApplied          = &Error{Kind: KindRollbackBlocked, Blocking: BlockingNotApplied}
	ErrBlockedDependentsExist     = &Error{Kind: KindRollbackBlocked, Blocking: BlockingDependentsExist}
	ErrBlockedSQLGenerationFailed = &Error{Kind: KindRollbackBlocked, Blocking: BlockingSQLGenerationFailed}
)

// NewNotFoundError reports an unknown migration id
func NewNotFoundError(id string) *Error {
	return &Error{Kind: KindNotFound, MigrationID: id, Message: fmt.Sprintf("migration %s not found", id)}
}

// NewAlreadyAppliedError reports a migration already present in the applied set
func NewAlreadyAppliedError(id, env string) *Error {
	return &Error{Kind: KindAlreadyApplied, MigrationID: id,
		Message: fmt.Sprintf("migration %s is already applied to %s", id, env)}
}

// NewCancelledError reports a vetoed or cancelled operation
func NewCancelledError(id, reason string, cause error) *Error {
	msg := fmt.Sprintf("migration %s cancelled", id)
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{Kind: KindCancelled, MigrationID: id, Message: msg, Err: cause}
}

// NewExecutionFailure wraps an unrecognized collaborator error
func NewExecutionFailure(id string, cause error) *Error {
	msg := fmt.Sprintf("migration %s failed", id)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &Error{Kind: KindExecutionFailure, MigrationID: id, Message: msg, Trace: TraceOf(cause), Err: cause}
}

// NewRollbackBlockedError reports a rollback that cannot proceed
func NewRollbackBlockedError(id string, kind BlockingKind, reason string) *Error {
	return &Error{Kind: KindRollbackBlocked, Blocking: kind, MigrationID: id,
		Message: fmt.Sprintf("rollback of %s blocked: %s", id, reason)}
}

// NewRollbackRiskTooHighError reports a rollback that requires Force
func NewRollbackRiskTooHighError(id string, level RiskLevel) *Error {
	return &Error{Kind: KindRollbackRiskTooHigh, MigrationID: id,
		Message: fmt.Sprintf("rollback of %s has %s risk; retry with force to proceed", id, level)}
}

// NewCircularDependencyError reports an edge that would close a cycle
func NewCircularDependencyError(id, dependsOn string) *Error {
	return &Error{Kind: KindCircularDependency, MigrationID: id,
		Message: fmt.Sprintf("adding dependency %s -> %s would create a circular dependency", dependsOn, id)}
}

// NewSelfDependencyError reports a migration depending on itself
func NewSelfDependencyError(id string) *Error {
	return &Error{Kind: KindSelfDependency, MigrationID: id,
		Message: fmt.Sprintf("migration %s cannot depend on itself", id)}
}

// NewMigrationNotAppliedError reports a rollback target missing from the applied set
func NewMigrationNotAppliedError(id, env string) *Error {
	return &Error{Kind: KindMigrationNotApplied, MigrationID: id,
		Message: fmt.Sprintf("migration %s is not applied to %s", id, env)}
}

// IsDomainError reports whether err already carries a migration error kind
func IsDomainError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// KindOf returns the kind of a domain error, or "" for other errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// TraceOf renders the chain of wrapped errors, outermost first
func TraceOf(err error) string {
	if err == nil {
		return ""
	}
	var lines []string
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		lines = append(lines, fmt.Sprintf("%T: %s", cur, cur.Error()))
	}
	return strings.Join(lines, "\n")
}
