package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event
type Event struct {
	ID            string                 `json:"id"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	EventType     string                 `json:"eventType"`
	EventVersion  int                    `json:"eventVersion"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Metadata      map[string]interface{} `json:"metadata"`
	Payload       json.RawMessage        `json:"payload"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, aggregateType, eventType string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventVersion:  1,
		Timestamp:     time.Now(),
		Metadata:      make(map[string]interface{}),
		Payload:       payloadBytes,
	}, nil
}

const AggregateMigration = "migration"

// Event types
const (
	TypeMigrationStarted    = "migration.started"
	TypeMigrationProgress   = "migration.progress"
	TypeMigrationCompleted  = "migration.completed"
	TypeMigrationFailed     = "migration.failed"
	TypeMigrationExecuted   = "migration.executed"
	TypeMigrationRolledBack = "migration.rolled_back"
)

// Migration Events
type MigrationStarted struct {
	EnvironmentID string    `json:"environmentId"`
	MigrationID   string    `json:"migrationId"`
	StartedAt     time.Time `json:"startedAt"`
}

type MigrationProgress struct {
	EnvironmentID string    `json:"environmentId"`
	MigrationID   string    `json:"migrationId"`
	Percent       int       `json:"percent"`
	Phase         string    `json:"phase"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type MigrationCompleted struct {
	EnvironmentID string        `json:"environmentId"`
	MigrationID   string        `json:"migrationId"`
	Direction     string        `json:"direction"`
	RowsAffected  int64         `json:"rowsAffected"`
	WasDryRun     bool          `json:"wasDryRun"`
	Duration      time.Duration `json:"duration"`
	CompletedAt   time.Time     `json:"completedAt"`
}

type MigrationFailed struct {
	EnvironmentID string    `json:"environmentId"`
	MigrationID   string    `json:"migrationId"`
	Error         string    `json:"error"`
	ErrorKind     string    `json:"errorKind,omitempty"`
	FailedAt      time.Time `json:"failedAt"`
}

type MigrationExecuted struct {
	EnvironmentID string        `json:"environmentId"`
	MigrationID   string        `json:"migrationId"`
	RowsAffected  int64         `json:"rowsAffected"`
	Duration      time.Duration `json:"duration"`
	ExecutedAt    time.Time     `json:"executedAt"`
}

type MigrationRolledBack struct {
	EnvironmentID string        `json:"environmentId"`
	MigrationID   string        `json:"migrationId"`
	RiskLevel     string        `json:"riskLevel"`
	Forced        bool          `json:"forced"`
	Reason        string        `json:"reason,omitempty"`
	RowsAffected  int64         `json:"rowsAffected"`
	Duration      time.Duration `json:"duration"`
	RolledBackAt  time.Time     `json:"rolledBackAt"`
}

// GetEventType maps a payload to its event type
func GetEventType(event interface{}) string {
	switch event.(type) {
	case MigrationStarted, *MigrationStarted:
		return TypeMigrationStarted
	case MigrationProgress, *MigrationProgress:
		return TypeMigrationProgress
	case MigrationCompleted, *MigrationCompleted:
		return TypeMigrationCompleted
	case MigrationFailed, *MigrationFailed:
		return TypeMigrationFailed
	case MigrationExecuted, *MigrationExecuted:
		return TypeMigrationExecuted
	case MigrationRolledBack, *MigrationRolledBack:
		return TypeMigrationRolledBack
	default:
		return "unknown"
	}
}

// NewMigrationEvent wraps a migration payload in an event keyed by environment and migration
func NewMigrationEvent(environmentID, migrationID string, payload interface{}) (*Event, error) {
	event, err := NewEvent(environmentID+"/"+migrationID, AggregateMigration, GetEventType(payload), payload)
	if err != nil {
		return nil, err
	}
	event.Metadata["environmentId"] = environmentID
	event.Metadata["migrationId"] = migrationID
	return event, nil
}
