// Package notifier delivers migration progress to every configured sink.
// Delivery is at most once: a failing sink is logged and skipped.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/platform/resilience"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

// Notification is one progress update. Payload is one of the events.Migration*
// payload structs.
type Notification struct {
	EventType     string
	EnvironmentID string
	MigrationID   string
	Payload       interface{}
}

// Sink delivers notifications to one destination
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Notifier fans notifications out to sinks, each behind its own circuit breaker
type Notifier struct {
	sinks    []Sink
	breakers *resilience.Registry
	logger   logger.Logger
	now      func() time.Time
}

// New creates a notifier. A nil registry gets the default breaker settings.
func New(breakers *resilience.Registry, log logger.Logger, sinks ...Sink) *Notifier {
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultConfig(""))
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Notifier{sinks: sinks, breakers: breakers, logger: log, now: time.Now}
}

// NotifyStarted reports that a migration began
func (n *Notifier) NotifyStarted(ctx context.Context, environmentID, migrationID string) {
	n.dispatch(ctx, environmentID, migrationID, events.MigrationStarted{
		EnvironmentID: environmentID,
		MigrationID:   migrationID,
		StartedAt:     n.now(),
	})
}

// NotifyProgress reports a phase change
func (n *Notifier) NotifyProgress(ctx context.Context, environmentID, migrationID string, percent int, phase model.Phase, message string) {
	n.dispatch(ctx, environmentID, migrationID, events.MigrationProgress{
		EnvironmentID: environmentID,
		MigrationID:   migrationID,
		Percent:       percent,
		Phase:         string(phase),
		Message:       message,
		Timestamp:     n.now(),
	})
}

// NotifyCompleted reports a successful apply or rollback
func (n *Notifier) NotifyCompleted(ctx context.Context, environmentID, migrationID string, result model.ExecutionResult) {
	n.dispatch(ctx, environmentID, migrationID, events.MigrationCompleted{
		EnvironmentID: environmentID,
		MigrationID:   migrationID,
		Direction:     string(result.Direction),
		RowsAffected:  result.RowsAffected,
		WasDryRun:     result.WasDryRun,
		Duration:      result.Duration(),
		CompletedAt:   result.CompletedAt,
	})
}

// NotifyFailed reports a failed apply or rollback
func (n *Notifier) NotifyFailed(ctx context.Context, environmentID, migrationID string, err error) {
	payload := events.MigrationFailed{
		EnvironmentID: environmentID,
		MigrationID:   migrationID,
		ErrorKind:     string(model.KindOf(err)),
		FailedAt:      n.now(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	n.dispatch(ctx, environmentID, migrationID, payload)
}

func (n *Notifier) dispatch(ctx context.Context, environmentID, migrationID string, payload interface{}) {
	notification := Notification{
		EventType:     events.GetEventType(payload),
		EnvironmentID: environmentID,
		MigrationID:   migrationID,
		Payload:       payload,
	}
	for _, sink := range n.sinks {
		n.deliver(ctx, sink, notification)
	}
}

func (n *Notifier) deliver(ctx context.Context, sink Sink, notification Notification) {
	err := n.breakers.Get(sink.Name()).Execute(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sink panicked: %v", r)
			}
		}()
		return sink.Deliver(ctx, notification)
	})
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		n.logger.Debug("Notification dropped, sink circuit open",
			"sink", sink.Name(), "event_type", notification.EventType)
	default:
		n.logger.Warn("Failed to deliver notification",
			"sink", sink.Name(),
			"event_type", notification.EventType,
			"environment_id", notification.EnvironmentID,
			"migration_id", notification.MigrationID,
			"error", err)
	}
}

// Publisher publishes domain events
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// EventSink turns notifications into domain events
type EventSink struct {
	publisher Publisher
}

// NewEventSink wraps an event publisher
func NewEventSink(publisher Publisher) *EventSink {
	return &EventSink{publisher: publisher}
}

// Name implements Sink
func (s *EventSink) Name() string { return "events" }

// Deliver implements Sink
func (s *EventSink) Deliver(ctx context.Context, n Notification) error {
	event, err := events.NewMigrationEvent(n.EnvironmentID, n.MigrationID, n.Payload)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	return s.publisher.Publish(ctx, event)
}

// LogSink writes notifications to the service log
type LogSink struct {
	logger logger.Logger
}

// NewLogSink creates a log sink
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink
func (s *LogSink) Deliver(ctx context.Context, n Notification) error {
	s.logger.WithContext(ctx).Info("Migration notification",
		"event_type", n.EventType,
		"environment_id", n.EnvironmentID,
		"migration_id", n.MigrationID)
	return nil
}
