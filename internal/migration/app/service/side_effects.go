package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

// bestEffort runs a side effect whose failure must not change the outcome of
// the operation. Errors and panics are logged and dropped.
func bestEffort(ctx context.Context, log logger.Logger, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("best-effort side effect panicked", "side_effect", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		log.Warn("best-effort side effect failed", "side_effect", name, "error", err)
	}
}

// audit writes an entry to the sink, best effort
func audit(ctx context.Context, log logger.Logger, sink AuditSink, entry model.AuditEntry) {
	if sink == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	bestEffort(ctx, log, "audit", func(ctx context.Context) error {
		return sink.Log(ctx, entry)
	})
}

// publish emits a domain event, best effort
func publish(ctx context.Context, log logger.Logger, publisher EventPublisher, envID, migrationID string, payload interface{}) {
	if publisher == nil {
		return
	}
	bestEffort(ctx, log, "publish "+events.GetEventType(payload), func(ctx context.Context) error {
		event, err := events.NewMigrationEvent(envID, migrationID, payload)
		if err != nil {
			return err
		}
		return publisher.Publish(ctx, event)
	})
}

// classify keeps domain errors as they are and wraps everything else
func classify(ctx context.Context, migrationID string, err error) error {
	if err == nil {
		return nil
	}
	if model.IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return model.NewCancelledError(migrationID, "operation cancelled", err)
	}
	return model.NewExecutionFailure(migrationID, err)
}

// checkCancelled is the cooperative cancellation point between phases
func checkCancelled(ctx context.Context, migrationID string) error {
	if err := ctx.Err(); err != nil {
		return model.NewCancelledError(migrationID, "operation cancelled", err)
	}
	return nil
}

func resolveEnvironment(ctx context.Context, resolver EnvironmentResolver, environmentID string) (model.Environment, error) {
	if resolver == nil {
		return model.Environment{ID: environmentID, Name: environmentID, Driver: model.DriverPostgres}, nil
	}
	env, err := resolver.Environment(ctx, environmentID)
	if err != nil {
		return model.Environment{}, fmt.Errorf("failed to resolve environment %s: %w", environmentID, err)
	}
	return env, nil
}

func statusOf(err error) string {
	if err == nil {
		return "succeeded"
	}
	if kind := model.KindOf(err); kind != "" {
		return string(kind)
	}
	return "failed"
}
