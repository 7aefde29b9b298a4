// Package guard serializes mutating operations per environment with a
// distributed lock. The orchestrators themselves do not coordinate
// concurrent calls against the same environment.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/cache"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

// ErrEnvironmentLocked is returned when another operation holds the environment
var ErrEnvironmentLocked = errors.New("environment is locked by another migration")

// DefaultTTL bounds how long a crashed holder keeps an environment locked
const DefaultTTL = 15 * time.Minute

// Locker hands out locks
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*cache.Lock, bool, error)
}

// Guard runs functions while holding an environment's lock
type Guard struct {
	locker Locker
	ttl    time.Duration
	logger logger.Logger
}

// New creates a guard. A zero ttl uses DefaultTTL.
func New(locker Locker, ttl time.Duration, log logger.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Guard{locker: locker, ttl: ttl, logger: log}
}

// Do runs fn while holding the lock of environmentID. The lock is refreshed
// until fn returns and released afterwards.
func (g *Guard) Do(ctx context.Context, environmentID string, fn func(ctx context.Context) error) error {
	key := "environment:" + environmentID
	lock, ok, err := g.locker.TryAcquire(ctx, key, g.ttl)
	if err != nil {
		return fmt.Errorf("failed to lock environment %s: %w", environmentID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEnvironmentLocked, environmentID)
	}

	done := make(chan struct{})
	go g.keepAlive(ctx, lock, environmentID, done)

	defer func() {
		close(done)
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("Failed to release environment lock", "environment_id", environmentID, "error", err)
		}
	}()

	return fn(ctx)
}

func (g *Guard) keepAlive(ctx context.Context, lock *cache.Lock, environmentID string, done <-chan struct{}) {
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, g.ttl); err != nil {
				g.logger.Warn("Lost environment lock", "environment_id", environmentID, "error", err)
				return
			}
		}
	}
}

// lockFailure turns a lock error into the failed result of the first migration
func lockFailure(environmentID, migrationID string, direction model.Direction, err error) model.ExecutionResult {
	now := time.Now()
	return model.NewFailedResult(model.ResultInput{
		MigrationID:   migrationID,
		EnvironmentID: environmentID,
		Direction:     direction,
		StartedAt:     now,
		CompletedAt:   now,
	}, err)
}
