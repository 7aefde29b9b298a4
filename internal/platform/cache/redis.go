package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow-ai/migrator/internal/platform/config"
)

// NewClient creates a Redis client and checks the connection
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// HealthCheck pings Redis
func HealthCheck(client redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
		return nil
	}
}

// ErrLockNotHeld is returned when refreshing a lock that expired or was taken over
var ErrLockNotHeld = errors.New("lock not held")

// Only delete or extend the key when it still carries our token
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Locker hands out token-checked Redis locks
type Locker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewLocker creates a locker. Keys are stored as "<prefix>:lock:<key>".
func NewLocker(client redis.UniversalClient, keyPrefix string) *Locker {
	return &Locker{client: client, keyPrefix: keyPrefix}
}

// Lock is a held lock
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
}

// TryAcquire takes the lock if it is free. It does not wait.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	lock := &Lock{
		client: l.client,
		key:    l.buildKey(key),
		token:  uuid.New().String(),
	}

	ok, err := l.client.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return lock, true, nil
}

// Holder returns the token currently holding key, or "" when free
func (l *Locker) Holder(ctx context.Context, key string) (string, error) {
	token, err := l.client.Get(ctx, l.buildKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	return token, nil
}

func (l *Locker) buildKey(key string) string {
	if l.keyPrefix != "" {
		return fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	}
	return "lock:" + key
}

// Token identifies this holder
func (l *Lock) Token() string {
	return l.token
}

// Refresh extends the lock
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Release deletes the lock if it is still ours. Calling it more than once is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
