package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release gives up a held lease. Releasing an already lapsed lease is a no-op.
type Release func(ctx context.Context) error

// Lease grants exclusive, time-bounded ownership of a named job so only one
// replica runs it at a time.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Release, bool, error)
}

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLease holds leases as Redis keys set with NX and a millisecond expiry.
type RedisLease struct {
	client *redis.Client
	prefix string
}

// RedisConfig describes the Redis deployment backing the lease.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisLease connects to Redis and verifies the connection.
func NewRedisLease(ctx context.Context, cfg RedisConfig) (*RedisLease, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("lease: redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lease: connect redis: %w", err)
	}
	return NewRedisLeaseFromClient(client, cfg.Prefix), nil
}

// NewRedisLeaseFromClient wraps an existing client.
func NewRedisLeaseFromClient(client *redis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "rewardsd:lease:"
	}
	return &RedisLease{client: client, prefix: prefix}
}

// Acquire sets the lease key if absent. ok is false when another holder owns it.
func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (Release, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lease: ttl must be positive")
	}
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("lease: release %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

// Close closes the underlying client.
func (l *RedisLease) Close() error {
	return l.client.Close()
}

// LocalLease serialises jobs within a single process.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLease constructs an in-process lease.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]time.Time), now: time.Now}
}

// Acquire grants the lease unless an unexpired holder exists in this process.
func (l *LocalLease) Acquire(_ context.Context, name string, ttl time.Duration) (Release, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lease: ttl must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.held[name] = until
	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.held[name]; ok && current.Equal(until) {
			delete(l.held, name)
		}
		return nil
	}
	return release, true, nil
}
