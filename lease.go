package jobengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseTable tracks which dispatch tokens are held by a live consumer.
// A lease expires unless renewed within its TTL, so a crashed worker's
// tokens go dead on their own.
type LeaseTable interface {
	Acquire(ctx context.Context, token string) error
	Renew(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
	Alive(ctx context.Context, token string) (bool, error)
}

// MemoryLeases is an in-process LeaseTable.
type MemoryLeases struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryLeases creates an in-process lease table with the given TTL.
func NewMemoryLeases(ttl time.Duration) *MemoryLeases {
	return &MemoryLeases{
		ttl:    ttl,
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryLeases) Acquire(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases[token] = l.now().Add(l.ttl)
	return nil
}

func (l *MemoryLeases) Renew(ctx context.Context, token string) error {
	return l.Acquire(ctx, token)
}

func (l *MemoryLeases) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, token)
	return nil
}

func (l *MemoryLeases) Alive(_ context.Context, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiresAt, ok := l.leases[token]
	if !ok {
		return false, nil
	}
	if !l.now().Before(expiresAt) {
		delete(l.leases, token)
		return false, nil
	}
	return true, nil
}

// RedisLeases keeps leases as expiring Redis keys, so every worker and the
// sweep see the same table.
type RedisLeases struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisLeases creates a Redis-backed lease table. Keys are
// "<prefix>:lease:<token>".
func NewRedisLeases(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLeases {
	return &RedisLeases{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLeases) key(token string) string {
	return fmt.Sprintf("%s:lease:%s", l.prefix, token)
}

func (l *RedisLeases) Acquire(ctx context.Context, token string) error {
	if err := l.client.Set(ctx, l.key(token), "1", l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	return nil
}

func (l *RedisLeases) Renew(ctx context.Context, token string) error {
	ok, err := l.client.Expire(ctx, l.key(token), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if !ok {
		// Expired between heartbeats; take it again.
		return l.Acquire(ctx, token)
	}
	return nil
}

func (l *RedisLeases) Release(ctx context.Context, token string) error {
	if err := l.client.Del(ctx, l.key(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (l *RedisLeases) Alive(ctx context.Context, token string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lease: %w", err)
	}
	return n == 1, nil
}
