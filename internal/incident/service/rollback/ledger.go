package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Ledger counts executed automatic rollbacks per service so the engine can
// force approval once a service thrashes.
type Ledger interface {
	RecordRollback(ctx context.Context, service string, at time.Time) error
	CountSince(ctx context.Context, service string, since time.Time) (int, error)
}

// RedisLedger keeps one sorted set per service, scored by execution time.
type RedisLedger struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisLedger creates a ledger pruning entries older than retention.
func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisLedger{client: client, retention: retention}
}

func ledgerKey(service string) string {
	return fmt.Sprintf("rollback:ledger:%s", service)
}

func (l *RedisLedger) RecordRollback(ctx context.Context, service string, at time.Time) error {
	if l.client == nil {
		return fmt.Errorf("redis client is not configured")
	}
	key := ledgerKey(service)
	err := l.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.Unix()),
		Member: uuid.NewString(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record rollback for %s: %w", service, err)
	}

	cutoff := at.Add(-l.retention).Unix()
	if err := l.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return fmt.Errorf("failed to prune rollback ledger for %s: %w", service, err)
	}
	if err := l.client.Expire(ctx, key, l.retention+time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to expire rollback ledger for %s: %w", service, err)
	}
	return nil
}

func (l *RedisLedger) CountSince(ctx context.Context, service string, since time.Time) (int, error) {
	if l.client == nil {
		return 0, fmt.Errorf("redis client is not configured")
	}
	n, err := l.client.ZCount(ctx, ledgerKey(service), fmt.Sprintf("%d", since.Unix()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count rollbacks for %s: %w", service, err)
	}
	return int(n), nil
}

// MemoryLedger is the in-process ledger used in tests and when Redis is not
// configured.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string][]time.Time)}
}

func (l *MemoryLedger) RecordRollback(_ context.Context, service string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[service] = append(l.entries[service], at)
	return nil
}

func (l *MemoryLedger) CountSince(_ context.Context, service string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, at := range l.entries[service] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}
