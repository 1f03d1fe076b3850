package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock serializes rollback execution per service. Acquire reports ok=false
// when another rollback holds the lock; the caller defers, never queues.
type Lock interface {
	Acquire(ctx context.Context, service string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLock implements Lock with SET NX and a holder token so a release
// cannot drop a lock the holder lost to TTL expiry.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func lockKey(service string) string {
	return fmt.Sprintf("rollback:lock:%s", service)
}

func (l *RedisLock) Acquire(ctx context.Context, service string, ttl time.Duration) (func(), bool, error) {
	if l.client == nil {
		return nil, false, fmt.Errorf("redis client is not configured")
	}
	key := lockKey(service)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire rollback lock for %s: %w", service, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Release runs even when the acquiring context is done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		val, err := l.client.Get(rctx, key).Result()
		if err != nil || val != token {
			return
		}
		l.client.Del(rctx, key)
	}
	return release, true, nil
}

// MemoryLock is the in-process lock used in tests and when Redis is not
// configured.
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]time.Time), nowFn: time.Now}
}

func (l *MemoryLock) Acquire(_ context.Context, service string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if expiry, ok := l.held[service]; ok && now.Before(expiry) {
		return nil, false, nil
	}
	l.held[service] = now.Add(ttl)

	release := func() {
		l.mu.Lock()
		delete(l.held, service)
		l.mu.Unlock()
	}
	return release, true, nil
}
