package normalizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSuppression implements SuppressionStore on Redis so deduplication
// holds across replicas.
type RedisSuppression struct {
	redis *redis.Client
}

// NewRedisSuppression creates a Redis-backed suppression store.
func NewRedisSuppression(redis *redis.Client) *RedisSuppression {
	return &RedisSuppression{redis: redis}
}

func (s *RedisSuppression) FirstSeen(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	if s.redis == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	key := fmt.Sprintf("suppress:%s", fingerprint)
	first, err := s.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark suppression window: %w", err)
	}
	return first, nil
}

// MemorySuppression is the in-process SuppressionStore used in tests and when
// Redis is not configured.
type MemorySuppression struct {
	mu      sync.Mutex
	expires map[string]time.Time
	nowFn   func() time.Time
}

// NewMemorySuppression creates an in-memory suppression store.
func NewMemorySuppression() *MemorySuppression {
	return &MemorySuppression{
		expires: make(map[string]time.Time),
		nowFn:   time.Now,
	}
}

func (s *MemorySuppression) FirstSeen(_ context.Context, fingerprint string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if until, ok := s.expires[fingerprint]; ok && now.Before(until) {
		return false, nil
	}
	s.expires[fingerprint] = now.Add(window)
	return true, nil
}
