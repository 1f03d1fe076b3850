package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// windowTTLBuffer keeps the Redis record briefly past its end so a late
// checker observes the expiry instead of a missing key.
const windowTTLBuffer = 5 * time.Minute

func windowKey(service, version string) string {
	return fmt.Sprintf("observation:%s:%s", service, version)
}

// RedisWindows stores observation windows in Redis so every process instance
// sees the same monitoring state.
type RedisWindows struct {
	client *redis.Client
	nowFn  func() time.Time
}

func NewRedisWindows(client *redis.Client) *RedisWindows {
	return &RedisWindows{client: client, nowFn: time.Now}
}

func (w *RedisWindows) Start(ctx context.Context, service, version, incidentID string, duration time.Duration) error {
	if w.client == nil {
		return fmt.Errorf("redis client is not configured")
	}

	now := w.nowFn().UTC()
	window := Window{
		Service:    service,
		Version:    version,
		IncidentID: incidentID,
		StartedAt:  now,
		EndsAt:     now.Add(duration),
		Duration:   duration,
	}
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("failed to marshal observation window: %w", err)
	}

	if err := w.client.Set(ctx, windowKey(service, version), data, duration+windowTTLBuffer).Err(); err != nil {
		return fmt.Errorf("failed to store observation window: %w", err)
	}

	log.Info().
		Str("service", service).
		Str("version", version).
		Str("incident_id", incidentID).
		Dur("duration", duration).
		Time("ends_at", window.EndsAt).
		Msg("observation window started")
	return nil
}

func (w *RedisWindows) Check(ctx context.Context, service, version string) (*Window, error) {
	if w.client == nil {
		return nil, fmt.Errorf("redis client is not configured")
	}

	key := windowKey(service, version)
	data, err := w.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read observation window: %w", err)
	}

	var window Window
	if err := json.Unmarshal([]byte(data), &window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation window: %w", err)
	}
	if w.nowFn().After(window.EndsAt) {
		w.client.Del(ctx, key)
		return nil, nil
	}
	return &window, nil
}

func (w *RedisWindows) Cancel(ctx context.Context, service, version string) error {
	if w.client == nil {
		return fmt.Errorf("redis client is not configured")
	}
	if err := w.client.Del(ctx, windowKey(service, version)).Err(); err != nil {
		return fmt.Errorf("failed to cancel observation window: %w", err)
	}
	return nil
}

// MemoryWindows is the in-process twin used in tests and when Redis is not
// configured.
type MemoryWindows struct {
	mu      sync.Mutex
	windows map[string]Window
	nowFn   func() time.Time
}

func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{windows: make(map[string]Window), nowFn: time.Now}
}

func (w *MemoryWindows) Start(_ context.Context, service, version, incidentID string, duration time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFn().UTC()
	w.windows[windowKey(service, version)] = Window{
		Service:    service,
		Version:    version,
		IncidentID: incidentID,
		StartedAt:  now,
		EndsAt:     now.Add(duration),
		Duration:   duration,
	}
	return nil
}

func (w *MemoryWindows) Check(_ context.Context, service, version string) (*Window, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := windowKey(service, version)
	window, ok := w.windows[key]
	if !ok {
		return nil, nil
	}
	if w.nowFn().After(window.EndsAt) {
		delete(w.windows, key)
		return nil, nil
	}
	cp := window
	return &cp, nil
}

func (w *MemoryWindows) Cancel(_ context.Context, service, version string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.windows, windowKey(service, version))
	return nil
}
