package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryWindowsLifecycle(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewMemoryWindows()
	w.nowFn = func() time.Time { return now }
	ctx := context.Background()

	if err := w.Start(ctx, "checkout", "v2.3.1", "inc-1", 30*time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := w.Check(ctx, "checkout", "v2.3.1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got == nil {
		t.Fatal("expected an active window")
	}
	if got.IncidentID != "inc-1" {
		t.Fatalf("IncidentID = %q, want inc-1", got.IncidentID)
	}
	if !got.EndsAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("EndsAt = %v, want %v", got.EndsAt, now.Add(30*time.Minute))
	}

	if other, _ := w.Check(ctx, "checkout", "v2.3.0"); other != nil {
		t.Fatalf("window leaked across versions: %+v", other)
	}

	if err := w.Cancel(ctx, "checkout", "v2.3.1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got, _ := w.Check(ctx, "checkout", "v2.3.1"); got != nil {
		t.Fatal("window survived cancel")
	}
}

func TestMemoryWindowsExpireOnRead(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewMemoryWindows()
	w.nowFn = func() time.Time { return now }
	ctx := context.Background()

	if err := w.Start(ctx, "payments", "", "inc-2", 10*time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}

	now = now.Add(10*time.Minute + time.Second)
	got, err := w.Check(ctx, "payments", "")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != nil {
		t.Fatalf("expired window still returned: %+v", got)
	}

	w.mu.Lock()
	left := len(w.windows)
	w.mu.Unlock()
	if left != 0 {
		t.Fatalf("expired window not cleaned, %d left", left)
	}
}

func TestMemoryWindowsCancelMissingIsNoop(t *testing.T) {
	w := NewMemoryWindows()
	if err := w.Cancel(context.Background(), "checkout", "v1"); err != nil {
		t.Fatalf("Cancel on missing window: %v", err)
	}
}

func TestMemoryWindowsStartReplacesExisting(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewMemoryWindows()
	w.nowFn = func() time.Time { return now }
	ctx := context.Background()

	if err := w.Start(ctx, "checkout", "v2", "inc-1", 10*time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(ctx, "checkout", "v2", "inc-2", 20*time.Minute); err != nil {
		t.Fatalf("Start again: %v", err)
	}

	got, err := w.Check(ctx, "checkout", "v2")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got == nil || got.IncidentID != "inc-2" {
		t.Fatalf("window = %+v, want inc-2's", got)
	}
	if !got.EndsAt.Equal(now.Add(20 * time.Minute)) {
		t.Fatalf("EndsAt = %v, want %v", got.EndsAt, now.Add(20*time.Minute))
	}
}

// TestRedisWindowsLifecycle needs a local redis; it is skipped otherwise.
func TestRedisWindowsLifecycle(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, windowKey("checkout", "v9-test"))
		client.Close()
	})

	w := NewRedisWindows(client)
	if err := w.Start(ctx, "checkout", "v9-test", "inc-9", time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := w.Check(ctx, "checkout", "v9-test")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got == nil || got.IncidentID != "inc-9" {
		t.Fatalf("window = %+v, want inc-9's", got)
	}

	ttl, err := client.TTL(ctx, windowKey("checkout", "v9-test")).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= time.Minute || ttl > time.Minute+windowTTLBuffer {
		t.Fatalf("TTL = %v, want within (1m, 1m+buffer]", ttl)
	}

	if err := w.Cancel(ctx, "checkout", "v9-test"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got, _ := w.Check(ctx, "checkout", "v9-test"); got != nil {
		t.Fatal("window survived cancel")
	}
}
