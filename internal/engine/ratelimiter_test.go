package engine

import (
	"context"
	"testing"
	"time"
)

func setupTestRL(t *testing.T) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := newTestRedis(t)
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(client, testLogger())
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_Window(t *testing.T) {
	rl, now := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !rl.Allow(ctx, "sub-1", 3) {
			t.Fatalf("attempt %d should be allowed (limit=3)", i+1)
		}
	}
	if rl.Allow(ctx, "sub-1", 3) {
		t.Error("fourth attempt in the same window should be limited")
	}

	*now = now.Add(RateLimitWindow + time.Millisecond)
	if !rl.Allow(ctx, "sub-1", 3) {
		t.Error("attempt after the window slid should be allowed")
	}
}

func TestRateLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !rl.Allow(ctx, "sub-1", 0) {
			t.Fatalf("attempt %d should be allowed with limit=0", i+1)
		}
	}
}

func TestRateLimiter_IsolationBetweenSubscriptions(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	rl.Allow(ctx, "sub-1", 1)
	if rl.Allow(ctx, "sub-1", 1) {
		t.Error("sub-1 should be limited")
	}
	if !rl.Allow(ctx, "sub-2", 1) {
		t.Error("sub-2 should be allowed, limits are per subscription")
	}
}
