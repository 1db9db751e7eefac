package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), rdb, ctx
}

func TestAllow_UnderLimit(t *testing.T) {
	limiter, _, ctx := newTestLimiter(t)

	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	for i := 0; i < rule.Limit; i++ {
		ok, err := limiter.Allow(ctx, "alice", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	limiter, _, ctx := newTestLimiter(t)

	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}
	limiter.Allow(ctx, "alice", rule)
	limiter.Allow(ctx, "alice", rule)

	ok, err := limiter.Allow(ctx, "alice", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Error("request over the limit should be denied")
	}
}

func TestAllow_PerIdentifier(t *testing.T) {
	limiter, _, ctx := newTestLimiter(t)

	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}
	limiter.Allow(ctx, "alice", rule)

	ok, err := limiter.Allow(ctx, "bob", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !ok {
		t.Error("a different identifier must have its own counter")
	}
}

func TestAllow_WindowExpirySet(t *testing.T) {
	limiter, rdb, ctx := newTestLimiter(t)

	rule := Rule{Key: "rl:test:", Limit: 5, Window: 30 * time.Second}
	limiter.Allow(ctx, "alice", rule)

	ttl, err := rdb.TTL(ctx, rule.Key+"alice").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > rule.Window {
		t.Errorf("expected TTL in (0, %v], got %v", rule.Window, ttl)
	}

	// Subsequent increments must not reset the window.
	limiter.Allow(ctx, "alice", rule)
	ttl2, err := rdb.TTL(ctx, rule.Key+"alice").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl2 > ttl {
		t.Errorf("window must not slide: %v > %v", ttl2, ttl)
	}
}
