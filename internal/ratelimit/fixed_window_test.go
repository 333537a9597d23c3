package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, cfg Config) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	limiter, err := New(redis.NewClient(&redis.Options{Addr: srv.Addr()}), cfg)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, srv
}

func TestFixedWindowLimiterBlocksAfterLimit(t *testing.T) {
	limiter, _ := newLimiter(t, Config{Limit: 2, Window: time.Minute, Prefix: "test:analyze"})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(ctx, "doc_1"); !ok {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	ok, retryAfter := limiter.Allow(ctx, "doc_1")
	if ok {
		t.Fatalf("third request should be blocked")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retry after = %v", retryAfter)
	}
	if ok, _ := limiter.Allow(ctx, "doc_2"); !ok {
		t.Fatalf("other key should pass")
	}
}

func TestFixedWindowLimiterFailureMode(t *testing.T) {
	closed, srv := newLimiter(t, Config{Limit: 1, Window: time.Second})
	srv.Close()
	if ok, _ := closed.Allow(context.Background(), "doc_1"); ok {
		t.Fatalf("limiter should fail closed by default")
	}

	open, srv2 := newLimiter(t, Config{Limit: 1, Window: time.Second, FailOpen: true})
	srv2.Close()
	if ok, _ := open.Allow(context.Background(), "doc_1"); !ok {
		t.Fatalf("fail-open limiter should allow on redis errors")
	}
}

func TestNewRequiresClientAndLimits(t *testing.T) {
	if _, err := New(nil, Config{Limit: 1, Window: time.Second}); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{}); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
