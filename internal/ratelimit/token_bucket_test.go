package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "user:1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "user:1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "user:1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("retry after should be within one refill period, got %s", d.RetryAfter)
	}

	// buckets are per key
	d, _ = bucket.Allow(ctx, "user:2")
	if !d.Allowed {
		t.Fatalf("other key must have its own bucket")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 2)
	clock := time.Now()
	// the script takes time from the caller, so advance the caller's clock
	bucket.now = func() time.Time { return clock }

	if d, _ := bucket.Allow(ctx, "k"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "k"); d.Allowed {
		t.Fatalf("expected empty bucket")
	}
	clock = clock.Add(600 * time.Millisecond)
	if d, _ := bucket.Allow(ctx, "k"); !d.Allowed {
		t.Fatalf("expected a token after refill, got %+v", d)
	}
}

func TestMiddlewareRejectsAndFailsOpen(t *testing.T) {
	bucket, mr := newBucket(t, 1, 0.01)
	var rejected time.Duration
	h := Middleware(bucket, ClientIP, func(w http.ResponseWriter, _ *http.Request, retry time.Duration) {
		rejected = retry
		w.WriteHeader(http.StatusTooManyRequests)
	}, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/users/jobs", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(); code != http.StatusNoContent {
		t.Fatalf("first request: got %d", code)
	}
	if code := call(); code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", code)
	}
	if rejected <= 0 {
		t.Fatalf("reject callback should get a positive retry-after")
	}

	mr.Close()
	if code := call(); code != http.StatusNoContent {
		t.Fatalf("limiter outage must admit, got %d", code)
	}
}
