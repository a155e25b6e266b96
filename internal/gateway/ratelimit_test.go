package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/helpline/internal/config"
)

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	tb := NewTokenBucket(60, 2) // 1 token/sec, burst 2

	if !tb.Allow() || !tb.Allow() {
		t.Fatal("burst tokens should be available")
	}
	if tb.Allow() {
		t.Fatal("bucket should be empty after burst")
	}

	time.Sleep(1100 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket should refill about one token per second")
	}
}

func TestRateLimitMiddlewareThrottles(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		BurstSize:         1,
	})
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be throttled, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("throttled response should carry Retry-After")
	}
}

func TestRateLimitSkipsHealthz(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		BurstSize:         1,
	})
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d throttled", i)
		}
	}
}

func TestRateLimitBucketsPerCredential(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		BurstSize:         1,
	})
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest("GET", "/api/sessions", nil)
	first.Header.Set("X-API-Key", "key-a")
	second := httptest.NewRequest("GET", "/api/sessions", nil)
	second.Header.Set("X-API-Key", "key-b")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("key-a first request failed: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	if rec.Code != http.StatusOK {
		t.Fatalf("key-b should have its own bucket, got %d", rec.Code)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.BucketCount())
	}
}

func TestEvictStaleBuckets(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true})
	rl.getBucket("old-key")

	time.Sleep(20 * time.Millisecond)
	rl.EvictStale(10 * time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("stale bucket survived eviction, count=%d", rl.BucketCount())
	}
}
