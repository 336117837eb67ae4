package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/gateway"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func limitedHandler(rpm, burst int) (*gateway.RateLimiter, *fakeClock, http.Handler) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: rpm,
		BurstSize:         burst,
	}, nil)
	clock := &fakeClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	rl.SetClock(clock.Now)
	return rl, clock, rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	_, _, h := limitedHandler(60, 3)
	for i, wantRemaining := range []string{"2", "1", "0"} {
		rec := hit(h, "/api/tasks", "ops-token")
		if rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d remaining = %q, want %q", i, got, wantRemaining)
		}
	}
	rec := hit(h, "/api/tasks", "ops-token")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Fatalf("expected X-RateLimit-Limit: 3, got %q", got)
	}
}

func TestRateLimit_RetryAfterReflectsRate(t *testing.T) {
	// Six per minute is one token every ten seconds.
	_, clock, h := limitedHandler(6, 1)
	hit(h, "/api/tasks", "slow")
	clock.Advance(4 * time.Second)
	rec := hit(h, "/api/tasks", "slow")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "6" {
		t.Fatalf("expected Retry-After: 6, got %q", got)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	_, clock, h := limitedHandler(60, 1)
	if rec := hit(h, "/api/tasks", "refill"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := hit(h, "/api/tasks", "refill"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	clock.Advance(time.Second)
	if rec := hit(h, "/api/tasks", "refill"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
	// Refill never exceeds the burst.
	clock.Advance(time.Hour)
	hit(h, "/api/tasks", "refill")
	if rec := hit(h, "/api/tasks", "refill"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("bucket grew past burst, got %d", rec.Code)
	}
}

func TestRateLimit_PerCallerIsolation(t *testing.T) {
	_, _, h := limitedHandler(60, 1)
	if rec := hit(h, "/api/tasks", "claude-hook"); rec.Code != http.StatusOK {
		t.Fatalf("claude-hook first request: %d", rec.Code)
	}
	if rec := hit(h, "/api/tasks", "claude-hook"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("claude-hook should be limited, got %d", rec.Code)
	}
	if rec := hit(h, "/api/tasks", "opencode-hook"); rec.Code != http.StatusOK {
		t.Fatalf("opencode-hook has its own bucket, got %d", rec.Code)
	}
	if rec := hit(h, "/api/tasks", ""); rec.Code != http.StatusOK {
		t.Fatalf("anonymous callers are keyed by address, got %d", rec.Code)
	}
}

func TestRateLimit_OnlyAPIRoutes(t *testing.T) {
	_, _, h := limitedHandler(60, 1)
	hit(h, "/api/tasks", "")
	if rec := hit(h, "/api/tasks", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected remote-addr bucket to be exhausted, got %d", rec.Code)
	}
	for _, path := range []string{"/healthz", "/metrics", "/ws"} {
		rec := hit(h, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s should bypass the limiter, got %d", path, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatalf("%s must not carry rate limit headers", path)
		}
	}
}

func TestRateLimit_EvictIdle(t *testing.T) {
	rl, clock, h := limitedHandler(60, 10)
	for _, key := range []string{"a", "b"} {
		hit(h, "/api/tasks", key)
	}
	clock.Advance(10 * time.Minute)
	hit(h, "/api/tasks", "c")
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}
	if n := rl.EvictIdle(5 * time.Minute); n != 2 {
		t.Fatalf("evicted %d, want the two idle buckets", n)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("recent bucket must survive, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{}, nil)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 50; i++ {
		if rec := hit(h, "/api/tasks", "x"); rec.Code != http.StatusOK {
			t.Fatalf("request %d limited while disabled: %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("disabled limiter tracked %d buckets", rl.BucketCount())
	}
}
