package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/config"
)

const (
	defaultRequestsPerMinute = 60
	defaultBurst             = 10
)

// bucket is one caller's token bucket. Guarded by RateLimiter.mu.
type bucket struct {
	tokens float64
	last   time.Time
}

// RateLimiter enforces a per-caller token bucket on /api/ routes. Callers
// are keyed by a hash of their bearer token, or by remote IP when they sent
// none, so agent hooks sharing a host with the operator get separate
// budgets.
type RateLimiter struct {
	enabled bool
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{
		enabled: cfg.Enabled,
		rate:    float64(rpm) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// SetClock replaces the time source. Tests only.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// take spends one token for key. On refusal wait is how long until a token
// is available.
func (rl *RateLimiter) take(key string) (ok bool, remaining int, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(rl.burst, b.tokens+elapsed*rl.rate)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	deficit := 1 - b.tokens
	return false, 0, time.Duration(deficit / rl.rate * float64(time.Second))
}

// StartEviction drops idle buckets every interval until ctx ends.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxIdle time.Duration) {
	if !rl.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictIdle(maxIdle)
			}
		}
	}()
}

// EvictIdle removes buckets unused for longer than maxIdle. A bucket idle
// that long has refilled anyway, so dropping it loses nothing.
func (rl *RateLimiter) EvictIdle(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	evicted := 0
	for key, b := range rl.buckets {
		if !b.last.After(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	limit := strconv.Itoa(int(rl.burst))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		ok, remaining, wait := rl.take(callerKey(r))
		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
