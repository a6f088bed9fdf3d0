package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides simple in-memory per-source rate limiting for webhook
// endpoints. It bounds request bursts from a single IP without taking any
// dependency on shared storage.
type RateLimiter struct {
	mu       sync.Mutex
	sources  map[string]*window
	limit    int
	interval time.Duration
	seen     int // request counter driving periodic cleanup
}

type window struct {
	count   int
	resetAt time.Time
}

const cleanupEvery = 128

// NewRateLimiter creates a limiter allowing limit requests per interval per source.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		sources:  make(map[string]*window),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) allow(source string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	rl.seen++
	if rl.seen%cleanupEvery == 0 {
		for s, w := range rl.sources {
			if now.After(w.resetAt) {
				delete(rl.sources, s)
			}
		}
	}

	w, ok := rl.sources[source]
	if !ok || now.After(w.resetAt) {
		rl.sources[source] = &window{count: 1, resetAt: now.Add(rl.interval)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Middleware wraps an HTTP handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP, preferring the first X-Forwarded-For entry
// set by the load balancer, falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
