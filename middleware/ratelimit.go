package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// PerKeyLimiter rate-limits by an arbitrary key (agent id, tenant id).
// This is purely ambient protection against a misbehaving agent hammering
// poll/heartbeat; it never gates task admission itself.
type PerKeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewPerKeyLimiter(r float64, b int) *PerKeyLimiter {
	return &PerKeyLimiter{limiters: make(map[string]*rate.Limiter), r: rate.Limit(r), b: b}
}

func (l *PerKeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim.Allow()
}

// RateLimit limits requests keyed by the value keyFunc extracts (e.g. an
// agent id path segment); requests with an empty key are never limited.
func RateLimit(limiter *PerKeyLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key != "" && !limiter.Allow(key) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
