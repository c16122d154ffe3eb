package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key. Buckets idle for longer
// than ttl are dropped.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time

	// KeyFunc picks the bucket for a request. Defaults to the client IP.
	KeyFunc func(c echo.Context) string
}

func NewRateLimiter(limit rate.Limit, burst int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*rateEntry),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if l.KeyFunc != nil {
				key = l.KeyFunc(c)
			}
			if !l.Allow(key) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}

func (l *RateLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		l.evict(now)
		entry = &rateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (l *RateLimiter) evict(now time.Time) {
	if l.ttl == 0 {
		return
	}
	cutoff := now.Add(-l.ttl)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}
