package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts limiters for keys that have been quiet this long.
	IdleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per key.
type limiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	cfg     RateLimitConfig
	now     func() time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &limiterStore{
		entries: make(map[string]*limiterEntry),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.entries[key] = e
		s.evictLocked(now)
	}
	e.lastSeen = now
	return e.limiter
}

func (s *limiterStore) evictLocked(now time.Time) {
	for k, e := range s.entries {
		if now.Sub(e.lastSeen) > s.cfg.IdleTTL {
			delete(s.entries, k)
		}
	}
}

// RateLimitKey chooses the bucket a request draws from.
type RateLimitKey func(c echo.Context) string

// TenantUserKey limits per tenant and user, falling back to the client IP.
func TenantUserKey(c echo.Context) string {
	tenant, _ := c.Get("tenant_id").(string)
	if user, ok := c.Get("user_id").(string); ok && user != "" {
		return tenant + ":" + user
	}
	return tenant + ":" + c.RealIP()
}

// RateLimit rejects requests over the configured rate with 429 and a
// Retry-After hint.
func RateLimit(cfg RateLimitConfig, key RateLimitKey) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim := store.get(key(c))
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)

			r := lim.Reserve()
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
