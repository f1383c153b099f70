package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// KeyFunc derives the rate limit bucket key for a request
type KeyFunc func(c echo.Context) (string, error)

// Limiter is a fixed-window request limiter backed by redis, shared
// across API instances
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewLimiter creates a limiter allowing limit requests per window.
// Non-positive windows are coerced to one second.
func NewLimiter(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
	}
}

// Allow reports whether one more request fits into the current window
// for the given key
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	// Bucket index in window-sized steps; nanosecond division keeps
	// sub-second windows valid
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().UnixNano()/int64(l.window))

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return count.Val() <= int64(l.limit), nil
}

// Middleware returns an echo middleware enforcing the limit per key.
// Redis unavailability fails open: throttling is protective, not a
// correctness requirement.
func (l *Limiter) Middleware(keyFn KeyFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key, err := keyFn(c)
			if err != nil {
				return err
			}

			allowed, err := l.Allow(c.Request().Context(), key)
			if err != nil {
				log.Printf("Rate limiter unavailable, failing open: %v", err)
				return next(c)
			}

			if !allowed {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			return next(c)
		}
	}
}
