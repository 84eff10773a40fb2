package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solhedge/exitpilot/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// waitRetryEvery is how often Wait re-checks a saturated limiter.
const waitRetryEvery = 50 * time.Millisecond

// RateLimiter enforces sliding-window limits in Redis. The window lives in a
// sorted set per key, trimmed and counted atomically by a Lua script, so
// every process sharing the Redis instance shares one budget.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether a request for key fits under limit within the
// sliding window. An allowed request is counted against the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(key)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, nil
}

// Wait blocks until a request for key is allowed or ctx is cancelled. It
// polls Allow at a default budget of 1 request per second; callers needing
// custom limits drive Allow in their own loop.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	retry := time.NewTicker(waitRetryEvery)
	defer retry.Stop()

	for {
		allowed, err := rl.Allow(ctx, key, 1, time.Second)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-retry.C:
		}
	}
}
