package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const RateLimitKeyPrefix = "webhook:retry:rate:"

// RateLimiter is a fixed-window counter in Redis, so the budget is shared by
// every worker process.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: int64(limit), window: window, now: time.Now}
}

// Allow takes one slot from the current window. When the window is full it
// returns false and the time until the next window opens.
func (r *RateLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := r.now()
	windowStart := now.Truncate(r.window)
	key := fmt.Sprintf("%s%d", RateLimitKeyPrefix, windowStart.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}
	if incr.Val() > r.limit {
		return false, windowStart.Add(r.window).Sub(now), nil
	}
	return true, 0, nil
}
