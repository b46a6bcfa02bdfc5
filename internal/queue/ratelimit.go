package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateWindow = time.Hour

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts asks per principal in fixed hourly windows. A limit of
// zero or less disables it.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, principal string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	key, resetAt := windowKey(principal, now)
	if r.limit <= 0 {
		return true, 0, resetAt, nil
	}
	ttl := int64(resetAt.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	used, err = incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return used <= r.limit, used, resetAt, nil
}

// Remaining reports how many asks the principal has left in the current
// window without consuming one. It returns -1 when the limiter is disabled.
func (r *RateLimiter) Remaining(ctx context.Context, principal string, now time.Time) (int64, time.Time, error) {
	key, resetAt := windowKey(principal, now)
	if r.limit <= 0 {
		return -1, resetAt, nil
	}
	used, err := r.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return r.limit, resetAt, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("read rate window: %w", err)
	}
	return max(r.limit-used, 0), resetAt, nil
}

func windowKey(principal string, now time.Time) (string, time.Time) {
	start := now.UTC().Truncate(rateWindow)
	return fmt.Sprintf("polychat:ratelimit:%s:%s", principal, start.Format("2006010215")), start.Add(rateWindow)
}
