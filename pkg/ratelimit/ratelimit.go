// Package ratelimit implements a best-effort sliding window counter on Redis.
//
// Algorithm: https://blog.cloudflare.com/counting-things-a-lot-of-different-things/
//
// Each key is counted in fixed windows. The usage of the sliding window ending now is
// estimated from the current window and the previous one, weighted by the share of the
// previous window that still overlaps the sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Estimate returns the estimated usage of the sliding window ending elapsed into the current window.
func Estimate(prev, cur int64, elapsed, window time.Duration) float64 {
	if window <= 0 {
		return float64(cur)
	}
	offset := 1.0 - float64(elapsed)/float64(window)
	if offset < 0 {
		offset = 0
	}
	return offset*float64(prev) + float64(cur)
}

// WindowStart returns the start of the fixed window of the given size containing t.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed bool
	Used    int64     // estimated usage including this request if allowed
	ResetAt time.Time // end of the current fixed window
}

// Sliding counts events per key in Redis.
type Sliding struct {
	// Required components
	Redis *redis.Client
	// Required config
	Prefix string
}

// Keys returns the counters of the window containing now and the window before it.
func (s *Sliding) Keys(key string, window time.Duration, now time.Time) (cur, prev string) {
	start := WindowStart(now, window)
	cur = fmt.Sprintf("%s%s:%d", s.Prefix, key, start.Unix())
	prev = fmt.Sprintf("%s%s:%d", s.Prefix, key, start.Add(-window).Unix())
	return
}

// Allow counts one event for key unless the estimated usage already reached limit.
func (s *Sliding) Allow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (*Result, error) {
	// Script: Count an event if the sliding estimate is below the limit.
	// Argument 1: Limit
	// Argument 2: Weight of the previous window
	// Argument 3: Counter TTL (ms)
	// Key 1: Current window counter
	// Key 2: Previous window counter
	// Returns {allowed (0 or 1), estimated usage}.
	const allowScript = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local prev = tonumber(redis.call("GET", KEYS[2]) or "0")
local used = math.floor(prev * tonumber(ARGV[2])) + cur
if used >= tonumber(ARGV[1]) then
	return {0, used}
end
redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {1, used + 1}
`
	start := WindowStart(now, window)
	end := start.Add(window)
	weight := 1.0 - float64(now.Sub(start))/float64(window)
	cur, prev := s.Keys(key, window, now)
	res, err := s.Redis.Eval(ctx, allowScript, []string{cur, prev},
		limit, strconv.FormatFloat(weight, 'f', 6, 64), end.Add(window).Sub(now).Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count sliding window: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("invalid sliding window result: %#v", res)
	}
	allowed, _ := parts[0].(int64)
	used, _ := parts[1].(int64)
	return &Result{
		Allowed: allowed == 1,
		Used:    used,
		ResetAt: end,
	}, nil
}

// Remaining returns how many more events fit under limit.
func (r *Result) Remaining(limit int64) int64 {
	return int64(math.Max(0, float64(limit-r.Used)))
}
