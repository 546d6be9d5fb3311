// Package quota enforces tier-based usage ceilings per subject, resource and time window.
//
// Calendar windows
//
// Usage of a calendar window is counted in Redis under
// <prefix><resource>:<subject>:<window ID>, expiring at the end of the window.
// Every allowed use is also written as a durable usage record,
// and on a cache miss (cold start, eviction) the count is rebuilt from those records.
// Checking and incrementing an existing counter is a single Lua script,
// but rebuilding a counter races with concurrent consumers,
// so enforcement is best-effort and may overshoot slightly under bursts.
//
// Sliding windows
//
// Sliding windows are estimated from two adjacent fixed windows (see package ratelimit).
// They have no durable backing.
//
// Tiers
//
// The ceiling is selected by the subject's effective tier.
// Subjects without subscription, or with a status other than ACTIVE or TRIALING, are FREE.
package quota

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/jobgate/pkg/cachegc"
	"go.od2.network/jobgate/pkg/ratelimit"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap"
)

// Repository is the durable source of truth of usage and subscriptions.
type Repository interface {
	// CountForWindow counts usage of a resource by a subject in [start, end).
	CountForWindow(ctx context.Context, subjectID, resource string, start, end time.Time) (int64, error)
	// RecordUsage durably stores one consumption.
	RecordUsage(ctx context.Context, subjectID, resource string, at time.Time) error
	// ReleaseUsage deletes the latest consumption in [start, end), reporting whether one existed.
	ReleaseUsage(ctx context.Context, subjectID, resource string, start, end time.Time) (bool, error)
	// GetSubscription returns store.ErrNotFound if the subject never subscribed.
	GetSubscription(ctx context.Context, subjectID string) (*types.Subscription, error)
}

// Service checks and consumes quotas.
// It is safe for concurrent use.
type Service struct {
	// Required components
	Redis *redis.Client
	Repo  Repository
	Log   *zap.Logger
	// Optional components
	Subscriptions *cachegc.Cache[string, *types.Subscription]
	Invalidation  *cachegc.Invalidation
	Metrics       *Metrics
	// Required config
	Prefix string
	// Optional config
	Now func() time.Time
}

// New creates a quota service.
func New(rd *redis.Client, repo Repository, log *zap.Logger) *Service {
	return &Service{
		Redis:  rd,
		Repo:   repo,
		Log:    log,
		Prefix: "quota:",
		Now:    time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Result is the outcome of a quota check.
type Result struct {
	Allowed   bool
	Limit     int64 // Unlimited if the tier has no ceiling
	Remaining int64
	ResetAt   time.Time
	Tier      types.Tier
	// RequiredTier is the lowest tier that would have allowed a denied request.
	// Only set if Upgradable.
	RequiredTier types.Tier
	Upgradable   bool

	used int64
}

// Unlimited reports whether the tier has no ceiling.
func (r *Result) Unlimited() bool {
	return r.Limit == Unlimited
}

// SetHeaders writes the X-RateLimit-* response headers.
// Nothing is written for unlimited results.
func (r *Result) SetHeaders(h http.Header) {
	if r.Unlimited() {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
}

// CounterKey returns the Redis key counting a calendar window.
func (s *Service) CounterKey(subjectID, resource string, window Window, start time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", s.Prefix, resource, subjectID, window.ID(start))
}

// CheckAndConsume counts one use of a resource by a subject if the subject's tier ceiling allows it.
// A denial is a regular result, not an error.
func (s *Service) CheckAndConsume(ctx context.Context, subjectID, resource string, limits TierLimits, window Window) (*Result, error) {
	sub, err := s.Subscription(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	tier := sub.EffectiveTier()
	limit := limits.For(tier)
	now := s.now()
	var res *Result
	if limit == Unlimited {
		_, end := window.Bounds(now)
		res = &Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: end}
	} else if window.IsCalendar() {
		res, err = s.consumeCalendar(ctx, subjectID, resource, limit, window, now)
	} else {
		res, err = s.consumeSliding(ctx, subjectID, resource, limit, window, now)
	}
	if err != nil {
		return nil, err
	}
	res.Tier = tier
	if res.Allowed {
		s.Metrics.count(ctx, eventAllowed, resource)
		return res, nil
	}
	res.RequiredTier, res.Upgradable = limits.RequiredTier(res.used)
	s.Metrics.count(ctx, eventDenied, resource)
	s.Log.Debug("Quota exceeded",
		zap.String("subject.id", subjectID),
		zap.String("quota.resource", resource),
		zap.Stringer("quota.window", window),
		zap.Stringer("subject.tier", tier),
		zap.Int64("quota.limit", limit))
	return res, nil
}

func (s *Service) consumeCalendar(ctx context.Context, subjectID, resource string, limit int64, window Window, now time.Time) (*Result, error) {
	// Script: Count a use if the cached counter is below the limit.
	// Argument 1: Limit
	// Key 1: Usage counter
	// Returns {-1, 0} if the counter is not cached, else {allowed (0 or 1), count after the call}.
	const consumeScript = `
local count = redis.call("GET", KEYS[1])
if not count then
	return {-1, 0}
end
count = tonumber(count)
if count >= tonumber(ARGV[1]) then
	return {0, count}
end
return {1, redis.call("INCR", KEYS[1])}
`
	start, end := window.Bounds(now)
	key := s.CounterKey(subjectID, resource, window, start)
	// The counter may expire between populating and consuming it. Retry once.
	for try := 0; try < 2; try++ {
		_, computed, err := Cached(ctx, s.Redis, key, end.Sub(now), func(ctx context.Context) (int64, error) {
			return s.Repo.CountForWindow(ctx, subjectID, resource, start, end)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to count usage of %s: %w", resource, err)
		}
		if computed {
			s.Metrics.count(ctx, eventRecount, resource)
		}
		res, err := s.Redis.Eval(ctx, consumeScript, []string{key}, limit).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to consume quota: %w", err)
		}
		parts, ok := res.([]interface{})
		if !ok || len(parts) != 2 {
			return nil, fmt.Errorf("invalid quota script result: %#v", res)
		}
		allowed, _ := parts[0].(int64)
		count, _ := parts[1].(int64)
		if allowed < 0 {
			continue
		}
		if allowed == 1 {
			if err := s.Repo.RecordUsage(ctx, subjectID, resource, now); err != nil {
				s.rollback(ctx, key)
				return nil, fmt.Errorf("failed to record usage of %s: %w", resource, err)
			}
		}
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		return &Result{
			Allowed:   allowed == 1,
			Limit:     limit,
			Remaining: remaining,
			ResetAt:   end,
			used:      count,
		}, nil
	}
	return nil, fmt.Errorf("usage counter %s expired while consuming", key)
}

func (s *Service) consumeSliding(ctx context.Context, subjectID, resource string, limit int64, window Window, now time.Time) (*Result, error) {
	counter := &ratelimit.Sliding{Redis: s.Redis, Prefix: s.Prefix + "sliding:"}
	res, err := counter.Allow(ctx, resource+":"+subjectID, limit, window.Size(), now)
	if err != nil {
		return nil, err
	}
	return &Result{
		Allowed:   res.Allowed,
		Limit:     limit,
		Remaining: res.Remaining(limit),
		ResetAt:   res.ResetAt,
		used:      res.Used,
	}, nil
}

// releaseScript decrements a counter if it exists and is positive.
// Key 1: Usage counter
// Returns 1 if decremented, 0 otherwise.
const releaseScript = `
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count <= 0 then
	return 0
end
redis.call("DECR", KEYS[1])
return 1
`

// rollback takes back a counted use whose usage record could not be written.
func (s *Service) rollback(ctx context.Context, key string) {
	if err := s.Redis.Eval(ctx, releaseScript, []string{key}).Err(); err != nil {
		s.Log.Warn("Failed to roll back usage counter",
			zap.String("quota.key", key),
			zap.Error(err))
	}
}

// Release gives back one use of a resource in the current calendar window,
// e.g. after the consuming resource was deleted.
// The latest usage record of the window is deleted,
// and the cached counter is decremented if it exists and is positive.
// Returns whether a use was released.
func (s *Service) Release(ctx context.Context, subjectID, resource string, window Window) (bool, error) {
	if !window.IsCalendar() {
		return false, nil
	}
	start, end := window.Bounds(s.now())
	deleted, err := s.Repo.ReleaseUsage(ctx, subjectID, resource, start, end)
	if err != nil {
		return false, fmt.Errorf("failed to release usage record: %w", err)
	}
	key := s.CounterKey(subjectID, resource, window, start)
	n, err := s.Redis.Eval(ctx, releaseScript, []string{key}).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release quota: %w", err)
	}
	return deleted || n == 1, nil
}
