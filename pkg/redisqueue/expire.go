package redisqueue

import (
	"context"
	"time"

	"go.od2.network/jobgate/pkg/jobqueue"
)

// Promote moves up to batch due delayed jobs to the waiting list.
func (s *Store) Promote(ctx context.Context, queue string, now time.Time, batch int) (int, error) {
	// Script: Move due jobs from delayed to waiting.
	// Argument 1: Unix epoch (ms)
	// Argument 2: Batch size
	// Key 1: Delayed sorted set
	// Key 2: Waiting list
	// Returns the number of promoted jobs.
	const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
end
return #due
`
	keys := s.Keys(queue)
	n, err := s.Redis.Eval(ctx, promoteScript,
		[]string{keys.Delayed, keys.Waiting},
		millis(now), batch).Int()
	if err != nil {
		return 0, wrapErr("promote jobs", err)
	}
	return n, nil
}

// Reclaim transfers up to batch expired leases to owner.
func (s *Store) Reclaim(ctx context.Context, queue, owner string, now time.Time, ttl time.Duration, batch int) ([]*jobqueue.Job, error) {
	// Script: Claim all jobs whose lease has expired.
	// Argument 1: Owner string
	// Argument 2: Unix epoch (ms)
	// Argument 3: New lease expiry (ms)
	// Argument 4: Batch size
	// Key 1: Active sorted set
	// Key 2: Owners hash
	// Key 3: Jobs hash
	// Key 4: Attempts hash
	// Key 5: Errors hash
	// Returns list of {job ID, record, attempts, last error}.
	const reclaimScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, ARGV[4])
local ret = {}
for _, id in ipairs(expired) do
	local record = redis.call("HGET", KEYS[3], id)
	if record then
		redis.log(redis.LOG_VERBOSE, "redisqueue: Expire " .. KEYS[1] .. " " .. id)
		redis.call("ZADD", KEYS[1], ARGV[3], id)
		redis.call("HSET", KEYS[2], id, ARGV[1])
		table.insert(ret, id)
		table.insert(ret, record)
		table.insert(ret, redis.call("HGET", KEYS[4], id) or "0")
		table.insert(ret, redis.call("HGET", KEYS[5], id) or "")
	else
		redis.call("ZREM", KEYS[1], id)
		redis.call("HDEL", KEYS[2], id)
	end
end
return ret
`
	keys := s.Keys(queue)
	exp := now.Add(ttl)
	res, err := s.Redis.Eval(ctx, reclaimScript,
		[]string{keys.Active, keys.Owners, keys.Jobs, keys.Attempts, keys.Errors},
		owner, millis(now), millis(exp), batch).Result()
	if err != nil {
		return nil, wrapErr("reclaim jobs", err)
	}
	return decodeLeased(res, jobqueue.StateActive, owner, exp)
}

// Purge removes finished jobs beyond retention.
func (s *Store) Purge(ctx context.Context, queue string, state jobqueue.State, retention jobqueue.Retention, now time.Time) (int, error) {
	// Script: Apply retention to a finished set.
	// Argument 1: Retention cutoff (ms), -1 to keep regardless of age
	// Argument 2: Retention max count, 0 for unlimited
	// Key 1: Completed or failed sorted set
	// Key 2: Jobs hash
	// Key 3: Attempts hash
	// Key 4: Errors hash
	// Returns the number of deleted jobs.
	const purgeScript = purgeLua + `
return purge(KEYS[1], KEYS[2], KEYS[3], KEYS[4], tonumber(ARGV[1]), tonumber(ARGV[2]))
`
	keys := s.Keys(queue)
	n, err := s.Redis.Eval(ctx, purgeScript,
		[]string{keys.Finished(state), keys.Jobs, keys.Attempts, keys.Errors},
		cutoff(retention, now), retention.MaxCount).Int()
	if err != nil {
		return 0, wrapErr("purge jobs", err)
	}
	return n, nil
}
