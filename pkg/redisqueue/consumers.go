package redisqueue

import (
	"context"
	"time"

	"go.od2.network/jobgate/pkg/jobqueue"
)

// purgeLua defines purge(finished, jobs, attempts, errors, cutoff, max_count).
// It deletes finished jobs scored before cutoff (unless cutoff < 0),
// then the oldest jobs beyond max_count (unless max_count <= 0).
// Returns the number of deleted jobs.
const purgeLua = `
local function purge(finished, jobs, attempts, errors, cutoff, max_count)
	local dropped = 0
	local function drop(ids)
		for _, id in ipairs(ids) do
			redis.call("ZREM", finished, id)
			redis.call("HDEL", jobs, id)
			redis.call("HDEL", attempts, id)
			redis.call("HDEL", errors, id)
		end
		dropped = dropped + #ids
	end
	if cutoff >= 0 then
		drop(redis.call("ZRANGEBYSCORE", finished, "-inf", "(" .. cutoff))
	end
	if max_count > 0 then
		local excess = redis.call("ZCARD", finished) - max_count
		if excess > 0 then
			drop(redis.call("ZRANGE", finished, 0, excess - 1))
		end
	end
	return dropped
end
`

// Lease promotes due delayed jobs, then claims up to n waiting jobs for owner.
func (s *Store) Lease(ctx context.Context, queue, owner string, n int, ttl time.Duration) ([]*jobqueue.Job, error) {
	// Script: Bulk move due jobs to waiting, then from waiting to active.
	// Argument 1: Owner string
	// Argument 2: Job count
	// Argument 3: Unix epoch (ms)
	// Argument 4: Lease expiry (ms)
	// Key 1: Waiting list
	// Key 2: Delayed sorted set
	// Key 3: Active sorted set
	// Key 4: Owners hash
	// Key 5: Attempts hash
	// Key 6: Jobs hash
	// Key 7: Errors hash
	// Returns list of {job ID, record, attempts, last error}.
	const leaseScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[3], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("LPUSH", KEYS[1], id)
end
local ret = {}
for i=1,tonumber(ARGV[2]) do
	local id = redis.call("RPOP", KEYS[1])
	if not id then break end
	local record = redis.call("HGET", KEYS[6], id)
	if record then
		redis.call("ZADD", KEYS[3], ARGV[4], id)
		redis.call("HSET", KEYS[4], id, ARGV[1])
		local attempts = redis.call("HINCRBY", KEYS[5], id, 1)
		table.insert(ret, id)
		table.insert(ret, record)
		table.insert(ret, attempts)
		table.insert(ret, redis.call("HGET", KEYS[7], id) or "")
	end
end
return ret
`
	if n <= 0 {
		return nil, nil
	}
	keys := s.Keys(queue)
	now := s.now()
	exp := now.Add(ttl)
	res, err := s.Redis.Eval(ctx, leaseScript,
		[]string{keys.Waiting, keys.Delayed, keys.Active, keys.Owners, keys.Attempts, keys.Jobs, keys.Errors},
		owner, n, millis(now), millis(exp)).Result()
	if err != nil {
		return nil, wrapErr("lease jobs", err)
	}
	return decodeLeased(res, jobqueue.StateActive, owner, exp)
}

// Complete moves a leased job to the completed set and trims it.
func (s *Store) Complete(ctx context.Context, job *jobqueue.Job, owner string) error {
	return s.finish(ctx, job, owner, jobqueue.StateCompleted, "")
}

// Fail moves a leased job to the failed set and trims it.
func (s *Store) Fail(ctx context.Context, job *jobqueue.Job, owner string, reason string) error {
	return s.finish(ctx, job, owner, jobqueue.StateFailed, reason)
}

func (s *Store) finish(ctx context.Context, job *jobqueue.Job, owner string, state jobqueue.State, reason string) error {
	// Script: Finish a claimed job and apply retention.
	// Argument 1: Job ID
	// Argument 2: Owner string
	// Argument 3: Unix epoch (ms)
	// Argument 4: Error reason, empty on success
	// Argument 5: Retention cutoff (ms), -1 to keep regardless of age
	// Argument 6: Retention max count, 0 for unlimited
	// Key 1: Active sorted set
	// Key 2: Owners hash
	// Key 3: Completed or failed sorted set
	// Key 4: Errors hash
	// Key 5: Jobs hash
	// Key 6: Attempts hash
	// Returns 1 if the claim was held, 0 otherwise.
	const finishScript = purgeLua + `
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
if ARGV[4] ~= "" then
	redis.call("HSET", KEYS[4], ARGV[1], ARGV[4])
end
purge(KEYS[3], KEYS[5], KEYS[6], KEYS[4], tonumber(ARGV[5]), tonumber(ARGV[6]))
return 1
`
	keys := s.Keys(job.Queue)
	now := s.now()
	retention := job.Retention.For(state)
	res, err := s.Redis.Eval(ctx, finishScript,
		[]string{keys.Active, keys.Owners, keys.Finished(state), keys.Errors, keys.Jobs, keys.Attempts},
		job.ID, owner, millis(now), reason, cutoff(retention, now), retention.MaxCount).Int64()
	if err != nil {
		return wrapErr("finish job", err)
	}
	if res == 0 {
		return jobqueue.ErrLeaseLost
	}
	return nil
}

// Retry releases a leased job into the delayed set.
func (s *Store) Retry(ctx context.Context, job *jobqueue.Job, owner string, at time.Time, reason string) error {
	// Script: Release a claimed job for later redelivery.
	// Argument 1: Job ID
	// Argument 2: Owner string
	// Argument 3: Eligible time (ms)
	// Argument 4: Error reason
	// Key 1: Active sorted set
	// Key 2: Owners hash
	// Key 3: Delayed sorted set
	// Key 4: Errors hash
	// Returns 1 if the claim was held, 0 otherwise.
	const retryScript = `
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[4], ARGV[1], ARGV[4])
return 1
`
	keys := s.Keys(job.Queue)
	res, err := s.Redis.Eval(ctx, retryScript,
		[]string{keys.Active, keys.Owners, keys.Delayed, keys.Errors},
		job.ID, owner, millis(at), reason).Int64()
	if err != nil {
		return wrapErr("retry job", err)
	}
	if res == 0 {
		return jobqueue.ErrLeaseLost
	}
	return nil
}

func cutoff(retention jobqueue.Retention, now time.Time) int64 {
	if retention.MaxAge <= 0 {
		return -1
	}
	return millis(now.Add(-retention.MaxAge))
}
