package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/jobgate/pkg/jobqueue"
)

// Store is a jobqueue.Store backed by Redis.
type Store struct {
	// Required components
	Redis *redis.Client
	// Required config
	Prefix string
	// Optional config
	Now func() time.Time
}

// Assert Store implements jobqueue.Store.
var _ jobqueue.Store = (*Store)(nil)

// Keys returns the keys of the named queue.
func (s *Store) Keys(queue string) Keys {
	return KeysForQueue(s.Prefix, queue)
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Enqueue writes the job record unless the job ID exists.
func (s *Store) Enqueue(ctx context.Context, job *jobqueue.Job) (bool, error) {
	// Script: Insert job if it doesn't exist.
	// Argument 1: Job ID
	// Argument 2: JSON job record
	// Argument 3: Eligible time, 0 if immediately eligible
	// Key 1: Jobs hash
	// Key 2: Waiting list
	// Key 3: Delayed sorted set
	// Returns 1 if inserted, 0 if the job existed.
	const enqueueScript = `
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local due = tonumber(ARGV[3])
if due > 0 then
	redis.call("ZADD", KEYS[3], due, ARGV[1])
else
	redis.call("LPUSH", KEYS[2], ARGV[1])
end
return 1
`
	record, err := encodeRecord(job)
	if err != nil {
		return false, err
	}
	var due int64
	if job.ScheduledAt.After(s.now()) {
		due = millis(job.ScheduledAt)
	}
	keys := s.Keys(job.Queue)
	res, err := s.Redis.Eval(ctx, enqueueScript,
		[]string{keys.Jobs, keys.Waiting, keys.Delayed},
		job.ID, record, due).Int64()
	if err != nil {
		return false, wrapErr("enqueue job", err)
	}
	return res == 1, nil
}

// encodeRecord serializes the static part of a job.
func encodeRecord(job *jobqueue.Job) ([]byte, error) {
	static := job.Clone()
	static.Attempts = 0
	static.State = ""
	static.LastError = ""
	static.LeaseOwner = ""
	static.LeaseExpiresAt = nil
	static.FinishedAt = nil
	record, err := json.Marshal(static)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job record: %w", err)
	}
	return record, nil
}

// decodeLeased parses script results of the form [id, record, attempts, last error, ...].
func decodeLeased(res interface{}, state jobqueue.State, owner string, exp time.Time) ([]*jobqueue.Job, error) {
	parts, ok := res.([]interface{})
	if !ok || len(parts)%4 != 0 {
		return nil, fmt.Errorf("invalid lease batch: %#v", res)
	}
	jobs := make([]*jobqueue.Job, 0, len(parts)/4)
	for i := 0; i < len(parts); i += 4 {
		record, ok := parts[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("invalid record in lease batch: %#v", parts[i+1])
		}
		job := new(jobqueue.Job)
		if err := json.Unmarshal([]byte(record), job); err != nil {
			return nil, fmt.Errorf("invalid job record: %w", err)
		}
		attempts, err := toInt(parts[i+2])
		if err != nil {
			return nil, fmt.Errorf("invalid attempts in lease batch: %w", err)
		}
		lastError, _ := parts[i+3].(string)
		expCopy := exp
		job.Attempts = attempts
		job.LastError = lastError
		job.State = state
		job.LeaseOwner = owner
		job.LeaseExpiresAt = &expCopy
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected %#v", v)
	}
}

// Get reads a job record and its current state.
func (s *Store) Get(ctx context.Context, queue, id string) (*jobqueue.Job, error) {
	keys := s.Keys(queue)
	var (
		record    *redis.StringCmd
		attempts  *redis.StringCmd
		lastError *redis.StringCmd
		owner     *redis.StringCmd
		scores    = make(map[jobqueue.State]*redis.FloatCmd)
	)
	_, err := s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		record = pipe.HGet(ctx, keys.Jobs, id)
		attempts = pipe.HGet(ctx, keys.Attempts, id)
		lastError = pipe.HGet(ctx, keys.Errors, id)
		owner = pipe.HGet(ctx, keys.Owners, id)
		scores[jobqueue.StateDelayed] = pipe.ZScore(ctx, keys.Delayed, id)
		scores[jobqueue.StateActive] = pipe.ZScore(ctx, keys.Active, id)
		scores[jobqueue.StateCompleted] = pipe.ZScore(ctx, keys.Completed, id)
		scores[jobqueue.StateFailed] = pipe.ZScore(ctx, keys.Failed, id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("get job", err)
	}
	recordStr, err := record.Result()
	if errors.Is(err, redis.Nil) {
		return nil, jobqueue.ErrNotFound
	} else if err != nil {
		return nil, wrapErr("get job", err)
	}
	job := new(jobqueue.Job)
	if err := json.Unmarshal([]byte(recordStr), job); err != nil {
		return nil, fmt.Errorf("invalid job record: %w", err)
	}
	job.Attempts, _ = toInt(attempts.Val())
	job.LastError = lastError.Val()
	job.State = jobqueue.StateWaiting
	for _, state := range []jobqueue.State{jobqueue.StateDelayed, jobqueue.StateActive, jobqueue.StateCompleted, jobqueue.StateFailed} {
		score, err := scores[state].Result()
		if err != nil {
			continue
		}
		t := time.UnixMilli(int64(score))
		job.State = state
		switch state {
		case jobqueue.StateDelayed:
			job.ScheduledAt = t
		case jobqueue.StateActive:
			job.LeaseOwner = owner.Val()
			job.LeaseExpiresAt = &t
		default:
			job.FinishedAt = &t
		}
		return job, nil
	}
	return job, nil
}

// Counts returns the number of jobs per state.
func (s *Store) Counts(ctx context.Context, queue string) (map[jobqueue.State]int64, error) {
	keys := s.Keys(queue)
	cmds := make(map[jobqueue.State]*redis.IntCmd)
	_, err := s.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cmds[jobqueue.StateWaiting] = pipe.LLen(ctx, keys.Waiting)
		cmds[jobqueue.StateDelayed] = pipe.ZCard(ctx, keys.Delayed)
		cmds[jobqueue.StateActive] = pipe.ZCard(ctx, keys.Active)
		cmds[jobqueue.StateCompleted] = pipe.ZCard(ctx, keys.Completed)
		cmds[jobqueue.StateFailed] = pipe.ZCard(ctx, keys.Failed)
		return nil
	})
	if err != nil {
		return nil, wrapErr("count jobs", err)
	}
	counts := make(map[jobqueue.State]int64, len(cmds))
	for state, cmd := range cmds {
		counts[state] = cmd.Val()
	}
	return counts, nil
}
