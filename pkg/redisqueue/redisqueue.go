// Package redisqueue implements jobqueue.Store on top of Redis.
//
// Components
//
// Redis 6 or newer is required.
// Store is safe to share between any number of workers and processes.
// At least one jobqueue.Janitor must run in the background to recover expired leases.
// All state transitions are single Lua scripts, so they are atomic with respect to each other.
//
// Data structures
//
// Each queue uses its own set of keys (see Keys).
// The job record is written once at enqueue time and never rewritten.
// Mutable state lives next to it: attempt counts and last errors in hashes,
// and the lifecycle stage as membership in exactly one of the waiting list
// or the delayed, active, completed and failed sorted sets.
//
// Sorted set scores are Unix epochs in milliseconds:
// eligible time for delayed jobs, lease expiry for active jobs and finish time for finished jobs.
//
// Deduplication
//
// Enqueue is a no-op while a record with the same job ID exists in any state.
// Finished records are deleted by retention trimming, after which the ID can be reused.
package redisqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.od2.network/jobgate/pkg/jobqueue"
)

// Keys holds the Redis keys used by one queue.
type Keys struct {
	Jobs      string // hash: job ID => JSON job record
	Attempts  string // hash: job ID => attempt count
	Errors    string // hash: job ID => last error
	Owners    string // hash: job ID => lease owner (active only)
	Waiting   string // list: job IDs ready to lease, oldest at the tail
	Delayed   string // sorted set: job IDs by eligible time
	Active    string // sorted set: job IDs by lease expiry
	Completed string // sorted set: job IDs by finish time
	Failed    string // sorted set: job IDs by finish time
}

// KeysForQueue creates Keys with a common prefix.
// The queue name is a hash tag so all keys of a queue map to the same cluster slot.
func KeysForQueue(prefix, queue string) Keys {
	base := fmt.Sprintf("%s{%s}", prefix, queue)
	return Keys{
		Jobs:      base + "_J",
		Attempts:  base + "_A",
		Errors:    base + "_E",
		Owners:    base + "_O",
		Waiting:   base + "_W",
		Delayed:   base + "_D",
		Active:    base + "_L",
		Completed: base + "_C",
		Failed:    base + "_F",
	}
}

// Finished returns the sorted set holding jobs of the terminal state.
func (k Keys) Finished(state jobqueue.State) string {
	if state == jobqueue.StateFailed {
		return k.Failed
	}
	return k.Completed
}

// wrapErr classifies a Redis client error.
// Replies from the server (script errors, wrong types) are returned as is.
// Everything else means Redis could not be reached and wraps jobqueue.ErrUnavailable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return fmt.Errorf("failed to %s via Lua: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, jobqueue.ErrUnavailable, err)
}
