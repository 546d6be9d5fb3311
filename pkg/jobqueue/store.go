package jobqueue

import (
	"context"
	"time"
)

// Store is the durable backend of a queue.
//
// All methods must be safe for concurrent use across processes.
// Connectivity errors must wrap ErrUnavailable.
// Methods acting on a leased job must return ErrLeaseLost if owner no longer holds the lease.
type Store interface {
	// Enqueue inserts the job unless a job with the same ID exists.
	// It reports whether the job was inserted.
	Enqueue(ctx context.Context, job *Job) (created bool, err error)
	// Lease claims up to n due jobs in FIFO order for owner until now+ttl.
	// Attempts of each leased job are incremented.
	Lease(ctx context.Context, queue, owner string, n int, ttl time.Duration) ([]*Job, error)
	// Complete finishes a leased job successfully and applies completed retention.
	Complete(ctx context.Context, job *Job, owner string) error
	// Retry releases a leased job and makes it eligible again at the given time.
	Retry(ctx context.Context, job *Job, owner string, at time.Time, reason string) error
	// Fail finishes a leased job permanently and applies failed retention.
	Fail(ctx context.Context, job *Job, owner string, reason string) error
	// Promote moves up to batch delayed jobs that are due at now to the waiting list.
	Promote(ctx context.Context, queue string, now time.Time, batch int) (int, error)
	// Reclaim transfers up to batch jobs whose lease expired at now to owner until now+ttl.
	// Attempts are not incremented again.
	Reclaim(ctx context.Context, queue, owner string, now time.Time, ttl time.Duration, batch int) ([]*Job, error)
	// Purge removes finished jobs of the given state beyond retention.
	Purge(ctx context.Context, queue string, state State, retention Retention, now time.Time) (int, error)
	// Get returns a copy of a job. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, queue, id string) (*Job, error)
	// Counts returns the number of jobs per state.
	Counts(ctx context.Context, queue string) (map[State]int64, error)
}
