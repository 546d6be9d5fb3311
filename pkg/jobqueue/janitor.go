package jobqueue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errLeaseExpired = errors.New("lease expired")

// Janitor maintains queues in the background.
// It promotes due delayed jobs, fails jobs whose lease expired and purges finished jobs beyond retention.
// It is safe to run multiple instances on the same queues.
type Janitor struct {
	// Required components
	Queue *Queue
	Log   *zap.Logger
	// Required config
	Queues    []string
	Owner     string
	Interval  time.Duration // time between passes
	BatchSize int           // max jobs moved per queue and pass
}

// Run runs janitor passes until the context is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		if err := j.Step(ctx); err != nil && ctx.Err() == nil {
			j.Log.Error("Janitor pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs one pass over all queues.
func (j *Janitor) Step(ctx context.Context) error {
	var firstErr error
	for _, queue := range j.Queues {
		if err := j.stepQueue(ctx, queue); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (j *Janitor) stepQueue(ctx context.Context, queue string) error {
	now := j.Queue.now()
	log := j.Log.With(zap.String("job.queue", queue))
	promoted, err := j.Queue.Store.Promote(ctx, queue, now, j.BatchSize)
	if err != nil {
		return err
	}
	if promoted > 0 {
		log.Debug("Promoted delayed jobs", zap.Int("janitor.promoted", promoted))
	}
	// Reclaimed leases are held briefly by the janitor while their failure is recorded.
	expired, err := j.Store().Reclaim(ctx, queue, j.Owner, now, time.Minute, j.BatchSize)
	if err != nil {
		return err
	}
	for _, job := range expired {
		j.Queue.Metrics.count(ctx, eventLeaseExpired, queue)
		log.Warn("Lease expired", zap.String("job.id", job.ID), zap.Int("job.attempts", job.Attempts))
		if err := j.Queue.fail(ctx, job, j.Owner, errLeaseExpired); err != nil {
			return err
		}
	}
	retention := j.Queue.Policy(queue).Retention
	for _, state := range []State{StateCompleted, StateFailed} {
		purged, err := j.Store().Purge(ctx, queue, state, retention.For(state), now)
		if err != nil {
			return err
		}
		if purged > 0 {
			log.Debug("Purged jobs",
				zap.String("job.state", string(state)),
				zap.Int("janitor.purged", purged))
		}
	}
	return nil
}

// Store returns the store of the janitor's queue.
func (j *Janitor) Store() Store {
	return j.Queue.Store
}
