package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue submits jobs to named queues and reports job outcomes back to the Store.
// It is safe for concurrent use.
type Queue struct {
	// Required components
	Store Store
	Log   *zap.Logger
	// Optional components
	Metrics *Metrics
	Sink    FailureSink
	Now     func() time.Time

	mu       sync.RWMutex
	defaults map[string]Policy
}

// New creates a queue on top of a store.
// Permanent failures are logged until a different Sink is set.
func New(store Store, log *zap.Logger) *Queue {
	return &Queue{
		Store:    store,
		Log:      log,
		Sink:     LogSink{Log: log},
		Now:      time.Now,
		defaults: make(map[string]Policy),
	}
}

// ConfigureDefaults sets the policy for jobs subsequently enqueued on the named queue.
// Zero fields fall back to DefaultPolicy.
func (q *Queue) ConfigureDefaults(queue string, policy Policy) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if policy.Backoff == (Backoff{}) {
		policy.Backoff = DefaultPolicy.Backoff
	}
	if policy.Retention == (RetentionPolicy{}) {
		policy.Retention = DefaultPolicy.Retention
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.defaults == nil {
		q.defaults = make(map[string]Policy)
	}
	q.defaults[queue] = policy
}

// Policy returns the defaults in effect for the named queue.
func (q *Queue) Policy(queue string) Policy {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if policy, ok := q.defaults[queue]; ok {
		return policy
	}
	return DefaultPolicy
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

// Enqueue submits a job with a JSON-encoded payload.
//
// If a job with the same dedup key already exists, nothing is written
// and the returned handle has Duplicate set.
// Returns an error wrapping ErrUnavailable if the store cannot be reached.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload interface{}, opts ...Option) (*Handle, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	policy := q.Policy(queue)
	now := q.now()
	job := &Job{
		ID:          o.dedupKey,
		Queue:       queue,
		Payload:     raw,
		MaxAttempts: policy.MaxAttempts,
		Backoff:     policy.Backoff,
		Retention:   policy.Retention,
		CreatedAt:   now,
		ScheduledAt: now.Add(o.delay),
		State:       StateWaiting,
	}
	if o.maxAttempts > 0 {
		job.MaxAttempts = o.maxAttempts
	}
	if o.backoff != nil {
		job.Backoff = *o.backoff
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if o.repeat > 0 {
		job.Repeat = &Repeat{Key: job.ID, Every: o.repeat}
		slot := job.Repeat.Slot(job.ScheduledAt)
		job.ID = job.Repeat.OccurrenceID(slot)
		if slot.After(now) {
			job.ScheduledAt = slot
		}
	}
	if job.ScheduledAt.After(now) {
		job.State = StateDelayed
	}
	return q.submit(ctx, job)
}

func (q *Queue) submit(ctx context.Context, job *Job) (*Handle, error) {
	created, err := q.Store.Enqueue(ctx, job)
	if err != nil {
		q.Log.Warn("Failed to enqueue job",
			zap.String("job.queue", job.Queue),
			zap.String("job.id", job.ID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	handle := &Handle{ID: job.ID, Queue: job.Queue, Duplicate: !created}
	if created {
		q.Metrics.count(ctx, eventEnqueued, job.Queue)
		q.Log.Debug("Enqueued job",
			zap.String("job.queue", job.Queue),
			zap.String("job.id", job.ID),
			zap.Time("job.scheduled_at", job.ScheduledAt))
	} else {
		q.Metrics.count(ctx, eventDuplicate, job.Queue)
		q.Log.Debug("Job already exists",
			zap.String("job.queue", job.Queue),
			zap.String("job.id", job.ID))
	}
	return handle, nil
}

// Get returns the current record of a job.
func (q *Queue) Get(ctx context.Context, queue, id string) (*Job, error) {
	return q.Store.Get(ctx, queue, id)
}

// Counts returns the number of jobs per state on the named queue.
func (q *Queue) Counts(ctx context.Context, queue string) (map[State]int64, error) {
	return q.Store.Counts(ctx, queue)
}

// scheduleNext enqueues the occurrence of a repeating job following the slot of job.
func (q *Queue) scheduleNext(ctx context.Context, job *Job) error {
	if job.Repeat == nil || job.Repeat.Every <= 0 {
		return nil
	}
	now := q.now()
	next := job.Repeat.Slot(now).Add(job.Repeat.Every)
	repeat := *job.Repeat
	nextJob := &Job{
		ID:          repeat.OccurrenceID(next),
		Queue:       job.Queue,
		Payload:     job.Payload,
		MaxAttempts: job.MaxAttempts,
		Backoff:     job.Backoff,
		Retention:   job.Retention,
		Repeat:      &repeat,
		CreatedAt:   now,
		ScheduledAt: next,
		State:       StateDelayed,
	}
	_, err := q.submit(ctx, nextJob)
	return err
}

// complete reports success of a leased job.
func (q *Queue) complete(ctx context.Context, job *Job, owner string) error {
	if err := q.Store.Complete(ctx, job, owner); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	q.Metrics.count(ctx, eventCompleted, job.Queue)
	return nil
}

// fail reports a failed attempt of a leased job.
// The job is rescheduled with backoff while attempts remain, otherwise it fails permanently
// and a FailureEvent is published.
func (q *Queue) fail(ctx context.Context, job *Job, owner string, cause error) error {
	reason := cause.Error()
	if !job.Exhausted() && !isPermanent(cause) {
		delay := job.Backoff.Delay(job.Attempts)
		at := q.now().Add(delay)
		if err := q.Store.Retry(ctx, job, owner, at, reason); err != nil {
			return fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
		}
		q.Metrics.count(ctx, eventRetried, job.Queue)
		q.Log.Warn("Job attempt failed, retrying",
			zap.String("job.queue", job.Queue),
			zap.String("job.id", job.ID),
			zap.Int("job.attempts", job.Attempts),
			zap.Int("job.max_attempts", job.MaxAttempts),
			zap.Duration("job.backoff", delay),
			zap.Error(cause))
		return nil
	}
	if err := q.Store.Fail(ctx, job, owner, reason); err != nil {
		return fmt.Errorf("failed to mark job %s as failed: %w", job.ID, err)
	}
	q.Metrics.count(ctx, eventFailed, job.Queue)
	q.Log.Error("Job failed permanently",
		zap.String("job.queue", job.Queue),
		zap.String("job.id", job.ID),
		zap.Int("job.attempts", job.Attempts),
		zap.Error(cause))
	event := &FailureEvent{
		Queue:    job.Queue,
		JobID:    job.ID,
		Attempts: job.Attempts,
		Error:    reason,
		Payload:  job.Payload,
		FailedAt: q.now(),
	}
	if q.Sink != nil {
		if err := q.Sink.Publish(ctx, event); err != nil {
			q.Log.Error("Failed to publish job failure",
				zap.String("job.queue", job.Queue),
				zap.String("job.id", job.ID),
				zap.Error(err))
		}
	}
	return nil
}

// IsUnavailable reports whether err was caused by an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
