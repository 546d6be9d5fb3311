package jobqueue

import "time"

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	dedupKey    string
	delay       time.Duration
	repeat      time.Duration
	maxAttempts int
	backoff     *Backoff
}

// WithDedupKey sets the job ID.
// Enqueueing a job whose ID already exists is a no-op.
func WithDedupKey(key string) Option {
	return func(o *enqueueOptions) {
		o.dedupKey = key
	}
}

// WithDelay makes the job eligible for dequeue only after d.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// WithRepeat runs the job once per interval.
// The dedup key (or the generated ID) names the repeating series.
func WithRepeat(every time.Duration) Option {
	return func(o *enqueueOptions) {
		o.repeat = every
	}
}

// WithMaxAttempts overrides the queue's max attempts for this job.
func WithMaxAttempts(n int) Option {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// WithBackoff overrides the queue's backoff for this job.
func WithBackoff(b Backoff) Option {
	return func(o *enqueueOptions) {
		o.backoff = &b
	}
}
