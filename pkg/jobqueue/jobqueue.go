// Package jobqueue runs named job queues on top of a pluggable durable Store.
//
// Components
//
// Queue is the submission side. It is constructed explicitly and handed to
// every call site that enqueues work; there is no package-level instance.
// Runtime drains queues with one Worker per registered queue,
// plus a Janitor that promotes delayed jobs, recovers expired leases and purges old records.
//
// Delivery
//
// Delivery is at-least-once. A job leased by a worker that dies is redelivered
// after its lease expires, and the expiry counts as a failed attempt.
// Exactly-once processing is only achieved through dedup keys at enqueue time
// combined with idempotent handlers.
//
// Degraded mode
//
// Store implementations report connectivity problems wrapped in ErrUnavailable.
// Enqueue never drops a job silently: callers see the error and decide on a fallback.
package jobqueue

import (
	"errors"
)

var (
	// ErrUnavailable is returned when the durable store cannot be reached.
	ErrUnavailable = errors.New("job store unavailable")
	// ErrNotFound is returned when a job record does not exist (anymore).
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker reports on a job it no longer owns.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrShutdownTimeout is returned when in-flight handlers outlive the grace period.
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
)

// PermanentError marks a handler error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the job fails terminally on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
