package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle stage of a job.
type State string

// Job states.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists all job states in lifecycle order.
var States = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// Job is a unit of work on a named queue.
//
// The static fields are fixed at enqueue time.
// Attempts, State, LastError and the lease fields are maintained by the Store.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	Retention   RetentionPolicy `json:"retention"`
	Repeat      *Repeat         `json:"repeat,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`

	Attempts       int        `json:"attempts"`
	State          State      `json:"state,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("invalid payload of job %s: %w", j.ID, err)
	}
	return nil
}

// Exhausted reports whether no attempts remain after the current one.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Repeat != nil {
		r := *j.Repeat
		c.Repeat = &r
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Repeat schedules a job again after every interval.
//
// Occurrences are aligned to multiples of Every since the Unix epoch,
// and each occurrence's ID is derived from Key and its slot.
// Concurrent schedulers therefore converge on the same occurrence.
type Repeat struct {
	Key   string        `json:"key"`
	Every time.Duration `json:"every"`
}

// Slot returns the start of the slot containing t.
func (r *Repeat) Slot(t time.Time) time.Time {
	every := r.Every.Milliseconds()
	if every <= 0 {
		return t
	}
	ms := t.UnixMilli()
	return time.UnixMilli(ms - ms%every)
}

// OccurrenceID returns the job ID of the occurrence starting at slot.
func (r *Repeat) OccurrenceID(slot time.Time) string {
	return fmt.Sprintf("%s:%d", r.Key, slot.UnixMilli())
}

// Handle refers to an enqueued job.
type Handle struct {
	ID    string
	Queue string
	// Duplicate is set if a job with the same ID already existed
	// and the enqueue call did nothing.
	Duplicate bool
}
