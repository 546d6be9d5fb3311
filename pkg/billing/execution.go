package billing

import (
	"context"
	"errors"
	"fmt"

	"go.od2.network/jobgate/pkg/jobqueue"
	"go.uber.org/zap"
)

// Mode names how an event was executed.
type Mode string

// Execution modes.
const (
	ModeQueued Mode = "queued"
	ModeInline Mode = "inline"
)

// Receipt describes the outcome of a submission.
type Receipt struct {
	EventID   string `json:"event_id"`
	Mode      Mode   `json:"mode"`
	Duplicate bool   `json:"duplicate,omitempty"` // the event was already queued
}

// Execution runs or schedules an event.
type Execution interface {
	Mode() Mode
	Execute(ctx context.Context, event *Event) (*Receipt, error)
}

// QueuedExecution enqueues events, deduplicated by event ID.
type QueuedExecution struct {
	Queue *jobqueue.Queue
}

// Mode implements Execution.
func (QueuedExecution) Mode() Mode { return ModeQueued }

// Execute implements Execution.
// Returns an error wrapping jobqueue.ErrUnavailable if the job store is down.
func (e QueuedExecution) Execute(ctx context.Context, event *Event) (*Receipt, error) {
	handle, err := e.Queue.Enqueue(ctx, QueueName, event, jobqueue.WithDedupKey(event.ID))
	if err != nil {
		return nil, err
	}
	return &Receipt{EventID: event.ID, Mode: ModeQueued, Duplicate: handle.Duplicate}, nil
}

// InlineExecution dispatches events synchronously.
type InlineExecution struct {
	Dispatcher *Dispatcher
}

// Mode implements Execution.
func (InlineExecution) Mode() Mode { return ModeInline }

// Execute implements Execution.
func (e InlineExecution) Execute(ctx context.Context, event *Event) (*Receipt, error) {
	if err := e.Dispatcher.Dispatch(ctx, event); err != nil {
		return nil, err
	}
	return &Receipt{EventID: event.ID, Mode: ModeInline}, nil
}

// Submitter accepts verified events.
type Submitter struct {
	// Required components
	Queued   Execution
	Fallback Execution
	Log      *zap.Logger
	// Optional components
	Metrics *Metrics
}

// NewSubmitter queues events and falls back to inline dispatch.
func NewSubmitter(q *jobqueue.Queue, d *Dispatcher, log *zap.Logger) *Submitter {
	return &Submitter{
		Queued:   QueuedExecution{Queue: q},
		Fallback: InlineExecution{Dispatcher: d},
		Log:      log,
	}
}

// SubmitEvent enqueues the event.
// If the job store is unavailable, the event is dispatched before returning.
func (s *Submitter) SubmitEvent(ctx context.Context, event *Event) (*Receipt, error) {
	if event.ID == "" {
		return nil, errors.New("event has no ID")
	}
	receipt, err := s.Queued.Execute(ctx, event)
	if err == nil {
		s.Metrics.count(ctx, eventQueued, event.Type)
		return receipt, nil
	}
	if !jobqueue.IsUnavailable(err) {
		return nil, err
	}
	s.Log.Warn("Job store unavailable, handling event inline",
		zap.String("event.id", event.ID),
		zap.String("event.type", event.Type),
		zap.Error(err))
	s.Metrics.count(ctx, eventInline, event.Type)
	receipt, err = s.Fallback.Execute(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("inline handling of event %s failed: %w", event.ID, err)
	}
	return receipt, nil
}
