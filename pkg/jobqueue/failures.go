package jobqueue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// FailureEvent describes a job that failed permanently.
type FailureEvent struct {
	Queue    string          `json:"queue"`
	JobID    string          `json:"job_id"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failed_at"`
}

// FailureSink receives permanent failures for observability.
// Publish errors are logged by the caller and never retried.
type FailureSink interface {
	Publish(ctx context.Context, event *FailureEvent) error
}

// LogSink writes failure events to the log.
// The queue already logs each permanent failure at error level,
// so the sink only adds the payload at debug level.
type LogSink struct {
	Log *zap.Logger
}

// Publish logs the failure event.
func (s LogSink) Publish(_ context.Context, event *FailureEvent) error {
	s.Log.Debug("Job failure event",
		zap.String("job.queue", event.Queue),
		zap.String("job.id", event.JobID),
		zap.Int("job.attempts", event.Attempts),
		zap.String("job.error", event.Error),
		zap.ByteString("job.payload", event.Payload),
		zap.Time("job.failed_at", event.FailedAt))
	return nil
}
