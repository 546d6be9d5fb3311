package jobqueue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type jobEvent int

const (
	eventEnqueued jobEvent = iota
	eventDuplicate
	eventCompleted
	eventRetried
	eventFailed
	eventLeaseExpired
	numJobEvents
)

var jobEventNames = [numJobEvents]string{
	"jobs_enqueued_total",
	"jobs_deduplicated_total",
	"jobs_completed_total",
	"jobs_retried_total",
	"jobs_failed_total",
	"jobs_lease_expired_total",
}

// Metrics counts queue events per queue.
type Metrics struct {
	counters [numJobEvents]metric.Int64Counter
}

// NewMetrics registers queue instruments on the meter.
// A zero metric.Meter yields no-op instruments.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	for i, name := range jobEventNames {
		var err error
		metrics.counters[i], err = m.NewInt64Counter(name)
		if err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// count is a no-op on a nil receiver.
func (m *Metrics) count(ctx context.Context, event jobEvent, queue string) {
	if m == nil {
		return
	}
	m.counters[event].Add(ctx, 1, attribute.String("queue", queue))
}
