package billing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type billingEvent int

const (
	eventQueued billingEvent = iota
	eventInline
	eventHandled
	eventFailed
	eventIgnored
	numBillingEvents
)

var billingEventNames = [numBillingEvents]string{
	"billing_events_queued_total",
	"billing_events_inline_total",
	"billing_events_handled_total",
	"billing_events_failed_total",
	"billing_events_ignored_total",
}

// Metrics counts provider events per event type.
type Metrics struct {
	counters [numBillingEvents]metric.Int64Counter
}

// NewMetrics registers billing instruments on the meter.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	for i, name := range billingEventNames {
		var err error
		metrics.counters[i], err = m.NewInt64Counter(name)
		if err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) count(ctx context.Context, event billingEvent, eventType string) {
	if m == nil {
		return
	}
	m.counters[event].Add(ctx, 1, attribute.String("event_type", eventType))
}
