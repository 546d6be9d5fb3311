package quota

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type quotaEvent int

const (
	eventAllowed quotaEvent = iota
	eventDenied
	eventRecount
	eventSubscriptionLoad
	numQuotaEvents
)

var quotaEventNames = [numQuotaEvents]string{
	"quota_allowed_total",
	"quota_denied_total",
	"quota_recounts_total",
	"quota_subscription_loads_total",
}

// Metrics counts quota decisions per resource.
type Metrics struct {
	counters [numQuotaEvents]metric.Int64Counter
}

// NewMetrics registers quota instruments on the meter.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	for i, name := range quotaEventNames {
		var err error
		metrics.counters[i], err = m.NewInt64Counter(name)
		if err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) count(ctx context.Context, event quotaEvent, resource string) {
	if m == nil {
		return
	}
	if resource == "" {
		m.counters[event].Add(ctx, 1)
		return
	}
	m.counters[event].Add(ctx, 1, attribute.String("resource", resource))
}
