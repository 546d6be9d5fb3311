package ingest

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics counts ingestion results.
type Metrics struct {
	sourcesFailed  metric.Int64Counter
	itemsProcessed metric.Int64Counter
	itemsCreated   metric.Int64Counter
	itemsSkipped   metric.Int64Counter
}

// NewMetrics registers ingestion instruments on the meter.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	if metrics.sourcesFailed, err = m.NewInt64Counter("ingest_sources_failed_total"); err != nil {
		return nil, err
	}
	if metrics.itemsProcessed, err = m.NewInt64Counter("ingest_items_processed_total"); err != nil {
		return nil, err
	}
	if metrics.itemsCreated, err = m.NewInt64Counter("ingest_items_created_total"); err != nil {
		return nil, err
	}
	if metrics.itemsSkipped, err = m.NewInt64Counter("ingest_items_skipped_total"); err != nil {
		return nil, err
	}
	return metrics, nil
}

func (m *Metrics) report(ctx context.Context, r *Report) {
	if m == nil {
		return
	}
	m.sourcesFailed.Add(ctx, int64(r.FailedSources))
	m.itemsProcessed.Add(ctx, int64(r.ItemsProcessed))
	m.itemsCreated.Add(ctx, int64(r.ItemsCreated))
	m.itemsSkipped.Add(ctx, int64(r.ItemsSkipped))
}
