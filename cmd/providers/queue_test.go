package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/ingest"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/jobqueue/memstore"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap/zaptest"
)

func TestNewQueue_Policies(t *testing.T) {
	log := zaptest.NewLogger(t)
	q, err := NewQueue(log, memstore.New(), jobqueue.LogSink{Log: log}, metric.Meter{})
	require.NoError(t, err)

	ingestPolicy := q.Policy(ingest.QueueName)
	assert.Equal(t, 3, ingestPolicy.MaxAttempts)
	assert.Equal(t, 24*time.Hour, ingestPolicy.Retention.Completed.MaxAge)

	billingPolicy := q.Policy(billing.QueueName)
	assert.Equal(t, 5, billingPolicy.MaxAttempts)
	assert.Equal(t, 7*24*time.Hour, billingPolicy.Retention.Completed.MaxAge)
	assert.Equal(t, 100000, billingPolicy.Retention.Completed.MaxCount)
	assert.Equal(t, ingestPolicy.Retention.Failed, billingPolicy.Retention.Failed)
}

func TestNewQueue_BillingDedupOutlivesProviderRetries(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := memstore.New()
	store.Now = func() time.Time { return now }
	q, err := NewQueue(log, store, jobqueue.LogSink{Log: log}, metric.Meter{})
	require.NoError(t, err)
	q.Now = store.Now

	_, err = q.Enqueue(ctx, billing.QueueName, map[string]string{"id": "evt_1"}, jobqueue.WithDedupKey("evt_1"))
	require.NoError(t, err)
	jobs, err := store.Lease(ctx, billing.QueueName, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, store.Complete(ctx, jobs[0], "w1"))

	// Providers redeliver for about three days.
	now = now.Add(72 * time.Hour)
	retention := q.Policy(billing.QueueName).Retention.Completed
	purged, err := store.Purge(ctx, billing.QueueName, jobqueue.StateCompleted, retention, now)
	require.NoError(t, err)
	assert.Zero(t, purged)

	h, err := q.Enqueue(ctx, billing.QueueName, map[string]string{"id": "evt_1"}, jobqueue.WithDedupKey("evt_1"))
	require.NoError(t, err)
	assert.True(t, h.Duplicate)
}
