package jobqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.uber.org/zap/zaptest"
)

func TestJanitorExpiresLeases(t *testing.T) {
	ctx := context.Background()
	q, store, clock := newTestQueue(t)
	sink := new(captureSink)
	q.Sink = sink
	janitor := &jobqueue.Janitor{
		Queue:     q,
		Log:       zaptest.NewLogger(t),
		Queues:    []string{"ingest"},
		Owner:     "janitor",
		Interval:  time.Second,
		BatchSize: 16,
	}
	h, err := q.Enqueue(ctx, "ingest", nil, jobqueue.WithMaxAttempts(2))
	require.NoError(t, err)

	// A worker leases the job and dies.
	leased, err := store.Lease(ctx, "ingest", "dead-worker", 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, janitor.Step(ctx))
	job, err := q.Get(ctx, "ingest", h.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateActive, job.State)

	// The lease expires and counts as a failed attempt.
	clock.Advance(11 * time.Second)
	require.NoError(t, janitor.Step(ctx))
	job, err = q.Get(ctx, "ingest", h.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateDelayed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "lease expired", job.LastError)

	// The dead worker can no longer report on the job.
	assert.ErrorIs(t, store.Complete(ctx, leased[0], "dead-worker"), jobqueue.ErrLeaseLost)

	// Second lease expires too, attempts are exhausted.
	clock.Advance(time.Minute)
	leased, err = store.Lease(ctx, "ingest", "dead-worker", 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	clock.Advance(11 * time.Second)
	require.NoError(t, janitor.Step(ctx))
	job, err = q.Get(ctx, "ingest", h.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateFailed, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Len(t, sink.Events(), 1)
}

func TestJanitorPromotesDelayed(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	janitor := &jobqueue.Janitor{
		Queue:     q,
		Log:       zaptest.NewLogger(t),
		Queues:    []string{"ingest"},
		Owner:     "janitor",
		Interval:  time.Second,
		BatchSize: 16,
	}
	h, err := q.Enqueue(ctx, "ingest", nil, jobqueue.WithDelay(time.Minute))
	require.NoError(t, err)
	require.NoError(t, janitor.Step(ctx))
	state := jobState(t, q, "ingest", h.ID)
	assert.Equal(t, jobqueue.StateDelayed, state())
	clock.Advance(time.Minute)
	require.NoError(t, janitor.Step(ctx))
	assert.Equal(t, jobqueue.StateWaiting, state())
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	q, store, clock := newTestQueue(t)
	q.ConfigureDefaults("events", jobqueue.Policy{
		Retention: jobqueue.RetentionPolicy{
			Completed: jobqueue.Retention{MaxCount: 2, MaxAge: time.Hour},
			Failed:    jobqueue.Retention{MaxCount: 10},
		},
	})
	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, "events", nil, jobqueue.WithDedupKey(id))
		require.NoError(t, err)
		leased, err := store.Lease(ctx, "events", "w", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		require.NoError(t, store.Complete(ctx, leased[0], "w"))
		ids = append(ids, leased[0].ID)
		clock.Advance(time.Second)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	// Max count purges the oldest record on completion.
	_, err := q.Get(ctx, "events", "a")
	assert.ErrorIs(t, err, jobqueue.ErrNotFound)
	_, err = q.Get(ctx, "events", "b")
	require.NoError(t, err)

	// Purged IDs can be enqueued again.
	h, err := q.Enqueue(ctx, "events", nil, jobqueue.WithDedupKey("a"))
	require.NoError(t, err)
	assert.False(t, h.Duplicate)

	// Max age purges lazily on the next pass.
	clock.Advance(2 * time.Hour)
	purged, err := store.Purge(ctx, "events", jobqueue.StateCompleted, q.Policy("events").Retention.Completed, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	counts, err := q.Counts(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[jobqueue.StateCompleted])
	assert.Equal(t, int64(1), counts[jobqueue.StateWaiting])
}

func TestRuntimeRun(t *testing.T) {
	q, _, _ := newTestQueue(t)
	rt := jobqueue.NewRuntime(q, zaptest.NewLogger(t), jobqueue.RuntimeOptions{JanitorInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan string, 2)
	rt.RegisterWorker("a", func(ctx context.Context, job *jobqueue.Job) error {
		done <- "a"
		return nil
	}, fastWorker)
	rt.RegisterWorker("b", func(ctx context.Context, job *jobqueue.Job) error {
		done <- "b"
		return nil
	}, fastWorker)
	_, err := q.Enqueue(ctx, "a", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", nil)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		result <- rt.Run(ctx)
	}()
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-done:
			got[name] = true
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for jobs")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Runtime did not stop")
	}
}
