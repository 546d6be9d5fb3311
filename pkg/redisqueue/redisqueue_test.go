package redisqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/redistest"
)

var epoch = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(ctx context.Context, t *testing.T) (*Store, *time.Time) {
	rd := redistest.NewRedis(ctx, t)
	t.Cleanup(func() { rd.Close(t) })
	now := epoch
	return &Store{
		Redis:  rd.Client,
		Prefix: t.Name() + "_",
		Now:    func() time.Time { return now },
	}, &now
}

func testJob(id string) *jobqueue.Job {
	return &jobqueue.Job{
		ID:          id,
		Queue:       "test",
		Payload:     json.RawMessage(`{"n":1}`),
		MaxAttempts: 3,
		Backoff:     jobqueue.Backoff{Base: 5 * time.Second},
		Retention:   jobqueue.DefaultPolicy.Retention,
		CreatedAt:   epoch,
		ScheduledAt: epoch,
		State:       jobqueue.StateWaiting,
	}
}

func TestStore_EnqueueDedup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)

	created, err := s.Enqueue(ctx, testJob("a"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.Enqueue(ctx, testJob("a"))
	require.NoError(t, err)
	assert.False(t, created)

	counts, err := s.Counts(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[jobqueue.StateWaiting])
}

func TestStore_LeaseFIFO(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(ctx, t)
	for _, id := range []string{"1", "2", "3"} {
		_, err := s.Enqueue(ctx, testJob(id))
		require.NoError(t, err)
	}

	jobs, err := s.Lease(ctx, "test", "w1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "1", jobs[0].ID)
	assert.Equal(t, "2", jobs[1].ID)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, "w1", jobs[0].LeaseOwner)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), jobs[0].LeaseExpiresAt.UnixMilli())
	assert.JSONEq(t, `{"n":1}`, string(jobs[0].Payload))

	job, err := s.Get(ctx, "test", "1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateActive, job.State)
	assert.Equal(t, "w1", job.LeaseOwner)

	counts, err := s.Counts(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[jobqueue.StateWaiting])
	assert.Equal(t, int64(2), counts[jobqueue.StateActive])
}

func TestStore_Delayed(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(ctx, t)
	job := testJob("later")
	job.ScheduledAt = epoch.Add(10 * time.Second)
	_, err := s.Enqueue(ctx, job)
	require.NoError(t, err)

	jobs, err := s.Lease(ctx, "test", "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	got, err := s.Get(ctx, "test", "later")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateDelayed, got.State)

	*now = epoch.Add(10 * time.Second)
	n, err := s.Promote(ctx, "test", *now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs, err = s.Lease(ctx, "test", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "later", jobs[0].ID)
}

func TestStore_RetryAndFail(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(ctx, t)
	_, err := s.Enqueue(ctx, testJob("x"))
	require.NoError(t, err)

	jobs, err := s.Lease(ctx, "test", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.ErrorIs(t, s.Retry(ctx, jobs[0], "w2", epoch, "nope"), jobqueue.ErrLeaseLost)
	require.NoError(t, s.Retry(ctx, jobs[0], "w1", epoch.Add(5*time.Second), "boom"))

	got, err := s.Get(ctx, "test", "x")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateDelayed, got.State)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, epoch.Add(5*time.Second).UnixMilli(), got.ScheduledAt.UnixMilli())

	*now = epoch.Add(5 * time.Second)
	jobs, err = s.Lease(ctx, "test", "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, "boom", jobs[0].LastError)

	require.NoError(t, s.Fail(ctx, jobs[0], "w1", "still broken"))
	assert.ErrorIs(t, s.Complete(ctx, jobs[0], "w1"), jobqueue.ErrLeaseLost)
	got, err = s.Get(ctx, "test", "x")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateFailed, got.State)
	assert.Equal(t, "still broken", got.LastError)
	require.NotNil(t, got.FinishedAt)

	// Finished records still absorb duplicates.
	created, err := s.Enqueue(ctx, testJob("x"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStore_Reclaim(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(ctx, t)
	_, err := s.Enqueue(ctx, testJob("lost"))
	require.NoError(t, err)
	_, err = s.Lease(ctx, "test", "dead", 1, time.Minute)
	require.NoError(t, err)

	jobs, err := s.Reclaim(ctx, "test", "janitor", *now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	*now = epoch.Add(2 * time.Minute)
	jobs, err = s.Reclaim(ctx, "test", "janitor", *now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "lost", jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, "janitor", jobs[0].LeaseOwner)

	assert.ErrorIs(t, s.Complete(ctx, jobs[0], "dead"), jobqueue.ErrLeaseLost)
	require.NoError(t, s.Retry(ctx, jobs[0], "janitor", *now, "lease expired"))
}

func TestStore_Purge(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(ctx, t)
	retention := jobqueue.RetentionPolicy{
		Completed: jobqueue.Retention{MaxCount: 2, MaxAge: time.Hour},
	}
	for _, id := range []string{"1", "2", "3"} {
		job := testJob(id)
		job.Retention = retention
		_, err := s.Enqueue(ctx, job)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		*now = now.Add(time.Second)
		jobs, err := s.Lease(ctx, "test", "w1", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, s.Complete(ctx, jobs[0], "w1"))
	}
	// Count bound is applied on completion.
	_, err := s.Get(ctx, "test", "1")
	assert.ErrorIs(t, err, jobqueue.ErrNotFound)
	counts, err := s.Counts(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[jobqueue.StateCompleted])

	*now = now.Add(2 * time.Hour)
	n, err := s.Purge(ctx, "test", jobqueue.StateCompleted, retention.Completed, *now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	counts, err = s.Counts(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[jobqueue.StateCompleted])
}

func TestStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s := &Store{Redis: client, Prefix: "down_"}
	_, err := s.Enqueue(ctx, testJob("a"))
	assert.ErrorIs(t, err, jobqueue.ErrUnavailable)
	_, err = s.Lease(ctx, "test", "w1", 1, time.Minute)
	assert.ErrorIs(t, err, jobqueue.ErrUnavailable)
}

func TestKeysForQueue(t *testing.T) {
	keys := KeysForQueue("jobgate_", "ingest")
	assert.Equal(t, "jobgate_{ingest}_W", keys.Waiting)
	assert.Equal(t, keys.Failed, keys.Finished(jobqueue.StateFailed))
	assert.Equal(t, keys.Completed, keys.Finished(jobqueue.StateCompleted))
}
