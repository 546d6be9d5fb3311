package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/redistest"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 15.0, Estimate(10, 5, 0, 10*time.Second))
	assert.Equal(t, 10.0, Estimate(10, 5, 5*time.Second, 10*time.Second))
	assert.Equal(t, 5.0, Estimate(10, 5, 10*time.Second, 10*time.Second))
	assert.Equal(t, 5.0, Estimate(10, 5, 20*time.Second, 10*time.Second))
	assert.Equal(t, 5.0, Estimate(10, 5, 0, 0))
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 34, 56, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), WindowStart(now, time.Hour))
}

func TestSliding(t *testing.T) {
	ctx := context.Background()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)
	s := &Sliding{Redis: rd.Client, Prefix: "rl:"}
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		res, err := s.Allow(ctx, "user1", 3, time.Hour, start.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.Used)
	}
	res, err := s.Allow(ctx, "user1", 3, time.Hour, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining(3))
	assert.Equal(t, start.Add(time.Hour), res.ResetAt)

	// Halfway into the next window, half of the previous window still counts.
	res, err = s.Allow(ctx, "user1", 3, time.Hour, start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Used)
	res, err = s.Allow(ctx, "user1", 3, time.Hour, start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = s.Allow(ctx, "user1", 3, time.Hour, start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Other keys are independent.
	res, err = s.Allow(ctx, "user2", 3, time.Hour, start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
