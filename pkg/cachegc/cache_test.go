package cachegc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/redistest"
)

func TestCache_Expiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cache, err := NewCache[string, int](16, time.Minute)
	require.NoError(t, err)
	cache.Now = func() time.Time { return now }

	cache.Add("a", 1)
	now = now.Add(30 * time.Second)
	cache.Add("b", 2)
	v, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(45 * time.Second)
	_, ok = cache.Get("a")
	assert.False(t, ok)
	v, ok = cache.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_GetOrLoad(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCache[string, string](16, time.Hour)
	require.NoError(t, err)
	var loads int
	load := func(context.Context) (string, error) {
		loads++
		return "value", nil
	}
	for i := 0; i < 3; i++ {
		v, err := cache.GetOrLoad(ctx, "k", load)
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	}
	assert.Equal(t, 1, loads)

	boom := errors.New("boom")
	_, err = cache.GetOrLoad(ctx, "other", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok := cache.Get("other")
	assert.False(t, ok)

	cache.Remove("k")
	_, err = cache.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestInvalidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)

	cache, err := NewCache[string, int](16, time.Hour)
	require.NoError(t, err)
	cache.Add("user1", 1)
	cache.Add("user2", 2)
	evicted := make(chan string, 1)
	inv := &Invalidation{
		Redis:     rd.Client,
		StreamKey: "invalidations",
		Backlog:   100,
		Evict: func(key string) {
			cache.Remove(key)
			evicted <- key
		},
	}
	// Start reading from the beginning of the stream.
	inv.streamID = "0"
	go func() { _ = inv.Run(ctx) }()

	require.NoError(t, inv.Add(ctx, "user1"))
	select {
	case key := <-evicted:
		assert.Equal(t, "user1", key)
	case <-time.After(5 * time.Second):
		t.Fatal("No invalidation received")
	}
	_, ok := cache.Get("user1")
	assert.False(t, ok)
	_, ok = cache.Get("user2")
	assert.True(t, ok)
}
