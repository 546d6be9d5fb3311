// Package redistest contains utilities for unit tests with Redis.
//
// Tests run against the server given by -redis-addr (or $REDISTEST_ADDR).
// Otherwise an ephemeral Redis container is started with Docker.
// Tests are skipped if neither is available.
package redistest

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var redisAddr = flag.String("redis-addr", os.Getenv("REDISTEST_ADDR"), "Use existing Redis server for tests")

// Redis is a Redis server and client for use in end-to-end unit tests.
type Redis struct {
	Client   *redis.Client
	Resource *dockertest.Resource
}

// NewRedis connects to a Redis server and returns a client.
// The selected database is flushed before returning.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		require.NoError(t, client.Ping(ctx).Err(), "Connection to Redis")
		require.NoError(t, client.FlushDB(ctx).Err())
		t.Log("redistest: Using Redis at", *redisAddr)
		return &Redis{Client: client}
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skip("redistest: Docker not available:", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skip("redistest: Docker not available:", err)
	}
	pool.MaxWait = time.Minute
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Tag:        "6-alpine",
		Cmd:        []string{"redis-server", "--loglevel", "verbose"},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err, "Creating Redis")
	t.Log("redistest: Created Redis Docker container")
	// Create Redis client.
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:" + resource.GetPort("6379/tcp"),
	})
	require.NoError(t, pool.Retry(func() error {
		return client.Ping(ctx).Err()
	}), "Connection to Redis")
	t.Log("redistest: Redis is up")
	return &Redis{
		Client:   client,
		Resource: resource,
	}
}

// Close shuts down the client and removes the container, if any.
func (r *Redis) Close(t testing.TB) {
	assert.NoError(t, r.Client.Close())
	if r.Resource != nil {
		assert.NoError(t, r.Resource.Close(), "Removing container")
	}
}
