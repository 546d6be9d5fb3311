package cachegc

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Invalidation broadcasts cache evictions between processes over a Redis stream.
type Invalidation struct {
	Redis *redis.Client

	StreamKey string // Redis key
	Backlog   int64  // Number of invalidations to keep

	// Evict is called for every key read from the stream.
	Evict func(key string)
	// OnError is called when reading the stream failed. Reads are retried.
	OnError func(err error)
	// RetryInterval is the pause after a failed read.
	RetryInterval time.Duration

	streamID string // ID of last message
}

// Run applies cache invalidations from Redis Streams until the context is canceled.
// Only invalidations added after Run started are applied.
func (i *Invalidation) Run(ctx context.Context) error {
	if i.streamID == "" {
		i.streamID = "$"
	}
	retry := i.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}
	for {
		err := i.read(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			continue
		}
		if i.OnError != nil {
			i.OnError(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (i *Invalidation) read(ctx context.Context) error {
	streams, err := i.Redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{i.StreamKey, i.streamID},
		Count:   128,
		Block:   time.Second,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	} else if err != nil {
		return err
	}
	if len(streams) < 1 {
		return nil
	}
	for _, msg := range streams[0].Messages {
		i.streamID = msg.ID
		key, ok := msg.Values["key"].(string)
		if !ok {
			continue
		}
		i.Evict(key)
	}
	return nil
}

// Add commits another cache invalidation.
func (i *Invalidation) Add(ctx context.Context, key string) error {
	return i.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream:       i.StreamKey,
		MaxLenApprox: i.Backlog,
		ID:           "*",
		Values:       []string{"key", key},
	}).Err()
}
