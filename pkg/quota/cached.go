package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cached returns the JSON value stored at key.
// On a miss, it calls compute and stores the result for ttl, unless another caller stored one first,
// in which case the stored value wins.
// Reports whether compute was called.
func Cached[T any](ctx context.Context, rd *redis.Client, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (value T, computed bool, err error) {
	// Fast path: Read from cache.
	raw, err := rd.Get(ctx, key).Bytes()
	if err == nil {
		if err := json.Unmarshal(raw, &value); err != nil {
			return value, false, fmt.Errorf("invalid cached value at %s: %w", key, err)
		}
		return value, false, nil
	} else if !errors.Is(err, redis.Nil) {
		return value, false, fmt.Errorf("failed to read cache: %w", err)
	}
	// Slow path: Compute and write back.
	value, err = compute(ctx)
	if err != nil {
		return value, true, err
	}
	raw, err = json.Marshal(value)
	if err != nil {
		return value, true, err
	}
	if ttl <= 0 {
		return value, true, nil
	}
	stored, err := rd.SetNX(ctx, key, raw, ttl).Result()
	if err != nil {
		return value, true, fmt.Errorf("failed to write cache: %w", err)
	}
	if !stored {
		// Lost the race, adopt the value of the winner.
		raw, err = rd.Get(ctx, key).Bytes()
		if err == nil {
			var winner T
			if json.Unmarshal(raw, &winner) == nil {
				return winner, true, nil
			}
		}
	}
	return value, true, nil
}
