package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketTTL outlives any calendar month so a bucket is never dropped while current.
const bucketTTL = 62 * 24 * time.Hour

type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "usage:"}
}

func (s *RedisStore) Count(ctx context.Context, key Key) (int, error) {
	n, err := s.client.Get(ctx, s.prefix+key.String()).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get usage: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Increment(ctx context.Context, key Key) (int, error) {
	rk := s.prefix + key.String()
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rk)
		pipe.Expire(ctx, rk, bucketTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr usage: %w", err)
	}
	return int(incr.Val()), nil
}
