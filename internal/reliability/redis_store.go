package reliability

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

// RedisStore keeps each history in a list. Append runs RPUSH and LTRIM inside
// MULTI/EXEC so concurrent writers never drop an outcome.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "reliability:"}
}

func (s *RedisStore) key(k toolkey.Key) string {
	return s.prefix + string(k)
}

func (s *RedisStore) Append(ctx context.Context, key toolkey.Key, succeeded bool, window int) error {
	v := "0"
	if succeeded {
		v = "1"
	}
	rk := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, rk, v)
		if window > 0 {
			pipe.LTrim(ctx, rk, int64(-window), -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, key toolkey.Key, n int) ([]bool, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	vals, err := s.client.LRange(ctx, s.key(key), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent: %w", err)
	}
	out := make([]bool, len(vals))
	for i, v := range vals {
		out[i] = v == "1"
	}
	return out, nil
}
