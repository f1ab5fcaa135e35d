package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrScript refunds one hit without letting the counter go negative or
// resurrecting an expired key.
const decrScript = `
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count > 0 then
  redis.call("DECR", KEYS[1])
end
return count
`

var decrLua = redis.NewScript(decrScript)

// RedisStore backs counters with Redis for multi-instance deployments.
// Fixed-window semantics: the TTL is set on the first hit of each window.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore returns a counter store over the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: incr: %w", err)
	}

	if count == 1 {
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("ratelimit: expire: %w", err)
		}
		return count, time.Now().Add(window), nil
	}

	pttl, err := s.redis.PTTL(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: pttl: %w", err)
	}
	if pttl < 0 {
		// Counter lost its TTL (e.g. a crash between INCR and EXPIRE on the
		// first hit); restart the window rather than pinning it forever.
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("ratelimit: expire: %w", err)
		}
		pttl = window
	}

	return count, time.Now().Add(pttl), nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	if err := decrLua.Run(ctx, s.redis, []string{key}).Err(); err != nil {
		return fmt.Errorf("ratelimit: decr: %w", err)
	}
	return nil
}

var _ CounterStore = (*RedisStore)(nil)
