package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bookmate:rl:"

// incrWindow counts one request and opens the window on the first hit.
// Returns {count, pttl}.
var incrWindow = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// RedisStore shares windows across gateway replicas. Redis key expiry
// replaces windows; no sweep is needed.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed window store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	res, err := incrWindow.Run(ctx, s.client, []string{redisKeyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(res) != 2 {
		return 0, time.Time{}, errors.New("ratelimit: unexpected script reply")
	}
	return int(res[0]), startFromTTL(s.now(), window, res[1]), nil
}

func (s *RedisStore) Current(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, redisKeyPrefix+key)
	ttl := pipe.PTTL(ctx, redisKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, err
	}
	count, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, startFromTTL(s.now(), window, ttl.Val().Milliseconds()), nil
}

func startFromTTL(now time.Time, window time.Duration, ttlMs int64) time.Time {
	return now.Add(time.Duration(ttlMs) * time.Millisecond).Add(-window)
}

// Ping checks connectivity (health registry).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
