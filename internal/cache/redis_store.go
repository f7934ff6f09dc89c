package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEntryPrefix = "bookmate:cache:"
	redisFencePrefix = "bookmate:fence:"
)

// fencedPut stores the entry unless the fence is at or after fetchedAt.
// KEYS[1] entry, KEYS[2] fence. ARGV[1] payload, ARGV[2] fetchedAt (µs), ARGV[3] px.
var fencedPut = redis.NewScript(`
local fence = redis.call('GET', KEYS[2])
if fence and tonumber(fence) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisStore shares the cache across gateway replicas.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	opts   options
}

// NewRedisStore creates a Redis-backed cache.
func NewRedisStore(client *redis.Client, logger *slog.Logger, opts ...Option) *RedisStore {
	return &RedisStore{client: client, logger: logger, opts: buildOptions(opts)}
}

func entryKey(tenant TenantKey, kind Kind) string { return redisEntryPrefix + Key(tenant, kind) }
func fenceKey(tenant TenantKey, kind Kind) string { return redisFencePrefix + Key(tenant, kind) }

func (r *RedisStore) load(ctx context.Context, tenant TenantKey, kind Kind) (*Entry, bool) {
	raw, err := r.client.Get(ctx, entryKey(tenant, kind)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			cacheStoreErrors.WithLabelValues("get").Inc()
			r.logger.Warn("cache: redis get failed", "tenant", tenant, "kind", kind, "error", err)
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		cacheStoreErrors.WithLabelValues("decode").Inc()
		r.logger.Warn("cache: undecodable redis entry", "tenant", tenant, "kind", kind, "error", err)
		return nil, false
	}
	return &e, true
}

func (r *RedisStore) Get(ctx context.Context, tenant TenantKey, kind Kind) (*Entry, bool) {
	e, ok := r.load(ctx, tenant, kind)
	if !ok || !e.Fresh(r.opts.now()) {
		cacheLookups.WithLabelValues(string(kind), "miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues(string(kind), "hit").Inc()
	return e, true
}

func (r *RedisStore) GetStale(ctx context.Context, tenant TenantKey, kind Kind) (*Entry, bool) {
	e, ok := r.load(ctx, tenant, kind)
	if !ok {
		return nil, false
	}
	now := r.opts.now()
	if e.Age(now) >= e.TTL+r.opts.retention {
		return nil, false
	}
	e.Stale = !e.Fresh(now)
	if e.Stale {
		cacheLookups.WithLabelValues(string(kind), "stale").Inc()
	}
	return e, true
}

func (r *RedisStore) Put(ctx context.Context, e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	px := (e.TTL + r.opts.retention).Milliseconds()
	if px <= 0 {
		px = 1
	}

	stored, err := fencedPut.Run(ctx, r.client,
		[]string{entryKey(e.Tenant, e.Kind), fenceKey(e.Tenant, e.Kind)},
		payload, strconv.FormatInt(e.FetchedAt.UnixMicro(), 10), px,
	).Int()
	if err != nil {
		cachePuts.WithLabelValues("error").Inc()
		return err
	}
	if stored == 0 {
		cachePuts.WithLabelValues("fenced").Inc()
		return ErrFenced
	}
	cachePuts.WithLabelValues("stored").Inc()
	return nil
}

func (r *RedisStore) Invalidate(ctx context.Context, tenant TenantKey, kind Kind) error {
	return r.invalidate(ctx, tenant, []Kind{kind})
}

func (r *RedisStore) InvalidateAll(ctx context.Context, tenant TenantKey) error {
	return r.invalidate(ctx, tenant, Kinds)
}

func (r *RedisStore) invalidate(ctx context.Context, tenant TenantKey, kinds []Kind) error {
	now := strconv.FormatInt(r.opts.now().UnixMicro(), 10)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, kind := range kinds {
			pipe.Del(ctx, entryKey(tenant, kind))
			pipe.Set(ctx, fenceKey(tenant, kind), now, fenceHold)
		}
		return nil
	})
	if err != nil {
		cacheStoreErrors.WithLabelValues("invalidate").Inc()
		return err
	}
	for _, kind := range kinds {
		cacheInvalidations.WithLabelValues(string(kind)).Inc()
	}
	return nil
}

// Ping checks connectivity (health registry).
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
