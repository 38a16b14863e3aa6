package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript keeps one sorted set per key scored by hit time in microseconds.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, ARGV[1], member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000))
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {1, limit - count - 1, tonumber(oldest[2]) + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, -1, tonumber(oldest[2]) + window}
`)

// RedisStore implements Store on Redis sorted sets so that several processes
// share one window per key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store that namespaces keys with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (rs *RedisStore) key(key string) string {
	return rs.prefix + ":" + key
}

// Reserve implements Store.
func (rs *RedisStore) Reserve(ctx context.Context, key string, now time.Time, config Config) (Result, error) {
	token := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()
	vals, err := reserveScript.Run(ctx, rs.client, []string{rs.key(key)},
		now.UnixMicro(), config.Window.Microseconds(), config.Limit, token,
	).Int64Slice()
	if err != nil {
		return Result{}, errors.Join(ErrStoreUnavailable, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, vals)
	}

	res := Result{
		Limit:     config.Limit,
		Remaining: int(vals[1]),
		ResetAt:   time.UnixMicro(vals[2]),
	}
	if vals[0] == 1 {
		res.Token = token
	}
	return res, nil
}

// Release implements Store.
func (rs *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := rs.client.ZRem(ctx, rs.key(key), token).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// Reset implements Store.
func (rs *RedisStore) Reset(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.key(key)).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
