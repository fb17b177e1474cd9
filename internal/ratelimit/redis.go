package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// slidingWindowScript keeps one sorted set per key, scored by request time
// in milliseconds. Trim, count and insert run atomically so concurrent
// checks cannot sneak past the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, now .. '-' .. count)
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, retry}
`)

// RedisLimiter is a sliding-window counter shared across processes. One
// round trip per check.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisLimiter(opts RedisOptions, limit int, window time.Duration) (*RedisLimiter, error) {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisLimiter{client: client, limit: limit, window: window, now: time.Now}, nil
}

func (r *RedisLimiter) Check(ctx context.Context, key string) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, r.client, []string{keyPrefix + key},
		r.now().UnixMilli(), r.window.Milliseconds(), r.limit).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
