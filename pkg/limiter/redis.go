package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix time in seconds (microsecond precision)
// ARGV[5] = key TTL in seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets between replicas through Redis.
type RedisStore struct {
	client redis.Scripter
	policy Policy
	prefix string
}

// NewRedisStore creates a store backed by client.
func NewRedisStore(client redis.Scripter, p Policy) *RedisStore {
	return &RedisStore{client: client, policy: p.normalized(), prefix: "nexus:limiter:"}
}

// NewRedisStoreFromAddr dials a single Redis node.
func NewRedisStoreFromAddr(addr, password string, db int, p Policy) (*RedisStore, *redis.Client) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStore(rdb, p), rdb
}

// ttl is how long an idle bucket lives: long enough to refill completely.
func (s *RedisStore) ttl() int {
	secs := int(float64(s.policy.Burst)/s.policy.RPS) + 1
	if secs < 60 {
		secs = 60
	}
	return secs
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		s.policy.RPS, s.policy.Burst, cost, now, s.ttl()).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
