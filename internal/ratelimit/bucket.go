package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Bucket hands out permits. Wait blocks until one is available or ctx ends.
type Bucket interface {
	Wait(ctx context.Context) error
}

// LocalBucket is an in-process token bucket.
type LocalBucket struct {
	limiter *rate.Limiter
}

// NewLocalBucket allows rps permits per second with the given burst. A
// non-positive rps disables limiting.
func NewLocalBucket(rps float64, burst int) *LocalBucket {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &LocalBucket{limiter: rate.NewLimiter(limit, burst)}
}

func (b *LocalBucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// tokenBucketScript refills and consumes atomically so that every process
// sharing the key draws from the same quota.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// Returns {allowed, seconds until the next token}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

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
local wait = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    wait = (1 - tokens) / rate
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(wait)}
`)

// RedisBucket is a token bucket kept in Redis.
type RedisBucket struct {
	client *redis.Client
	key    string
	rate   float64
	burst  int
}

func NewRedisBucket(client *redis.Client, name string, rps float64, burst int) *RedisBucket {
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisBucket{
		client: client,
		key:    fmt.Sprintf("hubsync:limiter:%s", name),
		rate:   rps,
		burst:  burst,
	}
}

// Allow takes one permit if available and otherwise reports how long until
// the next one.
func (b *RedisBucket) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, b.client, []string{b.key}, b.rate, b.burst, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("invalid response from lua script")
	}

	allowed, _ := results[0].(int64)
	var wait time.Duration
	if s, ok := results[1].(string); ok {
		var secs float64
		if _, err := fmt.Sscanf(s, "%g", &secs); err == nil {
			wait = time.Duration(secs * float64(time.Second))
		}
	}
	return allowed == 1, wait, nil
}

func (b *RedisBucket) Wait(ctx context.Context) error {
	for {
		ok, wait, err := b.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}
