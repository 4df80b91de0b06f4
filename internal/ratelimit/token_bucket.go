// Package ratelimit throttles how fast queued actions are pushed to the
// remote service after a long offline stretch.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a token bucket kept in Redis, so every agent process that
// shares a device namespace draws from the same budget.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// ReplayKey is the bucket key used for replay dispatches of one device.
func ReplayKey(deviceID string) string {
	return "fieldsync:rl:replay:" + deviceID
}

// Allow takes one dispatch token from key when one is available and reports
// how many whole and fractional tokens remain.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := takeToken.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	granted, _ := res[0].(int64)
	level, _ := res[1].(string)
	left, err := strconv.ParseFloat(level, 64)
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: bad level %q: %w", key, level, err)
	}
	return granted == 1, left, nil
}

// takeToken refills the bucket for the time since the last dispatch, spends
// one token if it can and returns {granted, level}. The level is sent as a
// string so fractions survive the Lua to Redis reply conversion.
var takeToken = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'stamp_ms')
local level = tonumber(state[1]) or capacity
local stamp = tonumber(state[2]) or now_ms

if now_ms > stamp then
  level = math.min(capacity, level + (now_ms - stamp) * per_sec / 1000)
end

local granted = 0
if level >= 1 then
  level = level - 1
  granted = 1
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'stamp_ms', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl_ms)
end
return {granted, tostring(level)}
`)
