package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces bucket hashes in Redis.
const KeyPrefix = "ratelimit:upload:"

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// A bucket holds up to capacity tokens and regains refill tokens per second.
type TokenBucket struct {
	client   redis.UniversalClient
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Idle
// buckets expire after ttl.
func NewTokenBucket(client redis.UniversalClient, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Enabled reports whether the bucket limits anything. Capacity 0 disables it.
func (b *TokenBucket) Enabled() bool {
	return b != nil && b.capacity > 0
}

// Allow consumes a single token for the given client if available and
// returns the whole tokens left.
func (b *TokenBucket) Allow(ctx context.Context, client string) (bool, int64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{KeyPrefix + client},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", client, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", client, res)
	}
	return res[0] == 1, res[1], nil
}

// The reply carries whole tokens; the fractional balance stays in the hash.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
