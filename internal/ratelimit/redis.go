package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/logging"
)

// Sliding window over a Redis sorted set. Returns
// [allowed (0/1), remaining, retryAfterMs].
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if #oldest >= 2 then
    retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

const redisBudget = 100 * time.Millisecond

// Distributed shares one sliding window across gateway replicas through
// Redis. When Redis is unreachable it fails open rather than taking the
// route down with it.
type Distributed struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

// NewDistributed creates a Redis-backed limiter. Zero or negative
// window falls back to one minute.
func NewDistributed(client *redis.Client, max int, window time.Duration) *Distributed {
	if window <= 0 {
		window = time.Minute
	}
	return &Distributed{
		client: client,
		prefix: "apron:rl:",
		max:    max,
		window: window,
	}
}

// TryAcquire runs the window script against Redis with a short budget
// so a slow Redis never stalls the request path.
func (d *Distributed) TryAcquire(ctx context.Context, key string) Decision {
	ctx, cancel := context.WithTimeout(ctx, redisBudget)
	defer cancel()

	res, err := slidingWindowScript.Run(ctx, d.client,
		[]string{d.prefix + key},
		time.Now().UnixMilli(),
		d.window.Milliseconds(),
		d.max,
	).Int64Slice()

	if err != nil || len(res) != 3 {
		logging.Warn("redis rate limit unavailable, failing open",
			zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, Limit: d.max, Remaining: d.max}
	}

	if res[0] != 1 {
		return Decision{
			Allowed:    false,
			Limit:      d.max,
			RetryAfter: time.Duration(res[2]) * time.Millisecond,
		}
	}
	return Decision{Allowed: true, Limit: d.max, Remaining: int(res[1])}
}
