package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "cex:identity:rl:"

// slidingLog keeps one sorted-set member per admitted hit, scored by its time in ms.
// Returns {allowed, remaining, retry_ms}.
var slidingLog = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local used = redis.call("ZCARD", KEYS[1])
if used >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, 0, retry}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, limit - used - 1, 0}
`)

// RedisCounter shares budgets across identity replicas. Time comes from the caller
// so replicas with skewed clocks still agree within their skew.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Hit(ctx context.Context, key string, p Policy, now time.Time) (Decision, error) {
	windowMS := p.Window.Milliseconds()
	if windowMS <= 0 {
		return Decision{}, fmt.Errorf("rate policy %q: window must be at least 1ms", p.Scope)
	}
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	vals, err := slidingLog.Run(ctx, c.client, []string{c.prefix + key}, now.UnixMilli(), windowMS, p.Limit, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate hit %s: %w", p.Scope, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("rate hit %s: unexpected reply %v", p.Scope, vals)
	}
	d := Decision{Allowed: vals[0] == 1, Remaining: int(vals[1])}
	if !d.Allowed {
		d.RetryAfter = time.Duration(vals[2]) * time.Millisecond
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
	}
	return d, nil
}

var _ Counter = (*RedisCounter)(nil)
