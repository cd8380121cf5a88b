package rates

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const defaultRedisPrefix = "cex:funds:rates:"

// RedisCache shares last good quotes across funds replicas. Redis errors degrade to a cache
// miss so a quote never fails because the cache is down.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration, prefix string, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, ttl: ttl, prefix: prefix, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, pair string) (decimal.Decimal, bool) {
	raw, err := c.client.Get(ctx, c.prefix+pair).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("rate cache read failed", "pair", pair, "error", err)
		}
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

func (c *RedisCache) Set(ctx context.Context, pair string, rate decimal.Decimal) {
	if err := c.client.Set(ctx, c.prefix+pair, rate.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("rate cache write failed", "pair", pair, "error", err)
	}
}
