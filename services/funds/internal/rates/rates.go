// Package rates supplies point-in-time exchange rates. Workflows freeze the quoted rate into
// the record they create and never re-quote it.
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/shopspring/decimal"
)

// Quoter returns how many units of to one unit of from buys.
type Quoter interface {
	Quote(ctx context.Context, from, to string) (decimal.Decimal, error)
}

type FallbackMetrics interface {
	IncRateFallback(policy string)
}

// Cache holds the last good quote per pair for the configured ttl.
type Cache interface {
	Get(ctx context.Context, pair string) (decimal.Decimal, bool)
	Set(ctx context.Context, pair string, rate decimal.Decimal)
}

func normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func pairKey(from, to string) string {
	return normalize(from) + "/" + normalize(to)
}

// StaticQuoter serves a fixed rate table. Inverse pairs are derived and identical
// currencies quote 1.
type StaticQuoter struct {
	rates map[string]decimal.Decimal
}

// NewStaticQuoter accepts pairs as "FROM/TO" keys.
func NewStaticQuoter(table map[string]decimal.Decimal) (*StaticQuoter, error) {
	q := &StaticQuoter{rates: make(map[string]decimal.Decimal, len(table))}
	for pair, rate := range table {
		parts := strings.Split(pair, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid rate pair %q", pair)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", pair)
		}
		q.rates[pairKey(parts[0], parts[1])] = rate
	}
	return q, nil
}

func (q *StaticQuoter) Quote(_ context.Context, from, to string) (decimal.Decimal, error) {
	if normalize(from) == normalize(to) {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := q.rates[pairKey(from, to)]; ok {
		return rate, nil
	}
	if rate, ok := q.rates[pairKey(to, from)]; ok {
		return decimal.NewFromInt(1).DivRound(rate, 18), nil
	}
	return decimal.Zero, apperr.Validationf("no rate for %s", pairKey(from, to))
}

// CachedQuoter wraps an upstream quoter with bounded retries. The last good quote per pair is
// kept for ttl and served when the upstream is unavailable.
type CachedQuoter struct {
	upstream Quoter
	policy   retry.Policy
	metrics  retry.Metrics
	fallback FallbackMetrics
	logger   *slog.Logger
	cache    Cache
}

func NewCachedQuoter(upstream Quoter, ttl time.Duration, policy retry.Policy, metrics retry.Metrics, fallback FallbackMetrics, logger *slog.Logger) *CachedQuoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedQuoter{
		upstream: upstream,
		policy:   policy,
		metrics:  metrics,
		fallback: fallback,
		logger:   logger,
		cache:    NewMemoryCache(ttl),
	}
}

// WithCache replaces the in-process cache, e.g. with a RedisCache shared by replicas.
func (q *CachedQuoter) WithCache(c Cache) *CachedQuoter {
	if c != nil {
		q.cache = c
	}
	return q
}

func (q *CachedQuoter) Quote(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := pairKey(from, to)
	rate, err := retry.Do(ctx, "rates", q.policy, q.metrics, func(ctx context.Context) (decimal.Decimal, error) {
		return q.upstream.Quote(ctx, from, to)
	})
	if err == nil {
		if !rate.IsPositive() {
			return decimal.Zero, apperr.External("rates", fmt.Errorf("non-positive rate %s for %s", rate, key))
		}
		q.cache.Set(ctx, key, rate)
		return rate, nil
	}

	if !apperr.IsKind(err, apperr.KindExternal) {
		return decimal.Zero, err
	}
	if cached, ok := q.cache.Get(ctx, key); ok {
		if q.fallback != nil {
			q.fallback.IncRateFallback("cached")
		}
		q.logger.Warn("rate source unavailable, using cached rate", "pair", key, "error", err)
		return cached, nil
	}
	return decimal.Zero, err
}

// MemoryCache is the default Cache for a single replica.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]rateCacheEntry
}

type rateCacheEntry struct {
	rate    decimal.Decimal
	expires time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]rateCacheEntry),
	}
}

func (c *MemoryCache) Get(_ context.Context, pair string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[pair]
	if !ok {
		return decimal.Zero, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, pair)
		return decimal.Zero, false
	}
	return entry.rate, true
}

func (c *MemoryCache) Set(_ context.Context, pair string, rate decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pair] = rateCacheEntry{
		rate:    rate,
		expires: c.now().Add(c.ttl),
	}
}
