package rates

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRedisCacheExpires(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	cache := NewRedisCache(client, time.Minute, "test:", nil)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "USDT/INR"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	cache.Set(ctx, "USDT/INR", decimal.RequireFromString("83.5"))
	rate, ok := cache.Get(ctx, "USDT/INR")
	if !ok || !rate.Equal(decimal.RequireFromString("83.5")) {
		t.Fatalf("expected 83.5, got %s %v", rate, ok)
	}
	if !s.Exists("test:USDT/INR") {
		t.Fatalf("expected prefixed key")
	}

	s.FastForward(2 * time.Minute)
	if _, ok := cache.Get(ctx, "USDT/INR"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisCacheDownIsAMiss(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	cache := NewRedisCache(client, time.Minute, "", nil)

	s.Close()
	cache.Set(context.Background(), "USDT/INR", decimal.NewFromInt(84))
	if _, ok := cache.Get(context.Background(), "USDT/INR"); ok {
		t.Fatalf("expected miss when redis is down")
	}
}

func TestCachedQuoterSharesRedisFallback(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	shared := NewRedisCache(client, time.Minute, "", nil)
	ctx := context.Background()

	warm := NewCachedQuoter(&flakyQuoter{rate: decimal.NewFromInt(84)}, time.Minute, quickPolicy(), nil, nil, nil).WithCache(shared)
	if _, err := warm.Quote(ctx, "USDT", "INR"); err != nil {
		t.Fatalf("warm quote: %v", err)
	}

	fallbacks := &fallbackCounter{}
	cold := NewCachedQuoter(&flakyQuoter{err: status.Error(codes.Unavailable, "down")}, time.Minute, quickPolicy(), nil, fallbacks, nil).WithCache(shared)
	rate, err := cold.Quote(ctx, "USDT", "INR")
	if err != nil || !rate.Equal(decimal.NewFromInt(84)) {
		t.Fatalf("expected rate cached by another replica, got %s %v", rate, err)
	}
	if len(fallbacks.policies) != 1 {
		t.Fatalf("expected one fallback, got %v", fallbacks.policies)
	}
}
