package nonce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRetention = 24 * time.Hour

// consumeScript flips the consumed flag only when the nonce exists, is unexpired and
// has not been consumed yet.
var consumeScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "expires_at")
if not v then return 0 end
if tonumber(v) <= tonumber(ARGV[1]) then return 0 end
if redis.call("HSETNX", KEYS[1], "consumed", "1") == 0 then return 0 end
return 1
`)

type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "nonce:"
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(address, value string) string {
	return s.prefix + address + ":" + value
}

func (s *RedisStore) Save(ctx context.Context, n Nonce) error {
	key := s.key(lower(n.Address), n.Value)
	ttl := time.Until(n.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"address":    n.Address,
		"message":    n.Message,
		"issued_at":  n.IssuedAt.UnixMilli(),
		"expires_at": n.ExpiresAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save nonce: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, address, value string) (Nonce, error) {
	fields, err := s.client.HGetAll(ctx, s.key(address, value)).Result()
	if err != nil {
		return Nonce{}, fmt.Errorf("redis get nonce: %w", err)
	}
	if len(fields) == 0 {
		return Nonce{}, ErrNotFound
	}
	issued, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return Nonce{}, fmt.Errorf("parse issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Nonce{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return Nonce{
		Address:   fields["address"],
		Value:     value,
		Message:   fields["message"],
		IssuedAt:  time.UnixMilli(issued).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
		Consumed:  fields["consumed"] == "1",
	}, nil
}

func (s *RedisStore) Consume(ctx context.Context, address, value string, now time.Time) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(address, value)}, now.UnixMilli()).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis consume nonce: %w", err)
	}
	return res == 1, nil
}

// Sweep is a no-op: every key carries a TTL of nonce lifetime plus retention.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func lower(address string) string {
	return strings.ToLower(address)
}
