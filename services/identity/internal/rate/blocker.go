package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BlockPolicy bans an address for Ban once it reaches Threshold failures within Track.
type BlockPolicy struct {
	Threshold int
	Track     time.Duration
	Ban       time.Duration
}

func DefaultBlockPolicy() BlockPolicy {
	return BlockPolicy{Threshold: 10, Track: 5 * time.Minute, Ban: time.Hour}
}

type Block struct {
	Reason string
	Until  time.Time
}

// Blocker tracks failed authentications per client address.
type Blocker interface {
	// Fail records a failure and reports whether it tripped a block.
	Fail(ctx context.Context, addr, reason string, now time.Time) (bool, error)
	// Blocked returns nil when addr may proceed.
	Blocked(ctx context.Context, addr string, now time.Time) (*Block, error)
	// Clear forgets failures after a successful authentication.
	Clear(ctx context.Context, addr string) error
	Unblock(ctx context.Context, addr string) error
}

func blockReason(p BlockPolicy, last string) string {
	return fmt.Sprintf("%d failed attempts, last: %s", p.Threshold, last)
}

type addrState struct {
	failures []time.Time
	block    *Block
}

// MemoryBlocker is the single-replica Blocker.
type MemoryBlocker struct {
	mu        sync.Mutex
	policy    BlockPolicy
	addrs     map[string]*addrState
	lastSweep time.Time
}

func NewMemoryBlocker(p BlockPolicy) *MemoryBlocker {
	return &MemoryBlocker{policy: p, addrs: make(map[string]*addrState)}
}

func (b *MemoryBlocker) Fail(_ context.Context, addr, reason string, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweep(now)

	st, ok := b.addrs[addr]
	if !ok {
		st = &addrState{}
		b.addrs[addr] = st
	}
	if st.block != nil && now.Before(st.block.Until) {
		return false, nil
	}
	st.block = nil
	st.failures = append(recent(st.failures, now.Add(-b.policy.Track)), now)
	if len(st.failures) < b.policy.Threshold {
		return false, nil
	}
	st.failures = nil
	st.block = &Block{Reason: blockReason(b.policy, reason), Until: now.Add(b.policy.Ban)}
	return true, nil
}

func (b *MemoryBlocker) Blocked(_ context.Context, addr string, now time.Time) (*Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.addrs[addr]
	if !ok || st.block == nil || !now.Before(st.block.Until) {
		return nil, nil
	}
	blk := *st.block
	return &blk, nil
}

func (b *MemoryBlocker) Clear(_ context.Context, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.addrs[addr]; ok {
		st.failures = nil
		if st.block == nil {
			delete(b.addrs, addr)
		}
	}
	return nil
}

func (b *MemoryBlocker) Unblock(_ context.Context, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addrs, addr)
	return nil
}

func (b *MemoryBlocker) sweep(now time.Time) {
	if now.Sub(b.lastSweep) < b.policy.Track {
		return
	}
	cutoff := now.Add(-b.policy.Track)
	for addr, st := range b.addrs {
		st.failures = recent(st.failures, cutoff)
		if len(st.failures) == 0 && (st.block == nil || !now.Before(st.block.Until)) {
			delete(b.addrs, addr)
		}
	}
	b.lastSweep = now
}

func recent(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// failScript trims and appends to the failure log (KEYS[1]) and sets the ban key
// (KEYS[2]) once the log reaches the threshold.
var failScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
local now = tonumber(ARGV[1])
local track = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - track)
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], track)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
  redis.call("SET", KEYS[2], ARGV[6], "PX", ARGV[5])
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// RedisBlocker shares blocks across identity replicas. Ban expiry follows the Redis clock.
type RedisBlocker struct {
	client redis.UniversalClient
	policy BlockPolicy
	prefix string
}

func NewRedisBlocker(client redis.UniversalClient, p BlockPolicy, prefix string) *RedisBlocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBlocker{client: client, policy: p, prefix: prefix}
}

func (b *RedisBlocker) failKey(addr string) string  { return b.prefix + "fail:" + addr }
func (b *RedisBlocker) blockKey(addr string) string { return b.prefix + "block:" + addr }

func (b *RedisBlocker) Fail(ctx context.Context, addr, reason string, now time.Time) (bool, error) {
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	n, err := failScript.Run(ctx, b.client, []string{b.failKey(addr), b.blockKey(addr)},
		now.UnixMilli(), b.policy.Track.Milliseconds(), b.policy.Threshold, member,
		b.policy.Ban.Milliseconds(), blockReason(b.policy, reason)).Int64()
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	return n == 1, nil
}

func (b *RedisBlocker) Blocked(ctx context.Context, addr string, now time.Time) (*Block, error) {
	pipe := b.client.Pipeline()
	reason := pipe.Get(ctx, b.blockKey(addr))
	ttl := pipe.PTTL(ctx, b.blockKey(addr))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("check block: %w", err)
	}
	if errors.Is(reason.Err(), redis.Nil) {
		return nil, nil
	}
	return &Block{Reason: reason.Val(), Until: now.Add(ttl.Val())}, nil
}

func (b *RedisBlocker) Clear(ctx context.Context, addr string) error {
	return b.client.Del(ctx, b.failKey(addr)).Err()
}

func (b *RedisBlocker) Unblock(ctx context.Context, addr string) error {
	return b.client.Del(ctx, b.failKey(addr), b.blockKey(addr)).Err()
}

var (
	_ Blocker = (*MemoryBlocker)(nil)
	_ Blocker = (*RedisBlocker)(nil)
)
