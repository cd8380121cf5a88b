package rate

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket approximates a sliding window from two fixed ones: the previous window's
// count is weighted by how much of it still overlaps the sliding window.
type bucket struct {
	start  time.Time
	window time.Duration
	curr   int
	prev   int
}

func (b *bucket) advance(now time.Time) {
	elapsed := now.Sub(b.start)
	switch {
	case elapsed >= 2*b.window:
		b.prev, b.curr = 0, 0
		b.start = now.Truncate(b.window)
	case elapsed >= b.window:
		b.prev, b.curr = b.curr, 0
		b.start = b.start.Add(b.window)
	}
}

func (b *bucket) estimate(now time.Time) float64 {
	overlap := 1 - float64(now.Sub(b.start))/float64(b.window)
	return float64(b.prev)*overlap + float64(b.curr)
}

// wait is how long until one more hit fits under limit.
func (b *bucket) wait(now time.Time, limit int) time.Duration {
	w := float64(b.window)
	elapsed := float64(now.Sub(b.start))
	room := float64(limit - 1)
	var at float64
	if float64(b.curr) <= room {
		at = w * (1 - (room-float64(b.curr))/float64(b.prev))
	} else {
		at = w + w*(1-room/float64(b.curr))
	}
	d := time.Duration(math.Ceil(at - elapsed))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// WindowCounter is the single-replica Counter.
type WindowCounter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewWindowCounter() *WindowCounter {
	return &WindowCounter{buckets: make(map[string]*bucket)}
}

func (c *WindowCounter) Hit(_ context.Context, key string, p Policy, now time.Time) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep(now, p.Window)

	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{start: now.Truncate(p.Window), window: p.Window}
		c.buckets[key] = b
	}
	b.advance(now)

	used := b.estimate(now)
	if used+1 > float64(p.Limit) {
		return Decision{RetryAfter: b.wait(now, p.Limit)}, nil
	}
	b.curr++
	remaining := p.Limit - int(math.Ceil(used+1))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

func (c *WindowCounter) sweep(now time.Time, every time.Duration) {
	if now.Sub(c.lastSweep) < every {
		return
	}
	for k, b := range c.buckets {
		if now.Sub(b.start) >= 2*b.window {
			delete(c.buckets, k)
		}
	}
	c.lastSweep = now
}

func (c *WindowCounter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

var _ Counter = (*WindowCounter)(nil)
