package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
)

var ErrBreakerOpen = errors.New("chain circuit open")

// Breaker opens after threshold consecutive collaborator failures and stays open for cooldown.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	openedUntil time.Time
	cooldown    time.Duration
	now         func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedUntil.IsZero() {
		return true
	}
	if b.now().After(b.openedUntil) {
		b.openedUntil = time.Time{}
		b.failures = 0
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedUntil = time.Time{}
}

func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedUntil = b.now().Add(b.cooldown)
	}
}

// Guarded wraps a Chain with a breaker and a per-call timeout. Rejections and not-found
// answers are healthy responses and do not count as failures.
type Guarded struct {
	inner   Chain
	breaker *Breaker
	timeout time.Duration
}

func WithBreaker(inner Chain, breaker *Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow() {
		return apperr.External("chain "+op, ErrBreakerOpen)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := fn(callCtx)
	switch {
	case err == nil, errors.Is(err, ErrRejected):
		g.breaker.RecordSuccess()
	case apperr.KindOf(err) == apperr.KindValidation:
	default:
		g.breaker.RecordFailure()
	}
	return err
}

func (g *Guarded) PrepareTransfer(ctx context.Context, t Transfer) (Prepared, error) {
	var out Prepared
	err := g.call(ctx, "prepare", func(ctx context.Context) error {
		var err error
		out, err = g.inner.PrepareTransfer(ctx, t)
		return err
	})
	return out, err
}

func (g *Guarded) Broadcast(ctx context.Context, p Prepared) error {
	return g.call(ctx, "broadcast", func(ctx context.Context) error {
		return g.inner.Broadcast(ctx, p)
	})
}

func (g *Guarded) Lookup(ctx context.Context, chainName, txHash string) (TxStatus, error) {
	var out TxStatus
	err := g.call(ctx, "lookup", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Lookup(ctx, chainName, txHash)
		return err
	})
	return out, err
}
