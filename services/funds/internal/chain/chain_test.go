package chain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type failingChain struct {
	err   error
	calls int
}

func (f *failingChain) PrepareTransfer(context.Context, Transfer) (Prepared, error) {
	f.calls++
	return Prepared{}, f.err
}

func (f *failingChain) Broadcast(context.Context, Prepared) error {
	f.calls++
	return f.err
}

func (f *failingChain) Lookup(context.Context, string, string) (TxStatus, error) {
	f.calls++
	return TxStatus{}, f.err
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if !b.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("breaker should open at threshold")
	}
	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatalf("breaker should close after cooldown")
	}
}

func TestGuardedShortCircuits(t *testing.T) {
	inner := &failingChain{err: errors.New("rpc down")}
	g := WithBreaker(inner, NewBreaker(2, time.Minute), time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = g.Lookup(ctx, "ethereum", "0x1")
	}
	_, err := g.Lookup(ctx, "ethereum", "0x1")
	if !errors.Is(err, ErrBreakerOpen) || !errors.Is(err, apperr.ErrExternal) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected inner to be skipped once open, got %d calls", inner.calls)
	}
}

func TestGuardedRejectionIsHealthy(t *testing.T) {
	inner := &failingChain{err: Rejected("insufficient funds")}
	g := WithBreaker(inner, NewBreaker(1, time.Minute), time.Second)
	for i := 0; i < 3; i++ {
		if err := g.Broadcast(context.Background(), Prepared{}); !errors.Is(err, ErrRejected) {
			t.Fatalf("expected rejection, got %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("rejections must not open the breaker")
	}
}

func TestSimulatedConfirmations(t *testing.T) {
	sim := NewSimulated(0)
	ctx := context.Background()
	p, err := sim.PrepareTransfer(ctx, Transfer{Ref: uuid.New(), Chain: "ethereum", Currency: "ETH", To: "0xabc", Amount: decimal.RequireFromString("0.5")})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if st, err := sim.Lookup(ctx, "ethereum", p.TxHash); err != nil || st.Found {
		t.Fatalf("expected unknown tx before broadcast, got %+v %v", st, err)
	}
	if err := sim.Broadcast(ctx, p); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	sim.Mine(4)
	st, err := sim.Lookup(ctx, "ethereum", p.TxHash)
	if err != nil || !st.Found || st.Confirmations != 5 {
		t.Fatalf("expected 5 confirmations, got %+v %v", st, err)
	}
	if !st.Amount.Equal(decimal.RequireFromString("0.5")) || st.Currency != "ETH" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestSimulatedAmbiguousBroadcast(t *testing.T) {
	sim := NewSimulated(0)
	ctx := context.Background()
	sim.OnBroadcast(func(Prepared) (bool, error) { return true, context.DeadlineExceeded })
	p, _ := sim.PrepareTransfer(ctx, Transfer{Ref: uuid.New(), Currency: "ETH", To: "0xabc", Amount: decimal.NewFromInt(1)})

	if err := sim.Broadcast(ctx, p); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}
	st, _ := sim.Lookup(ctx, "ethereum", p.TxHash)
	if !st.Found {
		t.Fatalf("transaction should be on chain despite the timeout")
	}
}

func TestRouter(t *testing.T) {
	sim := NewSimulated(0)
	r := Router{"ethereum": sim}
	if _, err := r.Lookup(context.Background(), "", "0x1"); err != nil {
		t.Fatalf("empty chain should default to ethereum: %v", err)
	}
	if _, err := r.Lookup(context.Background(), "solana", "0x1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected unsupported chain, got %v", err)
	}
}

func TestWeiConversion(t *testing.T) {
	wei := toWei(decimal.RequireFromString("1.5"))
	if wei.String() != "1500000000000000000" {
		t.Fatalf("unexpected wei %s", wei)
	}
	if !fromWei(wei).Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("round trip failed")
	}
	if !ValidTxHash("0x" + strings.Repeat("ab", 32)) {
		t.Fatalf("expected valid hash")
	}
	if ValidTxHash("0xabc") {
		t.Fatalf("short hash accepted")
	}
}
