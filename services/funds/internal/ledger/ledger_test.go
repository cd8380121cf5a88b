package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func op(typ OpType, user uuid.UUID, amount string, ref Ref) Op {
	return Op{Type: typ, UserID: user, Currency: "usdt", Amount: dec(amount), Ref: ref}
}

func withdrawalRef() Ref {
	return Ref{Type: RefFiatWithdrawal, ID: uuid.New()}
}

func seed(t *testing.T, book *MemoryBook, user uuid.UUID, amount string) {
	t.Helper()
	if _, err := book.Apply(context.Background(), op(OpCredit, user, amount, Ref{Type: RefAdjustment, ID: uuid.New()})); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
}

func TestAccountApplyRejectsBadAmounts(t *testing.T) {
	user := uuid.New()
	acct := Account{UserID: user, Currency: "USDT"}
	for _, amount := range []string{"0", "-1"} {
		_, err := acct.Apply(op(OpCredit, user, amount, withdrawalRef()), time.Now())
		if !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("amount %s: expected validation error, got %v", amount, err)
		}
	}
}

func TestAccountLockInsufficient(t *testing.T) {
	user := uuid.New()
	acct := Account{UserID: user, Currency: "USDT", Available: dec("10")}
	_, err := acct.Apply(op(OpLock, user, "10.01", withdrawalRef()), time.Now())
	if !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if !acct.Available.Equal(dec("10")) || !acct.Locked.IsZero() {
		t.Fatalf("account mutated on failure: %+v", acct)
	}
}

func TestAccountReleaseBeyondLocked(t *testing.T) {
	user := uuid.New()
	acct := Account{UserID: user, Currency: "USDT", Available: dec("10"), Locked: dec("1")}
	for _, typ := range []OpType{OpRelease, OpDebit} {
		_, err := acct.Apply(op(typ, user, "2", withdrawalRef()), time.Now())
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Fatalf("%s: expected invalid state, got %v", typ, err)
		}
	}
}

func TestAccountWrongAccount(t *testing.T) {
	acct := Account{UserID: uuid.New(), Currency: "USDT", Available: dec("10")}
	_, err := acct.Apply(op(OpLock, uuid.New(), "1", withdrawalRef()), time.Now())
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestLockReleaseRestores(t *testing.T) {
	book := NewMemoryBook()
	user := uuid.New()
	seed(t, book, user, "100")
	ref := withdrawalRef()
	ctx := context.Background()

	if _, err := book.Apply(ctx, op(OpLock, user, "37.5", ref)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := book.Apply(ctx, op(OpRelease, user, "37.5", ref)); err != nil {
		t.Fatalf("release: %v", err)
	}
	acct, _ := book.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(dec("100")) || !acct.Locked.IsZero() {
		t.Fatalf("expected 100/0, got %s/%s", acct.Available, acct.Locked)
	}
}

func TestWithdrawalApproveExample(t *testing.T) {
	book := NewMemoryBook()
	user := uuid.New()
	seed(t, book, user, "100")
	ref := withdrawalRef()
	ctx := context.Background()

	if _, err := book.Apply(ctx, op(OpLock, user, "40", ref)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	acct, _ := book.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(dec("60")) || !acct.Locked.Equal(dec("40")) {
		t.Fatalf("after lock expected 60/40, got %s/%s", acct.Available, acct.Locked)
	}
	if _, err := book.Apply(ctx, op(OpDebit, user, "40", ref)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	acct, _ = book.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(dec("60")) || !acct.Locked.IsZero() || !acct.Total().Equal(dec("60")) {
		t.Fatalf("after debit expected 60/0, got %s/%s", acct.Available, acct.Locked)
	}
}

func TestApplyIdempotentPerRefAndType(t *testing.T) {
	book := NewMemoryBook()
	user := uuid.New()
	seed(t, book, user, "100")
	ref := withdrawalRef()
	ctx := context.Background()

	if _, err := book.Apply(ctx, op(OpLock, user, "40", ref)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := book.Apply(ctx, op(OpRelease, user, "40", ref)); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := book.Apply(ctx, op(OpRelease, user, "40", ref))
	if !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	acct, _ := book.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(dec("100")) {
		t.Fatalf("second release mutated balance: %s", acct.Available)
	}
}

func TestConcurrentLocksSingleWinner(t *testing.T) {
	book := NewMemoryBook()
	user := uuid.New()
	seed(t, book, user, "100")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = book.Apply(context.Background(), op(OpLock, user, "60", withdrawalRef()))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrInsufficientBalance):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one lock to succeed, got %d", succeeded)
	}
	acct, _ := book.Balance(context.Background(), user, "USDT")
	if !acct.Available.Equal(dec("40")) || !acct.Locked.Equal(dec("60")) {
		t.Fatalf("expected 40/60, got %s/%s", acct.Available, acct.Locked)
	}
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	book := NewMemoryBook()
	user := uuid.New()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	types := []OpType{OpLock, OpRelease, OpDebit, OpCredit}

	for i := 0; i < 500; i++ {
		typ := types[rng.Intn(len(types))]
		amount := decimal.NewFromInt(int64(rng.Intn(50) + 1))
		_, _ = book.Apply(ctx, Op{Type: typ, UserID: user, Currency: "BTC", Amount: amount, Ref: Ref{Type: RefAdjustment, ID: uuid.New()}})

		acct, _ := book.Balance(ctx, user, "BTC")
		if acct.Available.IsNegative() || acct.Locked.IsNegative() {
			t.Fatalf("step %d: negative balance %s/%s", i, acct.Available, acct.Locked)
		}
	}

	acct, _ := book.Balance(ctx, user, "BTC")
	entries, _ := book.Entries(ctx, user, "BTC", 0)
	available, locked := Replay(reverse(entries))
	if !available.Equal(acct.Available) || !locked.Equal(acct.Locked) {
		t.Fatalf("replay %s/%s does not match balance %s/%s", available, locked, acct.Available, acct.Locked)
	}
}

func TestEntriesFilterAndLimit(t *testing.T) {
	book := NewMemoryBook()
	user := uuid.New()
	ctx := context.Background()
	seed(t, book, user, "5")
	seed(t, book, user, "6")
	if _, err := book.Apply(ctx, Op{Type: OpCredit, UserID: user, Currency: "BTC", Amount: dec("1"), Ref: withdrawalRef()}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	entries, _ := book.Entries(ctx, user, "USDT", 1)
	if len(entries) != 1 || !entries[0].AvailableAfter.Equal(dec("11")) {
		t.Fatalf("expected newest USDT entry, got %+v", entries)
	}
	all, _ := book.Entries(ctx, user, "", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	balances, _ := book.Balances(ctx, user)
	if len(balances) != 2 || balances[0].Currency != "BTC" {
		t.Fatalf("unexpected balances: %+v", balances)
	}
}

func reverse(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}
