package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.IntegrationDB(t)
	return New(pool, nil), pool
}

func TestPostgresConcurrentWithdrawalsSingleWinner(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	user := testutil.DemoUserID
	fundUser(t, store, user, "USDT", "100")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateWithdrawal(ctx, newFiatWithdrawal(user, "60", time.Now().UTC()))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, apperr.ErrInsufficientBalance) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected one winner, got %d", succeeded)
	}
	acct, err := store.Balance(ctx, user, "USDT")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !acct.Available.Equal(decimal.NewFromInt(40)) || !acct.Locked.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 40/60, got %s/%s", acct.Available, acct.Locked)
	}
}

func TestPostgresApproveDebitsOnce(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	user := testutil.DemoUserID
	fundUser(t, store, user, "USDT", "100")

	w := newFiatWithdrawal(user, "40", time.Now().UTC())
	if err := store.CreateWithdrawal(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	approve := WithdrawalTransition{
		ID:   w.ID,
		From: []WithdrawalStatus{WithdrawalPending},
		To:   WithdrawalCompleted,
		Op:   ledger.OpDebit,
		Now:  time.Now().UTC(),
		Mutate: func(w *Withdrawal) {
			w.Fiat.TransferRef = "UTR123"
		},
	}
	got, err := store.TransitionWithdrawal(ctx, approve)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Fiat.TransferRef != "UTR123" {
		t.Fatalf("transfer ref not stored")
	}
	if _, err := store.TransitionWithdrawal(ctx, approve); !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}

	acct, _ := store.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(decimal.NewFromInt(60)) || !acct.Locked.IsZero() {
		t.Fatalf("expected 60/0, got %s/%s", acct.Available, acct.Locked)
	}
	entries, err := store.Entries(ctx, user, "USDT", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	available, locked := ledger.Replay(reverseEntries(entries))
	if !available.Equal(acct.Available) || !locked.Equal(acct.Locked) {
		t.Fatalf("replay mismatch: %s/%s", available, locked)
	}
}

func TestPostgresDepositRefUnique(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	user := testutil.DemoUserID
	now := time.Now().UTC()
	d := &Deposit{ID: uuid.New(), UserID: user, Kind: KindFiat, Status: DepositPending, Currency: "INR",
		Amount: decimal.NewFromInt(835), CreditCurrency: "USDT", CreditedAmount: decimal.NewFromInt(10),
		Rate: decimal.RequireFromString("83.5"), ExternalRef: "order_1", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateDeposit(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *d
	dup.ID = uuid.New()
	if err := store.CreateDeposit(ctx, &dup); !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	complete := DepositTransition{ID: d.ID, From: []DepositStatus{DepositPending}, To: DepositCompleted, Op: ledger.OpCredit, Now: now}
	if _, err := store.TransitionDeposit(ctx, complete); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.TransitionDeposit(ctx, complete); !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	acct, _ := store.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected single credit of 10, got %s", acct.Available)
	}
}

func reverseEntries(entries []ledger.Entry) []ledger.Entry {
	out := make([]ledger.Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}
