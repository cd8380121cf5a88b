package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func fundUser(t *testing.T, book ledger.Book, user uuid.UUID, currency, amount string) {
	t.Helper()
	_, err := book.Apply(context.Background(), ledger.Op{
		Type:     ledger.OpCredit,
		UserID:   user,
		Currency: currency,
		Amount:   decimal.RequireFromString(amount),
		Ref:      ledger.Ref{Type: ledger.RefAdjustment, ID: uuid.New()},
	})
	if err != nil {
		t.Fatalf("fund user: %v", err)
	}
}

func newFiatWithdrawal(user uuid.UUID, locked string, now time.Time) *Withdrawal {
	return &Withdrawal{
		ID:           uuid.New(),
		UserID:       user,
		Kind:         KindFiat,
		Status:       WithdrawalPending,
		Currency:     "USDT",
		Amount:       decimal.NewFromInt(1000),
		LockedAmount: decimal.RequireFromString(locked),
		LimitValue:   decimal.RequireFromString(locked),
		Fiat:         &FiatDetails{Currency: "INR"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemoryCreateWithdrawalLocks(t *testing.T) {
	store := NewMemoryStore()
	user := uuid.New()
	fundUser(t, store, user, "USDT", "100")
	ctx := context.Background()

	if err := store.CreateWithdrawal(ctx, newFiatWithdrawal(user, "150", time.Now())); !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	w := newFiatWithdrawal(user, "40", time.Now())
	if err := store.CreateWithdrawal(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	acct, _ := store.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(decimal.NewFromInt(60)) || !acct.Locked.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected 60/40, got %s/%s", acct.Available, acct.Locked)
	}
	list, _ := store.ListWithdrawals(ctx, user, Page{})
	if len(list) != 1 {
		t.Fatalf("expected one withdrawal, got %d", len(list))
	}
}

func TestMemoryTransitionGuardsStatus(t *testing.T) {
	store := NewMemoryStore()
	user := uuid.New()
	fundUser(t, store, user, "USDT", "100")
	ctx := context.Background()
	w := newFiatWithdrawal(user, "40", time.Now())
	if err := store.CreateWithdrawal(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}

	cancel := WithdrawalTransition{
		ID:   w.ID,
		From: []WithdrawalStatus{WithdrawalPending},
		To:   WithdrawalCancelled,
		Op:   ledger.OpRelease,
		Now:  time.Now(),
	}
	if _, err := store.TransitionWithdrawal(ctx, cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := store.TransitionWithdrawal(ctx, cancel); !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	acct, _ := store.Balance(ctx, user, "USDT")
	if !acct.Available.Equal(decimal.NewFromInt(100)) || !acct.Locked.IsZero() {
		t.Fatalf("expected 100/0, got %s/%s", acct.Available, acct.Locked)
	}
	usage, _ := store.WithdrawalUsage(ctx, user, time.Now().Add(-time.Hour))
	if !usage.IsZero() {
		t.Fatalf("cancelled withdrawals must not count towards usage, got %s", usage)
	}
}

func TestMemoryTransitionRollsBackOnLedgerError(t *testing.T) {
	store := NewMemoryStore()
	user := uuid.New()
	ctx := context.Background()
	now := time.Now()
	d := &Deposit{
		ID:             uuid.New(),
		UserID:         user,
		Kind:           KindCrypto,
		Status:         DepositPending,
		Currency:       "ETH",
		CreditCurrency: "ETH",
		ExternalRef:    "0xabc",
		CreatedAt:      now,
	}
	if err := store.CreateDeposit(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateDeposit(ctx, d); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected duplicate ref conflict, got %v", err)
	}

	// zero credited amount fails validation inside the ledger op
	_, err := store.TransitionDeposit(ctx, DepositTransition{
		ID: d.ID, From: []DepositStatus{DepositPending}, To: DepositCompleted, Op: ledger.OpCredit, Now: now,
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := store.GetDepositByRef(ctx, KindCrypto, "0xabc")
	if got.Status != DepositPending {
		t.Fatalf("deposit status changed on failed credit: %s", got.Status)
	}

	done, err := store.TransitionDeposit(ctx, DepositTransition{
		ID: d.ID, From: []DepositStatus{DepositPending}, To: DepositCompleted, Op: ledger.OpCredit, Now: now,
		Mutate: func(d *Deposit) {
			d.Amount = decimal.NewFromInt(2)
			d.CreditedAmount = decimal.NewFromInt(2)
		},
	})
	if err != nil || done.Status != DepositCompleted {
		t.Fatalf("complete: %v", err)
	}
	acct, _ := store.Balance(ctx, user, "ETH")
	if !acct.Available.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 2 ETH, got %s", acct.Available)
	}
}

func TestMemoryMarkEventProcessed(t *testing.T) {
	store := NewMemoryStore()
	first, _ := store.MarkEventProcessed(context.Background(), "evt-1")
	second, _ := store.MarkEventProcessed(context.Background(), "evt-1")
	if !first || second {
		t.Fatalf("expected first=true second=false, got %v %v", first, second)
	}
}
