// Package ledger holds the balance state machine shared by every book implementation.
//
// An Account carries an available and a locked sub-balance per user and currency. It is only
// mutated through Apply, which enforces the non-negativity invariants and emits an immutable
// Entry describing the change. Books persist accounts and the append-only entry log.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OpType string

const (
	OpLock    OpType = "lock"
	OpRelease OpType = "release"
	OpDebit   OpType = "debit"
	OpCredit  OpType = "credit"
)

type RefType string

const (
	RefFiatWithdrawal   RefType = "fiat_withdrawal"
	RefCryptoWithdrawal RefType = "crypto_withdrawal"
	RefFiatDeposit      RefType = "fiat_deposit"
	RefCryptoDeposit    RefType = "crypto_deposit"
	RefAdjustment       RefType = "adjustment"
)

// Ref points at the record that caused a ledger mutation. Together with the op type it is
// the idempotency key of an entry.
type Ref struct {
	Type RefType
	ID   uuid.UUID
}

func (r Ref) String() string {
	return string(r.Type) + ":" + r.ID.String()
}

type Op struct {
	Type     OpType
	UserID   uuid.UUID
	Currency string
	Amount   decimal.Decimal
	Ref      Ref
}

func (o Op) Validate() error {
	switch o.Type {
	case OpLock, OpRelease, OpDebit, OpCredit:
	default:
		return apperr.Validationf("unknown ledger op %q", o.Type)
	}
	if o.UserID == uuid.Nil {
		return apperr.Validation("user_id is required")
	}
	if NormalizeCurrency(o.Currency) == "" {
		return apperr.Validation("currency is required")
	}
	if !o.Amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	if o.Ref.ID == uuid.Nil || o.Ref.Type == "" {
		return apperr.Validation("reference is required")
	}
	return nil
}

type Account struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Currency  string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

func (a Account) Total() decimal.Decimal {
	return a.Available.Add(a.Locked)
}

type Entry struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	UserID         uuid.UUID
	Currency       string
	Type           OpType
	AvailableDelta decimal.Decimal
	LockedDelta    decimal.Decimal
	AvailableAfter decimal.Decimal
	LockedAfter    decimal.Decimal
	Ref            Ref
	CreatedAt      time.Time
}

// Apply mutates the account for op and returns the entry to append. On error the account is
// left untouched.
func (a *Account) Apply(op Op, now time.Time) (Entry, error) {
	if err := op.Validate(); err != nil {
		return Entry{}, err
	}
	if op.UserID != a.UserID || NormalizeCurrency(op.Currency) != NormalizeCurrency(a.Currency) {
		return Entry{}, apperr.InvalidState(fmt.Sprintf("op for %s/%s applied to account %s/%s", op.UserID, op.Currency, a.UserID, a.Currency))
	}

	var availDelta, lockedDelta decimal.Decimal
	switch op.Type {
	case OpLock:
		if a.Available.LessThan(op.Amount) {
			return Entry{}, apperr.InsufficientBalance(fmt.Sprintf("insufficient %s balance", a.Currency))
		}
		availDelta, lockedDelta = op.Amount.Neg(), op.Amount
	case OpRelease:
		if a.Locked.LessThan(op.Amount) {
			return Entry{}, apperr.InvalidState("release exceeds locked balance")
		}
		availDelta, lockedDelta = op.Amount, op.Amount.Neg()
	case OpDebit:
		if a.Locked.LessThan(op.Amount) {
			return Entry{}, apperr.InvalidState("debit exceeds locked balance")
		}
		availDelta, lockedDelta = decimal.Zero, op.Amount.Neg()
	case OpCredit:
		availDelta, lockedDelta = op.Amount, decimal.Zero
	}

	a.Available = a.Available.Add(availDelta)
	a.Locked = a.Locked.Add(lockedDelta)
	a.UpdatedAt = now

	return Entry{
		ID:             uuid.New(),
		AccountID:      a.ID,
		UserID:         a.UserID,
		Currency:       a.Currency,
		Type:           op.Type,
		AvailableDelta: availDelta,
		LockedDelta:    lockedDelta,
		AvailableAfter: a.Available,
		LockedAfter:    a.Locked,
		Ref:            op.Ref,
		CreatedAt:      now,
	}, nil
}

// Replay rebuilds balances from an entry log in order.
func Replay(entries []Entry) (available, locked decimal.Decimal) {
	for _, e := range entries {
		available = available.Add(e.AvailableDelta)
		locked = locked.Add(e.LockedDelta)
	}
	return available, locked
}

// Book persists accounts and their entry log. Apply is atomic per account, and applying an op
// whose (ref, type) was already recorded for the account returns AlreadyProcessed.
type Book interface {
	Balance(ctx context.Context, userID uuid.UUID, currency string) (Account, error)
	Balances(ctx context.Context, userID uuid.UUID) ([]Account, error)
	Apply(ctx context.Context, op Op) (Entry, error)
	Entries(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]Entry, error)
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// EntryKey identifies an entry for idempotency checks.
func EntryKey(accountID uuid.UUID, ref Ref, typ OpType) string {
	return accountID.String() + "|" + ref.String() + "|" + string(typ)
}
