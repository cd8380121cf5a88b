package storage

import (
	"fmt"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrWithdrawalNotFound = apperr.NotFound("withdrawal")
	ErrDepositNotFound    = apperr.NotFound("deposit")
	ErrDuplicateDeposit   = apperr.Conflict("deposit reference already exists")
	ErrDuplicateTxHash    = apperr.Conflict("transaction hash already recorded")
)

// WithdrawalTransition moves a withdrawal from one of From to To. Mutate runs on a copy of the
// locked record before it is written. When Op is set the matching ledger op for the record's
// locked amount is applied in the same transaction; if it fails nothing is written.
type WithdrawalTransition struct {
	ID     uuid.UUID
	From   []WithdrawalStatus
	To     WithdrawalStatus
	Op     ledger.OpType
	Mutate func(w *Withdrawal)
	Now    time.Time
}

type DepositTransition struct {
	ID     uuid.UUID
	From   []DepositStatus
	To     DepositStatus
	Op     ledger.OpType
	Mutate func(d *Deposit)
	Now    time.Time
}

func (t WithdrawalTransition) allowed(current WithdrawalStatus) bool {
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

func (t DepositTransition) allowed(current DepositStatus) bool {
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

func withdrawalProcessed(w *Withdrawal) error {
	return apperr.AlreadyProcessed(fmt.Sprintf("withdrawal %s is %s", w.ID, w.Status))
}

func depositProcessed(d *Deposit) error {
	return apperr.AlreadyProcessed(fmt.Sprintf("deposit %s is %s", d.ID, d.Status))
}

func WithdrawalRef(w *Withdrawal) ledger.Ref {
	if w.Kind == KindCrypto {
		return ledger.Ref{Type: ledger.RefCryptoWithdrawal, ID: w.ID}
	}
	return ledger.Ref{Type: ledger.RefFiatWithdrawal, ID: w.ID}
}

func DepositRef(d *Deposit) ledger.Ref {
	if d.Kind == KindCrypto {
		return ledger.Ref{Type: ledger.RefCryptoDeposit, ID: d.ID}
	}
	return ledger.Ref{Type: ledger.RefFiatDeposit, ID: d.ID}
}

// WithdrawalOp is the ledger op that backs a withdrawal transition. The amount is always the
// locked amount so that lock, release and debit balance out.
func WithdrawalOp(w *Withdrawal, typ ledger.OpType) ledger.Op {
	return ledger.Op{Type: typ, UserID: w.UserID, Currency: w.Currency, Amount: w.LockedAmount, Ref: WithdrawalRef(w)}
}

func DepositOp(d *Deposit) ledger.Op {
	return ledger.Op{Type: ledger.OpCredit, UserID: d.UserID, Currency: d.CreditCurrency, Amount: d.CreditedAmount, Ref: DepositRef(d)}
}

// OpObserver counts ledger operations applied as part of record transitions.
type OpObserver interface {
	IncLedgerOperation(op, status string)
}

func observeOp(o OpObserver, op ledger.OpType, err error) {
	if o == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = string(apperr.KindOf(err))
	}
	o.IncLedgerOperation(string(op), status)
}

func usageStatusesExcluded(s WithdrawalStatus) bool {
	return s == WithdrawalCancelled || s == WithdrawalFailed
}

func sumDecimal(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
