package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindFiat   Kind = "fiat"
	KindCrypto Kind = "crypto"
)

type WithdrawalStatus string

const (
	WithdrawalPending      WithdrawalStatus = "pending"
	WithdrawalProcessing   WithdrawalStatus = "processing"
	WithdrawalBroadcasting WithdrawalStatus = "broadcasting"
	WithdrawalConfirming   WithdrawalStatus = "confirming"
	WithdrawalCompleted    WithdrawalStatus = "completed"
	WithdrawalFailed       WithdrawalStatus = "failed"
	WithdrawalCancelled    WithdrawalStatus = "cancelled"
)

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed || s == WithdrawalCancelled
}

type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositConfirming DepositStatus = "confirming"
	DepositCompleted  DepositStatus = "completed"
	DepositFailed     DepositStatus = "failed"
	DepositRefunded   DepositStatus = "refunded"
)

func (s DepositStatus) Terminal() bool {
	return s == DepositCompleted || s == DepositFailed || s == DepositRefunded
}

type FiatDetails struct {
	Currency    string `json:"currency"`
	BankAccount string `json:"bank_account"`
	IFSC        string `json:"ifsc"`
	HolderName  string `json:"holder_name"`
	TransferRef string `json:"transfer_ref,omitempty"`
}

type CryptoDetails struct {
	Chain                 string     `json:"chain"`
	ToAddress             string     `json:"to_address"`
	TxHash                string     `json:"tx_hash,omitempty"`
	SignedTx              string     `json:"-"`
	Requires2FA           bool       `json:"requires_2fa"`
	TwoFactorVerified     bool       `json:"two_factor_verified"`
	Confirmations         int        `json:"confirmations"`
	RequiredConfirmations int        `json:"required_confirmations"`
	BroadcastAt           *time.Time `json:"broadcast_at,omitempty"`
}

// Withdrawal is either a fiat or a crypto request; exactly one of Fiat and Crypto is set.
// Amount is in the payout unit, LockedAmount in Currency (the source ledger currency).
type Withdrawal struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	Kind          Kind             `json:"kind"`
	Status        WithdrawalStatus `json:"status"`
	Currency      string           `json:"currency"`
	Amount        decimal.Decimal  `json:"amount"`
	Fee           decimal.Decimal  `json:"fee"`
	NetAmount     decimal.Decimal  `json:"net_amount"`
	LockedAmount  decimal.Decimal  `json:"locked_amount"`
	Rate          decimal.Decimal  `json:"rate"`
	LimitValue    decimal.Decimal  `json:"-"`
	Fiat          *FiatDetails     `json:"fiat,omitempty"`
	Crypto        *CryptoDetails   `json:"crypto,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	ProcessedBy   *uuid.UUID       `json:"processed_by,omitempty"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (w *Withdrawal) Clone() *Withdrawal {
	if w == nil {
		return nil
	}
	c := *w
	if w.Fiat != nil {
		f := *w.Fiat
		c.Fiat = &f
	}
	if w.Crypto != nil {
		cr := *w.Crypto
		c.Crypto = &cr
	}
	return &c
}

type Deposit struct {
	ID                    uuid.UUID       `json:"id"`
	UserID                uuid.UUID       `json:"user_id"`
	Kind                  Kind            `json:"kind"`
	Status                DepositStatus   `json:"status"`
	Currency              string          `json:"currency"`
	Amount                decimal.Decimal `json:"amount"`
	Fee                   decimal.Decimal `json:"fee"`
	CreditCurrency        string          `json:"credit_currency"`
	CreditedAmount        decimal.Decimal `json:"credited_amount"`
	Rate                  decimal.Decimal `json:"rate"`
	LimitValue            decimal.Decimal `json:"-"`
	ExternalRef           string          `json:"external_ref"`
	PaymentRef            string          `json:"payment_ref,omitempty"`
	Chain                 string          `json:"chain,omitempty"`
	FromAddress           string          `json:"from_address,omitempty"`
	Confirmations         int             `json:"confirmations"`
	RequiredConfirmations int             `json:"required_confirmations"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

type AuditLog struct {
	ActorID    *uuid.UUID
	UserID     uuid.UUID
	ActorType  string
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	Details    map[string]string
	CreatedAt  time.Time
}

// Page selects records created strictly before Before (zero means newest).
type Page struct {
	Before time.Time
	Limit  int
}

func (p Page) limit() int {
	if p.Limit <= 0 || p.Limit > 200 {
		return 50
	}
	return p.Limit
}
