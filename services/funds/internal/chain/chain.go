// Package chain is the blockchain boundary for crypto withdrawals and deposits.
//
// Withdrawals are two-phase: PrepareTransfer signs a transaction whose hash is known before
// anything is sent, and Broadcast submits it. A Broadcast error is ambiguous unless it wraps
// ErrRejected; callers resolve ambiguity with Lookup before treating a send as failed.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrRejected marks a definitive refusal: the transaction cannot be on chain.
	ErrRejected = errors.New("transaction rejected")
)

type Transfer struct {
	Ref      uuid.UUID
	Chain    string
	Currency string
	To       string
	Amount   decimal.Decimal
}

type Prepared struct {
	Chain  string
	TxHash string
	Raw    string
}

type TxStatus struct {
	Found         bool
	Pending       bool
	Reverted      bool
	Confirmations int
	From          string
	To            string
	Currency      string
	Amount        decimal.Decimal
}

type Chain interface {
	PrepareTransfer(ctx context.Context, t Transfer) (Prepared, error)
	Broadcast(ctx context.Context, p Prepared) error
	Lookup(ctx context.Context, chainName, txHash string) (TxStatus, error)
}

func Rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// ValidTxHash reports whether h is a 0x-prefixed 32-byte hex hash.
func ValidTxHash(h string) bool {
	if !strings.HasPrefix(h, "0x") || len(h) != 66 {
		return false
	}
	_, err := hexutil.Decode(h)
	return err == nil
}

func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "ethereum"
	}
	return name
}

// Router dispatches to a Chain per network name.
type Router map[string]Chain

func (r Router) get(name string) (Chain, error) {
	c, ok := r[NormalizeName(name)]
	if !ok {
		return nil, apperr.Validationf("unsupported chain %q", name)
	}
	return c, nil
}

func (r Router) PrepareTransfer(ctx context.Context, t Transfer) (Prepared, error) {
	c, err := r.get(t.Chain)
	if err != nil {
		return Prepared{}, err
	}
	return c.PrepareTransfer(ctx, t)
}

func (r Router) Broadcast(ctx context.Context, p Prepared) error {
	c, err := r.get(p.Chain)
	if err != nil {
		return err
	}
	return c.Broadcast(ctx, p)
}

func (r Router) Lookup(ctx context.Context, chainName, txHash string) (TxStatus, error) {
	c, err := r.get(chainName)
	if err != nil {
		return TxStatus{}, err
	}
	return c.Lookup(ctx, chainName, txHash)
}
