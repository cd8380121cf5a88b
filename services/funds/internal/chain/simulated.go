package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/shopspring/decimal"
)

// SimulatedChain is an in-process chain for demo mode and tests. Height advances by Mine and,
// when blockTime is set, with wall-clock time.
type SimulatedChain struct {
	mu        sync.Mutex
	height    int
	genesis   time.Time
	blockTime time.Duration
	now       func() time.Time
	txs       map[string]*simTx
	hooks     []func(p Prepared) (sent bool, err error)
}

type simTx struct {
	block    int
	reverted bool
	from     string
	to       string
	currency string
	amount   decimal.Decimal
}

func NewSimulated(blockTime time.Duration) *SimulatedChain {
	return &SimulatedChain{
		genesis:   time.Now(),
		blockTime: blockTime,
		now:       time.Now,
		txs:       make(map[string]*simTx),
	}
}

func (s *SimulatedChain) headLocked() int {
	head := s.height
	if s.blockTime > 0 {
		head += int(s.now().Sub(s.genesis) / s.blockTime)
	}
	return head
}

// Mine advances the head by n blocks.
func (s *SimulatedChain) Mine(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
}

// AddTransaction puts a mined transaction on chain at the current head.
func (s *SimulatedChain) AddTransaction(txHash, from, to, currency string, amount decimal.Decimal, reverted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[strings.ToLower(txHash)] = &simTx{
		block:    s.headLocked(),
		reverted: reverted,
		from:     from,
		to:       to,
		currency: strings.ToUpper(currency),
		amount:   amount,
	}
}

// Revert marks a known transaction as reverted.
func (s *SimulatedChain) Revert(txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[strings.ToLower(txHash)]; ok {
		tx.reverted = true
	}
}

// OnBroadcast queues a hook for the next Broadcast call. The hook decides whether the
// transaction lands on chain and what error the caller sees.
func (s *SimulatedChain) OnBroadcast(hook func(p Prepared) (sent bool, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *SimulatedChain) PrepareTransfer(_ context.Context, t Transfer) (Prepared, error) {
	if !t.Amount.IsPositive() {
		return Prepared{}, apperr.Validation("amount must be positive")
	}
	sum := sha256.Sum256([]byte(t.Ref.String() + "|" + t.To + "|" + t.Amount.String()))
	p := Prepared{Chain: NormalizeName(t.Chain), TxHash: "0x" + hex.EncodeToString(sum[:]), Raw: "sim:" + t.To + ":" + t.Currency + ":" + t.Amount.String()}
	return p, nil
}

func (s *SimulatedChain) Broadcast(_ context.Context, p Prepared) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, err := true, error(nil)
	if len(s.hooks) > 0 {
		hook := s.hooks[0]
		s.hooks = s.hooks[1:]
		sent, err = hook(p)
	}
	if sent {
		if _, exists := s.txs[strings.ToLower(p.TxHash)]; !exists {
			parts := strings.SplitN(strings.TrimPrefix(p.Raw, "sim:"), ":", 3)
			tx := &simTx{block: s.headLocked()}
			if len(parts) == 3 {
				tx.to, tx.currency = parts[0], parts[1]
				tx.amount, _ = decimal.NewFromString(parts[2])
			}
			s.txs[strings.ToLower(p.TxHash)] = tx
		}
	}
	return err
}

func (s *SimulatedChain) Lookup(_ context.Context, _ string, txHash string) (TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[strings.ToLower(txHash)]
	if !ok {
		return TxStatus{}, nil
	}
	return TxStatus{
		Found:         true,
		Reverted:      tx.reverted,
		Confirmations: s.headLocked() - tx.block + 1,
		From:          tx.from,
		To:            tx.to,
		Currency:      tx.currency,
		Amount:        tx.amount,
	}, nil
}
