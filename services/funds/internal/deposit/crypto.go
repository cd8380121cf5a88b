package deposit

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/libs/trace"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/chain"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

var observable = []storage.DepositStatus{storage.DepositPending, storage.DepositConfirming}

// Observation is a confirmation report for a transaction, from the chain poller or from the
// deposits.observed topic. Amount, From, To and Currency are optional.
type Observation struct {
	TxHash        string          `json:"tx_hash"`
	Chain         string          `json:"chain"`
	Found         bool            `json:"found"`
	Confirmations int             `json:"confirmations"`
	Reverted      bool            `json:"reverted"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

type AddressInfo struct {
	Address               string `json:"address"`
	Chain                 string `json:"chain"`
	Currency              string `json:"currency"`
	MinimumDeposit        string `json:"minimum_deposit"`
	ConfirmationsRequired int    `json:"confirmations_required"`
}

// DepositAddress tells a user where to send funds on chainName.
func (s *Service) DepositAddress(chainName, currency string) (AddressInfo, error) {
	if err := s.enabled(); err != nil {
		return AddressInfo{}, err
	}
	if s.cfg.DepositAddress == "" {
		return AddressInfo{}, apperr.Unavailable("deposit address is not configured")
	}
	chainName = chain.NormalizeName(chainName)
	currency = upper(currency)
	if currency == "" {
		currency = "ETH"
	}
	minimum := "10"
	switch currency {
	case "ETH", "BNB", "MATIC":
		minimum = "0.001"
	}
	return AddressInfo{
		Address:               s.cfg.DepositAddress,
		Chain:                 chainName,
		Currency:              currency,
		MinimumDeposit:        minimum,
		ConfirmationsRequired: s.cfg.RequiredConfirmations(chainName),
	}, nil
}

// SubmitCrypto registers a transaction the user sent to the deposit address and observes it
// once. A hash can belong to one user only.
func (s *Service) SubmitCrypto(ctx context.Context, userID uuid.UUID, txHash, chainName, currency string) (*storage.Deposit, error) {
	if err := s.enabled(); err != nil {
		return nil, err
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !chain.ValidTxHash(txHash) {
		return nil, apperr.Validation("invalid transaction hash")
	}
	chainName = chain.NormalizeName(chainName)
	currency = upper(currency)
	if currency == "" {
		currency = "ETH"
	}

	existing, err := s.store.GetDepositByRef(ctx, storage.KindCrypto, txHash)
	switch {
	case err == nil:
		if existing.UserID != userID {
			return nil, apperr.Conflict("transaction already submitted by another account")
		}
		return s.observe(ctx, existing)
	case !errors.Is(err, storage.ErrDepositNotFound):
		return nil, err
	}

	now := s.now()
	d := &storage.Deposit{
		ID:                    uuid.New(),
		UserID:                userID,
		Kind:                  storage.KindCrypto,
		Status:                storage.DepositPending,
		Currency:              currency,
		CreditCurrency:        currency,
		Rate:                  decimal.NewFromInt(1),
		ExternalRef:           txHash,
		Chain:                 chainName,
		RequiredConfirmations: s.cfg.RequiredConfirmations(chainName),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.CreateDeposit(ctx, d); err != nil {
		if errors.Is(err, storage.ErrDuplicateDeposit) {
			return s.SubmitCrypto(ctx, userID, txHash, chainName, currency)
		}
		return nil, err
	}
	s.record(ctx, d, audit.ActorUser, &userID, audit.CryptoDepositDetected, map[string]string{"tx_hash": txHash, "chain": chainName})
	s.count(d, "detected")

	observed, err := s.observe(ctx, d)
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("initial deposit observation failed", "deposit_id", d.ID, "error", err)
		return d, nil
	}
	return observed, nil
}

// Observe polls the chain for a submitted transaction and applies what it sees.
func (s *Service) Observe(ctx context.Context, txHash string) (*storage.Deposit, error) {
	d, err := s.store.GetDepositByRef(ctx, storage.KindCrypto, strings.ToLower(strings.TrimSpace(txHash)))
	if err != nil {
		return nil, err
	}
	return s.observe(ctx, d)
}

// ApplyObservation applies a pushed confirmation report. Reports without an amount for a
// deposit whose amount is still unknown fall back to a chain lookup.
func (s *Service) ApplyObservation(ctx context.Context, obs Observation) (*storage.Deposit, error) {
	d, err := s.store.GetDepositByRef(ctx, storage.KindCrypto, strings.ToLower(strings.TrimSpace(obs.TxHash)))
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return d, nil
	}
	if d.Amount.IsZero() && !obs.Amount.IsPositive() {
		return s.observe(ctx, d)
	}
	return s.apply(ctx, d, chain.TxStatus{
		Found:         obs.Found || obs.Confirmations > 0 || obs.Reverted,
		Reverted:      obs.Reverted,
		Confirmations: obs.Confirmations,
		From:          obs.From,
		To:            obs.To,
		Currency:      upper(obs.Currency),
		Amount:        obs.Amount,
	})
}

func (s *Service) observe(ctx context.Context, d *storage.Deposit) (*storage.Deposit, error) {
	if d.Status.Terminal() {
		return d, nil
	}
	spanCtx, span := trace.StartSpan(ctx, "chain.lookup", attribute.String("tx_hash", d.ExternalRef))
	st, err := retry.Do(spanCtx, "chain.lookup", s.cfg.Policy, s.metrics, func(ctx context.Context) (chain.TxStatus, error) {
		return s.chain.Lookup(ctx, d.Chain, d.ExternalRef)
	})
	trace.End(span, err)
	if err != nil {
		return d, err
	}
	return s.apply(ctx, d, st)
}

// apply moves a crypto deposit according to st. The credit happens only on the transition
// into completed, which the store guards, so repeated reports credit once.
func (s *Service) apply(ctx context.Context, d *storage.Deposit, st chain.TxStatus) (*storage.Deposit, error) {
	if d.Status.Terminal() || !st.Found {
		return d, nil
	}
	if st.Reverted {
		return s.failCrypto(ctx, d, "transaction reverted on chain")
	}
	if d.Amount.IsZero() {
		if reason := s.mismatch(d, st); reason != "" {
			return s.failCrypto(ctx, d, reason)
		}
	}
	fill := func(next *storage.Deposit) {
		next.Confirmations = st.Confirmations
		if next.Amount.IsZero() {
			fee := st.Amount.Mul(s.cfg.FeePercent).Round(8)
			next.Amount = st.Amount
			next.Fee = fee
			next.CreditedAmount = st.Amount.Sub(fee)
			next.FromAddress = st.From
		}
	}

	switch {
	case st.Confirmations >= d.RequiredConfirmations:
		now := s.now()
		done, err := s.store.TransitionDeposit(ctx, storage.DepositTransition{
			ID:   d.ID,
			From: observable,
			To:   storage.DepositCompleted,
			Op:   ledger.OpCredit,
			Mutate: func(next *storage.Deposit) {
				fill(next)
				next.CompletedAt = &now
			},
			Now: now,
		})
		if err != nil {
			if errors.Is(err, apperr.ErrAlreadyProcessed) {
				return s.store.GetDeposit(ctx, d.ID)
			}
			if apperr.IsKind(err, apperr.KindInvalidState) {
				logging.FromContext(ctx, s.logger).Error("deposit ledger invariant violated", "deposit_id", d.ID, "error", err)
			}
			return nil, err
		}
		s.record(ctx, done, audit.ActorSystem, nil, audit.CryptoDepositCredited, map[string]string{
			"tx_hash":  done.ExternalRef,
			"credited": done.CreditedAmount.String(),
		})
		s.count(done, "completed")
		logging.FromContext(ctx, s.logger).Info("crypto deposit credited", "deposit_id", done.ID, "user_id", done.UserID, "amount", done.CreditedAmount)
		return done, nil
	case st.Confirmations > 0:
		if d.Status == storage.DepositConfirming && d.Confirmations == st.Confirmations {
			return d, nil
		}
		next, err := s.store.TransitionDeposit(ctx, storage.DepositTransition{
			ID:     d.ID,
			From:   observable,
			To:     storage.DepositConfirming,
			Mutate: fill,
			Now:    s.now(),
		})
		if err != nil {
			if errors.Is(err, apperr.ErrAlreadyProcessed) {
				return s.store.GetDeposit(ctx, d.ID)
			}
			return nil, err
		}
		if d.Status == storage.DepositPending {
			s.record(ctx, next, audit.ActorSystem, nil, audit.CryptoDepositConfirming, map[string]string{"confirmations": strconv.Itoa(st.Confirmations)})
			s.count(next, "confirming")
		}
		return next, nil
	default:
		if !d.Amount.IsZero() {
			return d, nil
		}
		return s.store.TransitionDeposit(ctx, storage.DepositTransition{
			ID:     d.ID,
			From:   []storage.DepositStatus{storage.DepositPending},
			To:     storage.DepositPending,
			Mutate: fill,
			Now:    s.now(),
		})
	}
}

// mismatch explains why an on-chain transfer cannot be credited, or returns "".
func (s *Service) mismatch(d *storage.Deposit, st chain.TxStatus) string {
	if !st.Amount.IsPositive() {
		return "transaction carries no value"
	}
	if st.Currency != "" && !strings.EqualFold(st.Currency, d.Currency) {
		return "transaction currency " + st.Currency + " does not match " + d.Currency
	}
	if s.cfg.DepositAddress != "" && st.To != "" && !strings.EqualFold(st.To, s.cfg.DepositAddress) {
		return "transaction was not sent to the deposit address"
	}
	return ""
}

func (s *Service) failCrypto(ctx context.Context, d *storage.Deposit, reason string) (*storage.Deposit, error) {
	failed, err := s.store.TransitionDeposit(ctx, storage.DepositTransition{
		ID:     d.ID,
		From:   observable,
		To:     storage.DepositFailed,
		Mutate: func(d *storage.Deposit) { d.FailureReason = reason },
		Now:    s.now(),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyProcessed) {
			return s.store.GetDeposit(ctx, d.ID)
		}
		return nil, err
	}
	s.record(ctx, failed, audit.ActorSystem, nil, audit.CryptoDepositFailed, map[string]string{"reason": reason})
	s.count(failed, "failed")
	return failed, nil
}
