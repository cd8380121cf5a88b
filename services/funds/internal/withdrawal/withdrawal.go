// Package withdrawal runs the fiat and crypto withdrawal state machines.
//
// A request locks its source amount when it is created. Exactly one later transition settles
// the lock: completion debits it, cancellation or failure releases it. Every transition with a
// ledger effect goes through the store so the status change and the ledger op commit together.
package withdrawal

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/config"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/chain"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/kyc"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/rates"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/twofactor"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store interface {
	CreateWithdrawal(ctx context.Context, w *storage.Withdrawal) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error)
	TransitionWithdrawal(ctx context.Context, t storage.WithdrawalTransition) (*storage.Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID uuid.UUID, page storage.Page) ([]*storage.Withdrawal, error)
	ListWithdrawalsByStatus(ctx context.Context, kind storage.Kind, statuses []storage.WithdrawalStatus, limit int) ([]*storage.Withdrawal, error)
	WithdrawalUsage(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error)
}

type Metrics interface {
	retry.Metrics
	IncWithdrawal(kind, transition string)
}

type Config struct {
	Features             config.Features
	FeePercent           decimal.Decimal
	FiatCurrency         string
	SourceCurrency       string
	LimitCurrency        string
	MinFiatAmount        decimal.Decimal
	AutoApproveLimit     decimal.Decimal
	Confirmations        map[string]int
	DefaultConfirmations int
	Policy               retry.Policy
}

func DefaultConfig() Config {
	return Config{
		Features:             config.Features{WithdrawalsEnabled: true, DepositsEnabled: true},
		FeePercent:           decimal.RequireFromString("0.01"),
		FiatCurrency:         "INR",
		SourceCurrency:       "USDT",
		LimitCurrency:        "USD",
		MinFiatAmount:        decimal.NewFromInt(500),
		AutoApproveLimit:     decimal.NewFromInt(100),
		Confirmations:        map[string]int{"ethereum": 12},
		DefaultConfirmations: 15,
		Policy:               retry.DefaultPolicy(),
	}
}

// RequiredConfirmations is the finality threshold for chainName.
func (c Config) RequiredConfirmations(chainName string) int {
	if n, ok := c.Confirmations[chain.NormalizeName(chainName)]; ok && n > 0 {
		return n
	}
	if c.DefaultConfirmations > 0 {
		return c.DefaultConfirmations
	}
	return 12
}

type Deps struct {
	Store     Store
	KYC       kyc.Provider
	Rates     rates.Quoter
	Chain     chain.Chain
	TwoFactor twofactor.Verifier
	Audit     audit.Sink
	Metrics   Metrics
	Logger    *slog.Logger
}

type Service struct {
	store     Store
	kyc       kyc.Provider
	rates     rates.Quoter
	chain     chain.Chain
	twoFactor twofactor.Verifier
	audit     audit.Sink
	metrics   Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	userLocks [userLockStripes]sync.Mutex
	inflight  sync.Map
}

func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	cfg.FiatCurrency = ledger.NormalizeCurrency(cfg.FiatCurrency)
	cfg.SourceCurrency = ledger.NormalizeCurrency(cfg.SourceCurrency)
	cfg.LimitCurrency = ledger.NormalizeCurrency(cfg.LimitCurrency)
	return &Service{
		store:     deps.Store,
		kyc:       deps.KYC,
		rates:     deps.Rates,
		chain:     deps.Chain,
		twoFactor: deps.TwoFactor,
		audit:     sink,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type FiatRequest struct {
	UserID         uuid.UUID
	Amount         decimal.Decimal
	SourceCurrency string
	BankAccount    string
	IFSC           string
	HolderName     string
}

type CryptoRequest struct {
	UserID    uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	Chain     string
	ToAddress string
}

// RequestFiat locks the source-currency equivalent of a fiat payout. The rate is quoted once
// and frozen into the request.
func (s *Service) RequestFiat(ctx context.Context, req FiatRequest) (*storage.Withdrawal, error) {
	if !s.cfg.Features.WithdrawalsEnabled {
		return nil, apperr.Unavailable("withdrawals are disabled")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	if req.Amount.LessThan(s.cfg.MinFiatAmount) {
		return nil, apperr.Validationf("minimum withdrawal is %s %s", s.cfg.MinFiatAmount, s.cfg.FiatCurrency)
	}
	if strings.TrimSpace(req.BankAccount) == "" || strings.TrimSpace(req.HolderName) == "" {
		return nil, apperr.Validation("bank account and holder name are required")
	}
	source := ledger.NormalizeCurrency(req.SourceCurrency)
	if source == "" {
		source = s.cfg.SourceCurrency
	}

	limits, err := s.kyc.Limits(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !limits.CanWithdrawFiat {
		return nil, apperr.KYCRestricted("your KYC level does not allow fiat withdrawals")
	}

	rate, err := s.rates.Quote(ctx, source, s.cfg.FiatCurrency)
	if err != nil {
		return nil, err
	}
	if !rate.IsPositive() {
		return nil, apperr.External("rate quote", apperr.Validation("non-positive rate"))
	}
	fee := req.Amount.Mul(s.cfg.FeePercent).Round(2)
	locked := req.Amount.DivRound(rate, 8)
	if !locked.IsPositive() {
		return nil, apperr.Validation("amount is too small")
	}
	limitValue, err := s.limitValue(ctx, source, locked)
	if err != nil {
		return nil, err
	}

	now := s.now()
	w := &storage.Withdrawal{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Kind:         storage.KindFiat,
		Status:       storage.WithdrawalPending,
		Currency:     source,
		Amount:       req.Amount,
		Fee:          fee,
		NetAmount:    req.Amount.Sub(fee),
		LockedAmount: locked,
		Rate:         rate,
		LimitValue:   limitValue,
		Fiat: &storage.FiatDetails{
			Currency:    s.cfg.FiatCurrency,
			BankAccount: strings.TrimSpace(req.BankAccount),
			IFSC:        strings.ToUpper(strings.TrimSpace(req.IFSC)),
			HolderName:  strings.TrimSpace(req.HolderName),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.create(ctx, w, limits); err != nil {
		return nil, err
	}
	s.record(ctx, w, audit.ActorUser, &w.UserID, audit.FiatWithdrawalRequested, map[string]string{
		"amount":        w.Amount.String(),
		"locked_amount": w.LockedAmount.String(),
		"rate":          w.Rate.String(),
	})
	s.count(w, "requested")

	if s.cfg.Features.DemoMode && limitValue.LessThan(s.cfg.AutoApproveLimit) {
		approved, err := s.settleFiat(ctx, w.ID, nil, "AUTO-"+strings.ToUpper(w.ID.String()[:8]))
		if err != nil {
			logging.FromContext(ctx, s.logger).Warn("demo auto-approve failed", "withdrawal_id", w.ID, "error", err)
			return w, nil
		}
		return approved, nil
	}
	return w, nil
}

// RequestCrypto locks the gross amount of an on-chain withdrawal. Crypto withdrawals always
// need a second factor before an admin can broadcast them.
func (s *Service) RequestCrypto(ctx context.Context, req CryptoRequest) (*storage.Withdrawal, error) {
	if !s.cfg.Features.WithdrawalsEnabled {
		return nil, apperr.Unavailable("withdrawals are disabled")
	}
	currency := ledger.NormalizeCurrency(req.Currency)
	if currency == "" {
		return nil, apperr.Validation("currency is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	if req.Amount.Exponent() < -18 {
		return nil, apperr.Validation("amount has too many decimal places")
	}
	if !common.IsHexAddress(req.ToAddress) {
		return nil, apperr.Validation("invalid destination address")
	}
	chainName := chain.NormalizeName(req.Chain)

	limits, err := s.kyc.Limits(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !limits.CanWithdrawCrypto {
		return nil, apperr.KYCRestricted("your KYC level does not allow crypto withdrawals")
	}

	fee := req.Amount.Mul(s.cfg.FeePercent).Round(8)
	net := req.Amount.Sub(fee)
	if !net.IsPositive() {
		return nil, apperr.Validation("amount does not cover the fee")
	}
	rate, err := s.rates.Quote(ctx, currency, s.cfg.LimitCurrency)
	if err != nil {
		return nil, err
	}

	now := s.now()
	w := &storage.Withdrawal{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Kind:         storage.KindCrypto,
		Status:       storage.WithdrawalPending,
		Currency:     currency,
		Amount:       req.Amount,
		Fee:          fee,
		NetAmount:    net,
		LockedAmount: req.Amount,
		Rate:         rate,
		LimitValue:   req.Amount.Mul(rate).Round(2),
		Crypto: &storage.CryptoDetails{
			Chain:                 chainName,
			ToAddress:             common.HexToAddress(req.ToAddress).Hex(),
			Requires2FA:           true,
			RequiredConfirmations: s.cfg.RequiredConfirmations(chainName),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.create(ctx, w, limits); err != nil {
		return nil, err
	}
	s.record(ctx, w, audit.ActorUser, &w.UserID, audit.CryptoWithdrawalRequested, map[string]string{
		"amount":     w.Amount.String(),
		"chain":      chainName,
		"to_address": w.Crypto.ToAddress,
	})
	s.count(w, "requested")
	return w, nil
}

// create checks the rolling KYC windows and locks the balance. Requests of one user are
// serialized in process so two submissions cannot both pass the usage check.
func (s *Service) create(ctx context.Context, w *storage.Withdrawal, limits kyc.Limits) error {
	mu := s.userLock(w.UserID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	daily, err := s.store.WithdrawalUsage(ctx, w.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if daily.Add(w.LimitValue).GreaterThan(limits.DailyWithdrawalLimit) {
		return apperr.KYCRestricted("daily withdrawal limit exceeded")
	}
	monthly, err := s.store.WithdrawalUsage(ctx, w.UserID, now.Add(-30*24*time.Hour))
	if err != nil {
		return err
	}
	if monthly.Add(w.LimitValue).GreaterThan(limits.MonthlyWithdrawalLimit) {
		return apperr.KYCRestricted("monthly withdrawal limit exceeded")
	}
	return s.store.CreateWithdrawal(ctx, w)
}

// userLockStripes bounds the lock table; users hashing to one stripe share a mutex.
const userLockStripes = 256

func (s *Service) userLock(userID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(userID[:])
	return &s.userLocks[h.Sum32()%userLockStripes]
}

func (s *Service) limitValue(ctx context.Context, currency string, amount decimal.Decimal) (decimal.Decimal, error) {
	rate, err := s.rates.Quote(ctx, currency, s.cfg.LimitCurrency)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(2), nil
}

// Get returns a withdrawal owned by userID.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*storage.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, storage.ErrWithdrawalNotFound
	}
	return w, nil
}

// Lookup returns any withdrawal by id, for operators.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, id)
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, page storage.Page) ([]*storage.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, userID, page)
}

// ListPending returns pending requests of kind, or of both kinds when kind is empty.
func (s *Service) ListPending(ctx context.Context, kind storage.Kind) ([]*storage.Withdrawal, error) {
	return s.store.ListWithdrawalsByStatus(ctx, kind, []storage.WithdrawalStatus{storage.WithdrawalPending}, 200)
}

// InFlight returns crypto withdrawals the poller still has to drive, oldest first.
func (s *Service) InFlight(ctx context.Context, limit int) ([]*storage.Withdrawal, error) {
	return s.store.ListWithdrawalsByStatus(ctx, storage.KindCrypto, []storage.WithdrawalStatus{
		storage.WithdrawalProcessing,
		storage.WithdrawalBroadcasting,
		storage.WithdrawalConfirming,
	}, limit)
}

func (s *Service) record(ctx context.Context, w *storage.Withdrawal, actorType string, actor *uuid.UUID, action string, details map[string]string) {
	s.audit.Record(ctx, audit.Event{
		ActorID:    actor,
		UserID:     w.UserID,
		ActorType:  actorType,
		Action:     action,
		EntityType: "withdrawal",
		EntityID:   w.ID,
		Details:    details,
		At:         s.now(),
	})
}

func (s *Service) count(w *storage.Withdrawal, transition string) {
	if s.metrics != nil {
		s.metrics.IncWithdrawal(string(w.Kind), transition)
	}
}
