// Package deposit runs the fiat (payment gateway) and crypto (on-chain) deposit state machines.
// A deposit credits the ledger exactly once, on its transition into completed.
package deposit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/config"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/chain"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/gateway"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/kyc"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/rates"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store interface {
	CreateDeposit(ctx context.Context, d *storage.Deposit) error
	GetDeposit(ctx context.Context, id uuid.UUID) (*storage.Deposit, error)
	GetDepositByRef(ctx context.Context, kind storage.Kind, ref string) (*storage.Deposit, error)
	TransitionDeposit(ctx context.Context, t storage.DepositTransition) (*storage.Deposit, error)
	ListDeposits(ctx context.Context, userID uuid.UUID, page storage.Page) ([]*storage.Deposit, error)
	ListDepositsByStatus(ctx context.Context, kind storage.Kind, statuses []storage.DepositStatus, limit int) ([]*storage.Deposit, error)
	DepositUsage(ctx context.Context, userID uuid.UUID, kind storage.Kind, since time.Time) (decimal.Decimal, error)
}

type Metrics interface {
	retry.Metrics
	IncDeposit(kind, transition string)
}

type Config struct {
	Features             config.Features
	FiatCurrency         string
	CreditCurrency       string
	LimitCurrency        string
	FeePercent           decimal.Decimal
	MinFiatAmount        decimal.Decimal
	DepositAddress       string
	Confirmations        map[string]int
	DefaultConfirmations int
	Policy               retry.Policy
}

func DefaultConfig() Config {
	return Config{
		Features:             config.Features{WithdrawalsEnabled: true, DepositsEnabled: true},
		FiatCurrency:         "INR",
		CreditCurrency:       "USDT",
		LimitCurrency:        "USD",
		FeePercent:           decimal.Zero,
		MinFiatAmount:        decimal.NewFromInt(100),
		Confirmations:        map[string]int{"ethereum": 12},
		DefaultConfirmations: 15,
		Policy:               retry.DefaultPolicy(),
	}
}

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
	Store   Store
	KYC     kyc.Provider
	Rates   rates.Quoter
	Gateway gateway.Gateway
	Chain   chain.Chain
	Audit   audit.Sink
	Metrics Metrics
	Logger  *slog.Logger
}

type Service struct {
	store   Store
	kyc     kyc.Provider
	rates   rates.Quoter
	gateway gateway.Gateway
	chain   chain.Chain
	audit   audit.Sink
	metrics Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
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
	cfg.CreditCurrency = ledger.NormalizeCurrency(cfg.CreditCurrency)
	cfg.LimitCurrency = ledger.NormalizeCurrency(cfg.LimitCurrency)
	return &Service{
		store:   deps.Store,
		kyc:     deps.KYC,
		rates:   deps.Rates,
		gateway: deps.Gateway,
		chain:   deps.Chain,
		audit:   sink,
		metrics: deps.Metrics,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) enabled() error {
	if !s.cfg.Features.DepositsEnabled {
		return apperr.Unavailable("deposits are disabled")
	}
	return nil
}

// Get returns a deposit owned by userID.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*storage.Deposit, error) {
	d, err := s.store.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, storage.ErrDepositNotFound
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, page storage.Page) ([]*storage.Deposit, error) {
	return s.store.ListDeposits(ctx, userID, page)
}

// Observable returns crypto deposits still waiting for finality, oldest first.
func (s *Service) Observable(ctx context.Context, limit int) ([]*storage.Deposit, error) {
	return s.store.ListDepositsByStatus(ctx, storage.KindCrypto, []storage.DepositStatus{
		storage.DepositPending,
		storage.DepositConfirming,
	}, limit)
}

func (s *Service) record(ctx context.Context, d *storage.Deposit, actorType string, actor *uuid.UUID, action string, details map[string]string) {
	s.audit.Record(ctx, audit.Event{
		ActorID:    actor,
		UserID:     d.UserID,
		ActorType:  actorType,
		Action:     action,
		EntityType: "deposit",
		EntityID:   d.ID,
		Details:    details,
		At:         s.now(),
	})
}

func (s *Service) count(d *storage.Deposit, transition string) {
	if s.metrics != nil {
		s.metrics.IncDeposit(string(d.Kind), transition)
	}
}

func upper(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
