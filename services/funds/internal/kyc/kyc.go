// Package kyc exposes the read-only verification limits consulted by the funds workflows.
package kyc

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Limits are expressed in the configured limit currency. A zero DailyDepositLimit means
// deposits are not capped.
type Limits struct {
	Level                  int             `json:"level"`
	Name                   string          `json:"name"`
	CanDepositFiat         bool            `json:"can_deposit_fiat"`
	CanWithdrawFiat        bool            `json:"can_withdraw_fiat"`
	CanWithdrawCrypto      bool            `json:"can_withdraw_crypto"`
	DailyWithdrawalLimit   decimal.Decimal `json:"daily_withdrawal_limit"`
	MonthlyWithdrawalLimit decimal.Decimal `json:"monthly_withdrawal_limit"`
	DailyDepositLimit      decimal.Decimal `json:"daily_deposit_limit"`
}

type Provider interface {
	Limits(ctx context.Context, userID uuid.UUID) (Limits, error)
}

// DefaultLevels mirrors the seeded kyc_levels table.
func DefaultLevels() map[int]Limits {
	return map[int]Limits{
		0: {Level: 0, Name: "Unverified", CanDepositFiat: true},
		1: {Level: 1, Name: "Basic", CanDepositFiat: true, CanWithdrawCrypto: true,
			DailyWithdrawalLimit: decimal.NewFromInt(2000), MonthlyWithdrawalLimit: decimal.NewFromInt(10000)},
		2: {Level: 2, Name: "Intermediate", CanDepositFiat: true, CanWithdrawCrypto: true, CanWithdrawFiat: true,
			DailyWithdrawalLimit: decimal.NewFromInt(50000), MonthlyWithdrawalLimit: decimal.NewFromInt(200000)},
		3: {Level: 3, Name: "Advanced", CanDepositFiat: true, CanWithdrawCrypto: true, CanWithdrawFiat: true,
			DailyWithdrawalLimit: decimal.NewFromInt(500000), MonthlyWithdrawalLimit: decimal.NewFromInt(2000000)},
	}
}

// Static serves limits from an in-memory level assignment. Users without an assignment get
// the Default level, 0 unless set.
type Static struct {
	Levels  map[int]Limits
	Users   map[uuid.UUID]int
	Default int
}

func NewStatic(users map[uuid.UUID]int) *Static {
	if users == nil {
		users = map[uuid.UUID]int{}
	}
	return &Static{Levels: DefaultLevels(), Users: users}
}

func (s *Static) Limits(_ context.Context, userID uuid.UUID) (Limits, error) {
	level, ok := s.Users[userID]
	if !ok {
		level = s.Default
	}
	if l, ok := s.Levels[level]; ok {
		return l, nil
	}
	return s.Levels[0], nil
}
