package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const withdrawalColumns = `id, user_id, kind, status, currency, amount::text, fee::text, net_amount::text,
	locked_amount::text, rate::text, limit_value::text, fiat_currency, bank_account, ifsc, holder_name,
	transfer_ref, chain, to_address, tx_hash, signed_tx, requires_2fa, two_factor_verified, confirmations,
	required_confirmations, broadcast_at, failure_reason, processed_by, processed_at, created_at, updated_at`

// CreateWithdrawal locks the request's amount and inserts the record in one transaction.
func (s *Store) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.applyOp(ctx, tx, WithdrawalOp(w, ledger.OpLock), w.CreatedAt); err != nil {
			return err
		}
		args := withdrawalArgs(w)
		_, err := tx.Exec(ctx, `
			INSERT INTO withdrawals (id, user_id, kind, status, currency, amount, fee, net_amount,
				locked_amount, rate, limit_value, fiat_currency, bank_account, ifsc, holder_name,
				transfer_ref, chain, to_address, tx_hash, signed_tx, requires_2fa, two_factor_verified, confirmations,
				required_confirmations, broadcast_at, failure_reason, processed_by, processed_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
				$21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
		`, args...)
		return err
	})
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return w, nil
}

// TransitionWithdrawal locks the record row, checks its status, writes the new state and
// applies the ledger op in a single transaction.
func (s *Store) TransitionWithdrawal(ctx context.Context, t WithdrawalTransition) (*Withdrawal, error) {
	var out *Withdrawal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, t.ID)
		current, err := scanWithdrawal(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrWithdrawalNotFound
			}
			return err
		}
		if !t.allowed(current.Status) {
			return withdrawalProcessed(current)
		}

		next := current.Clone()
		if t.Mutate != nil {
			t.Mutate(next)
		}
		next.Status = t.To
		next.UpdatedAt = t.Now

		if t.Op != "" {
			if _, err := s.applyOp(ctx, tx, WithdrawalOp(next, t.Op), t.Now); err != nil {
				return err
			}
		}

		crypto := next.Crypto
		if crypto == nil {
			crypto = &CryptoDetails{}
		}
		transferRef := ""
		if next.Fiat != nil {
			transferRef = next.Fiat.TransferRef
		}
		if _, err := tx.Exec(ctx, `
			UPDATE withdrawals
			SET status = $2, transfer_ref = $3, tx_hash = $4, signed_tx = $5, two_factor_verified = $6,
				confirmations = $7, required_confirmations = $8, broadcast_at = $9, failure_reason = $10,
				processed_by = $11, processed_at = $12, updated_at = $13
			WHERE id = $1
		`, next.ID, string(next.Status), transferRef, nullableText(crypto.TxHash), crypto.SignedTx, crypto.TwoFactorVerified,
			crypto.Confirmations, crypto.RequiredConfirmations, crypto.BroadcastAt, next.FailureReason,
			next.ProcessedBy, next.ProcessedAt, next.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTxHash
			}
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListWithdrawals(ctx context.Context, userID uuid.UUID, page Page) ([]*Withdrawal, error) {
	before := page.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE user_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, before, page.limit())
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *Store) ListWithdrawalsByStatus(ctx context.Context, kind Kind, statuses []WithdrawalStatus, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE ($1 = '' OR kind = $1) AND status = ANY($2::text[])
		ORDER BY created_at ASC
		LIMIT $3
	`, string(kind), names, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *Store) WithdrawalUsage(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(limit_value), 0)::text
		FROM withdrawals
		WHERE user_id = $1 AND created_at >= $2 AND status NOT IN ('cancelled', 'failed')
	`, userID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

func collectWithdrawals(rows pgx.Rows) ([]*Withdrawal, error) {
	defer rows.Close()
	out := make([]*Withdrawal, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func withdrawalArgs(w *Withdrawal) []any {
	fiat := w.Fiat
	if fiat == nil {
		fiat = &FiatDetails{}
	}
	crypto := w.Crypto
	if crypto == nil {
		crypto = &CryptoDetails{}
	}
	return []any{
		w.ID, w.UserID, string(w.Kind), string(w.Status), w.Currency,
		w.Amount.String(), w.Fee.String(), w.NetAmount.String(), w.LockedAmount.String(), w.Rate.String(), w.LimitValue.String(),
		fiat.Currency, fiat.BankAccount, fiat.IFSC, fiat.HolderName, fiat.TransferRef,
		crypto.Chain, crypto.ToAddress, nullableText(crypto.TxHash), crypto.SignedTx, crypto.Requires2FA, crypto.TwoFactorVerified,
		crypto.Confirmations, crypto.RequiredConfirmations, crypto.BroadcastAt,
		w.FailureReason, w.ProcessedBy, w.ProcessedAt, w.CreatedAt, w.UpdatedAt,
	}
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	var w Withdrawal
	var kind, status string
	var amounts [6]string
	var fiat FiatDetails
	var crypto CryptoDetails
	var txHash *string
	if err := row.Scan(&w.ID, &w.UserID, &kind, &status, &w.Currency,
		&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &amounts[5],
		&fiat.Currency, &fiat.BankAccount, &fiat.IFSC, &fiat.HolderName, &fiat.TransferRef,
		&crypto.Chain, &crypto.ToAddress, &txHash, &crypto.SignedTx, &crypto.Requires2FA, &crypto.TwoFactorVerified,
		&crypto.Confirmations, &crypto.RequiredConfirmations, &crypto.BroadcastAt,
		&w.FailureReason, &w.ProcessedBy, &w.ProcessedAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := parseDecimals(amounts[:]...)
	if err != nil {
		return nil, err
	}
	w.Amount, w.Fee, w.NetAmount, w.LockedAmount, w.Rate, w.LimitValue = parsed[0], parsed[1], parsed[2], parsed[3], parsed[4], parsed[5]
	w.Kind = Kind(kind)
	w.Status = WithdrawalStatus(status)
	if txHash != nil {
		crypto.TxHash = *txHash
	}
	if w.Kind == KindCrypto {
		w.Crypto = &crypto
	} else {
		w.Fiat = &fiat
	}
	return &w, nil
}

func nullableText(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
