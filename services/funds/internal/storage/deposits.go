package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const depositColumns = `id, user_id, kind, status, currency, amount::text, fee::text, credit_currency,
	credited_amount::text, rate::text, limit_value::text, external_ref, payment_ref, chain, from_address,
	confirmations, required_confirmations, failure_reason, completed_at, created_at, updated_at`

// CreateDeposit inserts a pending deposit. The (kind, external_ref) pair is unique; a second
// insert returns ErrDuplicateDeposit.
func (s *Store) CreateDeposit(ctx context.Context, d *Deposit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposits (id, user_id, kind, status, currency, amount, fee, credit_currency,
			credited_amount, rate, limit_value, external_ref, payment_ref, chain, from_address,
			confirmations, required_confirmations, failure_reason, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, d.ID, d.UserID, string(d.Kind), string(d.Status), d.Currency, d.Amount.String(), d.Fee.String(), d.CreditCurrency,
		d.CreditedAmount.String(), d.Rate.String(), d.LimitValue.String(), d.ExternalRef, d.PaymentRef, d.Chain, d.FromAddress,
		d.Confirmations, d.RequiredConfirmations, d.FailureReason, d.CompletedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDeposit
		}
		return err
	}
	return nil
}

func (s *Store) GetDeposit(ctx context.Context, id uuid.UUID) (*Deposit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id)
	return oneDeposit(row)
}

func (s *Store) GetDepositByRef(ctx context.Context, kind Kind, ref string) (*Deposit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE kind = $1 AND external_ref = $2`, string(kind), ref)
	return oneDeposit(row)
}

// TransitionDeposit locks the deposit row and applies its credit in the same transaction, so a
// deposit is credited at most once no matter how many observers race on it.
func (s *Store) TransitionDeposit(ctx context.Context, t DepositTransition) (*Deposit, error) {
	var out *Deposit
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE`, t.ID)
		current, err := oneDeposit(row)
		if err != nil {
			return err
		}
		if !t.allowed(current.Status) {
			return depositProcessed(current)
		}

		next := current.Clone()
		if t.Mutate != nil {
			t.Mutate(next)
		}
		next.Status = t.To
		next.UpdatedAt = t.Now

		if t.Op != "" {
			if _, err := s.applyOp(ctx, tx, DepositOp(next), t.Now); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE deposits
			SET status = $2, amount = $3, fee = $4, credited_amount = $5, limit_value = $6, payment_ref = $7,
				from_address = $8, confirmations = $9, required_confirmations = $10, failure_reason = $11,
				completed_at = $12, updated_at = $13
			WHERE id = $1
		`, next.ID, string(next.Status), next.Amount.String(), next.Fee.String(), next.CreditedAmount.String(),
			next.LimitValue.String(), next.PaymentRef, next.FromAddress, next.Confirmations, next.RequiredConfirmations,
			next.FailureReason, next.CompletedAt, next.UpdatedAt)
		if err != nil {
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

func (s *Store) ListDeposits(ctx context.Context, userID uuid.UUID, page Page) ([]*Deposit, error) {
	before := page.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE user_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, before, page.limit())
	if err != nil {
		return nil, err
	}
	return collectDeposits(rows)
}

func (s *Store) ListDepositsByStatus(ctx context.Context, kind Kind, statuses []DepositStatus, limit int) ([]*Deposit, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE ($1 = '' OR kind = $1) AND status = ANY($2::text[])
		ORDER BY created_at ASC
		LIMIT $3
	`, string(kind), names, limit)
	if err != nil {
		return nil, err
	}
	return collectDeposits(rows)
}

func (s *Store) DepositUsage(ctx context.Context, userID uuid.UUID, kind Kind, since time.Time) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(limit_value), 0)::text
		FROM deposits
		WHERE user_id = $1 AND kind = $2 AND created_at >= $3 AND status <> 'failed'
	`, userID, string(kind), since).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

func oneDeposit(row rowScanner) (*Deposit, error) {
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, err
	}
	return d, nil
}

func collectDeposits(rows pgx.Rows) ([]*Deposit, error) {
	defer rows.Close()
	out := make([]*Deposit, 0)
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeposit(row rowScanner) (*Deposit, error) {
	var d Deposit
	var kind, status string
	var amounts [5]string
	if err := row.Scan(&d.ID, &d.UserID, &kind, &status, &d.Currency, &amounts[0], &amounts[1], &d.CreditCurrency,
		&amounts[2], &amounts[3], &amounts[4], &d.ExternalRef, &d.PaymentRef, &d.Chain, &d.FromAddress,
		&d.Confirmations, &d.RequiredConfirmations, &d.FailureReason, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := parseDecimals(amounts[:]...)
	if err != nil {
		return nil, err
	}
	d.Amount, d.Fee, d.CreditedAmount, d.Rate, d.LimitValue = parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]
	d.Kind = Kind(kind)
	d.Status = DepositStatus(status)
	return &d, nil
}
