package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const fundsEventPrefix = "funds:"

// Store is the Postgres book and record store. Each balance mutation runs in its own
// transaction holding the account row lock, and record transitions share that transaction.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	observer OpObserver
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) WithObserver(o OpObserver) *Store {
	s.observer = o
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) Balance(ctx context.Context, userID uuid.UUID, currency string) (ledger.Account, error) {
	currency = ledger.NormalizeCurrency(currency)
	if currency == "" {
		return ledger.Account{}, apperr.Validation("currency is required")
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, currency, balance_available::text, balance_locked::text, updated_at
		FROM ledger_accounts
		WHERE user_id = $1 AND currency = $2
	`, userID, currency)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{UserID: userID, Currency: currency}, nil
		}
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) Balances(ctx context.Context, userID uuid.UUID) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, currency, balance_available::text, balance_locked::text, updated_at
		FROM ledger_accounts
		WHERE user_id = $1
		ORDER BY currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) Apply(ctx context.Context, op ledger.Op) (ledger.Entry, error) {
	if err := op.Validate(); err != nil {
		return ledger.Entry{}, err
	}
	var entry ledger.Entry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = s.applyOp(ctx, tx, op, time.Now().UTC())
		return err
	})
	return entry, err
}

func (s *Store) Entries(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	currency = ledger.NormalizeCurrency(currency)
	rows, err := s.pool.Query(ctx, `
		SELECT id, ledger_account_id, user_id, currency, entry_type,
			available_delta::text, locked_delta::text, available_after::text, locked_after::text,
			reference_type, reference_id, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND ($2 = '' OR currency = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, currency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Entry, 0)
	for rows.Next() {
		var e ledger.Entry
		var typ, refType string
		var amounts [4]string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.UserID, &e.Currency, &typ,
			&amounts[0], &amounts[1], &amounts[2], &amounts[3], &refType, &e.Ref.ID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = ledger.OpType(typ)
		e.Ref.Type = ledger.RefType(refType)
		parsed, err := parseDecimals(amounts[:]...)
		if err != nil {
			return nil, err
		}
		e.AvailableDelta, e.LockedDelta, e.AvailableAfter, e.LockedAfter = parsed[0], parsed[1], parsed[2], parsed[3]
		out = append(out, e)
	}
	return out, rows.Err()
}

// applyOp runs op against the locked account row inside tx. A second entry for the same
// (account, ref, type) hits the unique index and is reported as AlreadyProcessed.
func (s *Store) applyOp(ctx context.Context, tx pgx.Tx, op ledger.Op, now time.Time) (_ ledger.Entry, err error) {
	defer func() { observeOp(s.observer, op.Type, err) }()
	acct, err := s.getOrCreateAccountForUpdate(ctx, tx, op.UserID, op.Currency)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry, err := acct.Apply(op, now)
	if err != nil {
		return ledger.Entry{}, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, ledger_account_id, user_id, currency, entry_type,
			available_delta, locked_delta, available_after, locked_after, reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ledger_account_id, reference_type, reference_id, entry_type) DO NOTHING
	`, entry.ID, entry.AccountID, entry.UserID, entry.Currency, string(entry.Type),
		entry.AvailableDelta.String(), entry.LockedDelta.String(), entry.AvailableAfter.String(), entry.LockedAfter.String(),
		string(entry.Ref.Type), entry.Ref.ID, entry.CreatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	if tag.RowsAffected() == 0 {
		return ledger.Entry{}, apperr.AlreadyProcessed(string(op.Type) + " already applied for " + op.Ref.String())
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET balance_available = $1, balance_locked = $2, updated_at = $3
		WHERE id = $4
	`, acct.Available.String(), acct.Locked.String(), now, acct.ID); err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func (s *Store) getOrCreateAccountForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (*ledger.Account, error) {
	currency = ledger.NormalizeCurrency(currency)
	acct, err := s.getAccountForUpdate(ctx, tx, userID, currency)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_accounts (user_id, currency, balance_available, balance_locked)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, userID, currency)
	if err != nil {
		return nil, err
	}

	return s.getAccountForUpdate(ctx, tx, userID, currency)
}

func (s *Store) getAccountForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (*ledger.Account, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, currency, balance_available::text, balance_locked::text, updated_at
		FROM ledger_accounts
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// MarkEventProcessed records eventID and reports whether it was new.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	key := fundsEventKey(eventID)
	if key == "" {
		return false, apperr.Validation("event id is required")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func fundsEventKey(eventID string) string {
	trimmed := strings.TrimSpace(eventID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, fundsEventPrefix) {
		return trimmed
	}
	return fundsEventPrefix + trimmed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var acct ledger.Account
	var availableStr, lockedStr string
	if err := row.Scan(&acct.ID, &acct.UserID, &acct.Currency, &availableStr, &lockedStr, &acct.UpdatedAt); err != nil {
		return ledger.Account{}, err
	}
	parsed, err := parseDecimals(availableStr, lockedStr)
	if err != nil {
		return ledger.Account{}, err
	}
	acct.Available, acct.Locked = parsed[0], parsed[1]
	return acct, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
