package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const walletColumns = `id, user_id, address, wallet_type, chain_id, is_primary, created_at, last_used_at`

func scanWallet(row rowScanner) (WalletConnection, error) {
	var w WalletConnection
	err := row.Scan(&w.ID, &w.UserID, &w.Address, &w.WalletType, &w.ChainID, &w.IsPrimary, &w.CreatedAt, &w.LastUsedAt)
	return w, err
}

func (s *Store) FindWallet(ctx context.Context, address string) (WalletConnection, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallet_connections WHERE address = $1`, strings.ToLower(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WalletConnection{}, apperr.NotFound("wallet")
		}
		return WalletConnection{}, err
	}
	return w, nil
}

// CreateWalletUser provisions a wallet-only user together with its primary wallet.
func (s *Store) CreateWalletUser(ctx context.Context, address, walletType string, chainID int64) (*User, WalletConnection, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, WalletConnection{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := scanUser(tx.QueryRow(ctx, `
		INSERT INTO users (status, kyc_level, roles, mfa_enabled, created_at, updated_at)
		VALUES ('active', 0, ARRAY['user'], false, now(), now())
		RETURNING `+userColumns))
	if err != nil {
		return nil, WalletConnection{}, err
	}

	w, err := scanWallet(tx.QueryRow(ctx, `
		INSERT INTO wallet_connections (user_id, address, wallet_type, chain_id, is_primary, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, true, now(), now())
		RETURNING `+walletColumns,
		user.ID, strings.ToLower(address), walletType, chainID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, WalletConnection{}, apperr.Conflict("wallet already registered")
		}
		return nil, WalletConnection{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, WalletConnection{}, err
	}
	committed = true
	return user, w, nil
}

// LinkWallet attaches address to userID. The first wallet of a user becomes primary.
func (s *Store) LinkWallet(ctx context.Context, userID uuid.UUID, address, walletType string, chainID int64) (WalletConnection, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `
		INSERT INTO wallet_connections (user_id, address, wallet_type, chain_id, is_primary, created_at)
		VALUES ($1, $2, $3, $4,
			NOT EXISTS (SELECT 1 FROM wallet_connections WHERE user_id = $1),
			now())
		RETURNING `+walletColumns,
		userID, strings.ToLower(address), walletType, chainID))
	if err != nil {
		if isUniqueViolation(err) {
			return WalletConnection{}, apperr.Conflict("wallet already linked")
		}
		return WalletConnection{}, err
	}
	return w, nil
}

// UnlinkWallet removes the connection and promotes the oldest remaining wallet when the
// primary one was removed.
func (s *Store) UnlinkWallet(ctx context.Context, userID uuid.UUID, address string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var wasPrimary bool
	err = tx.QueryRow(ctx, `
		DELETE FROM wallet_connections
		WHERE user_id = $1 AND address = $2
		RETURNING is_primary
	`, userID, strings.ToLower(address)).Scan(&wasPrimary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("wallet")
		}
		return err
	}

	if wasPrimary {
		if _, err := tx.Exec(ctx, `
			UPDATE wallet_connections SET is_primary = true
			WHERE id = (
				SELECT id FROM wallet_connections WHERE user_id = $1
				ORDER BY created_at, id LIMIT 1
			)
		`, userID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) ListWallets(ctx context.Context, userID uuid.UUID) ([]WalletConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallet_connections
		WHERE user_id = $1
		ORDER BY is_primary DESC, created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WalletConnection
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (s *Store) TouchWallet(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE wallet_connections SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}
