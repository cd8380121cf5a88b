package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const apiKeyColumns = `id, user_id, prefix, label, scopes, ip_whitelist, expires_at, last_used_at, revoked_at, created_at`

func scanAPIKey(row rowScanner, extra ...any) (APIKey, error) {
	var key APIKey
	var ipBytes []byte
	dest := []any{&key.ID, &key.UserID, &key.Prefix, &key.Label, &key.Permissions, &ipBytes, &key.ExpiresAt, &key.LastUsedAt, &key.RevokedAt, &key.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return APIKey{}, err
	}
	if len(ipBytes) > 0 {
		if err := json.Unmarshal(ipBytes, &key.IPWhitelist); err != nil {
			return APIKey{}, err
		}
	}
	return key, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, userID uuid.UUID, prefix, keyHash, label string, perms, ipWhitelist []string, expiresAt *time.Time) (APIKey, error) {
	if ipWhitelist == nil {
		ipWhitelist = []string{}
	}
	ipJSON, err := json.Marshal(ipWhitelist)
	if err != nil {
		return APIKey{}, err
	}

	key, err := scanAPIKey(s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (user_id, prefix, key_hash, label, scopes, ip_whitelist, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, now(), now())
		RETURNING `+apiKeyColumns,
		userID, prefix, keyHash, label, perms, ipJSON, expiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return APIKey{}, apperr.Conflict("api key prefix collision")
		}
		return APIKey{}, err
	}
	return key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, key)
	}
	return items, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET revoked_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL
	`, keyID, userID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// ResolveAPIKey implements auth.KeyResolver.
func (s *Store) ResolveAPIKey(ctx context.Context, prefix string) (apikey.Record, error) {
	var keyHash string
	key, err := scanAPIKey(s.pool.QueryRow(ctx, `
		SELECT `+apiKeyColumns+`, key_hash
		FROM api_keys
		WHERE prefix = $1
	`, prefix), &keyHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apikey.Record{}, apikey.ErrInvalidKey
		}
		return apikey.Record{}, err
	}
	_, _ = s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, key.ID)
	return apikey.Record{
		ID:          key.ID.String(),
		UserID:      key.UserID.String(),
		KeyHash:     keyHash,
		Permissions: key.Permissions,
		IPWhitelist: key.IPWhitelist,
		ExpiresAt:   key.ExpiresAt,
		RevokedAt:   key.RevokedAt,
	}, nil
}
