package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/kyc"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Limits implements kyc.Provider over users.kyc_level joined with kyc_levels.
func (s *Store) Limits(ctx context.Context, userID uuid.UUID) (kyc.Limits, error) {
	var l kyc.Limits
	var daily, monthly, deposit string
	err := s.pool.QueryRow(ctx, `
		SELECT k.level, k.name, k.can_deposit_fiat, k.can_withdraw_fiat, k.can_withdraw_crypto,
			k.daily_withdrawal_limit::text, k.monthly_withdrawal_limit::text, k.daily_deposit_limit::text
		FROM users u
		JOIN kyc_levels k ON k.level = u.kyc_level
		WHERE u.id = $1
	`, userID).Scan(&l.Level, &l.Name, &l.CanDepositFiat, &l.CanWithdrawFiat, &l.CanWithdrawCrypto, &daily, &monthly, &deposit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kyc.Limits{}, apperr.NotFound("user")
		}
		return kyc.Limits{}, err
	}
	parsed, err := parseDecimals(daily, monthly, deposit)
	if err != nil {
		return kyc.Limits{}, err
	}
	l.DailyWithdrawalLimit, l.MonthlyWithdrawalLimit, l.DailyDepositLimit = parsed[0], parsed[1], parsed[2]
	return l, nil
}

// TOTPSecret returns the user's enabled TOTP secret, or "" when 2FA is off.
func (s *Store) TOTPSecret(ctx context.Context, userID uuid.UUID) (string, error) {
	var enabled bool
	var secret *string
	err := s.pool.QueryRow(ctx, `SELECT mfa_enabled, mfa_secret FROM users WHERE id = $1`, userID).Scan(&enabled, &secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperr.NotFound("user")
		}
		return "", err
	}
	if !enabled || secret == nil {
		return "", nil
	}
	return *secret, nil
}

func (s *Store) InsertAudit(ctx context.Context, log AuditLog) error {
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	meta := log.Details
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, user_id, actor_type, action, entity_type, entity_id, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, log.ActorID, log.UserID, log.ActorType, log.Action, log.EntityType, log.EntityID, createdAt, meta)
	return err
}

// ResolveAPIKey lets funds endpoints accept keys minted by the identity service.
func (s *Store) ResolveAPIKey(ctx context.Context, prefix string) (apikey.Record, error) {
	var rec apikey.Record
	var id, userID uuid.UUID
	var ipBytes []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, key_hash, scopes, ip_whitelist, expires_at, revoked_at
		FROM api_keys
		WHERE prefix = $1
	`, prefix).Scan(&id, &userID, &rec.KeyHash, &rec.Permissions, &ipBytes, &rec.ExpiresAt, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apikey.Record{}, apikey.ErrInvalidKey
		}
		return apikey.Record{}, err
	}
	if len(ipBytes) > 0 {
		if err := json.Unmarshal(ipBytes, &rec.IPWhitelist); err != nil {
			return apikey.Record{}, err
		}
	}
	rec.ID = id.String()
	rec.UserID = userID.String()
	return rec, nil
}
