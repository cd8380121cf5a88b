package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, email, COALESCE(password_hash, ''), status, kyc_level, roles, mfa_enabled, mfa_secret, mfa_backup_codes, first_name, last_name, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.KYCLevel, &u.Roles, &u.MFAEnabled, &u.MFASecret, &u.BackupCodes, &u.FirstName, &u.LastName, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user")
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// CreatePasswordUser registers an email account. A taken email is a Conflict.
func (s *Store) CreatePasswordUser(ctx context.Context, email, passwordHash, firstName, lastName string) (*User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, first_name, last_name, status, kyc_level, roles, mfa_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', 0, ARRAY['user'], false, now(), now())
		RETURNING `+userColumns, strings.ToLower(email), passwordHash, firstName, lastName))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("email is already registered")
		}
		return nil, err
	}
	return user, nil
}

func (s *Store) SetPassword(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

// SetMFA also discards backup codes when 2FA is turned off.
func (s *Store) SetMFA(ctx context.Context, userID uuid.UUID, secret *string, enabled bool) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE users
		SET mfa_secret = $2, mfa_enabled = $3,
		    mfa_backup_codes = CASE WHEN $3 THEN mfa_backup_codes ELSE '{}' END,
		    updated_at = now()
		WHERE id = $1
	`, userID, secret, enabled)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

func (s *Store) SetBackupCodes(ctx context.Context, userID uuid.UUID, digests []string) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE users SET mfa_backup_codes = $2, updated_at = now() WHERE id = $1`, userID, digests)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

// ConsumeBackupCode removes digest from the user's codes. It reports false when the
// code was never issued or has already been used.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, digest string) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE users SET mfa_backup_codes = array_remove(mfa_backup_codes, $2), updated_at = now()
		WHERE id = $1 AND $2 = ANY(mfa_backup_codes)
	`, userID, digest)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *Store) RecordLoginAttempt(ctx context.Context, a LoginAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_attempts (user_id, subject, method, ip, success, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, a.UserID, a.Subject, a.Method, a.IP, a.Success, a.Reason)
	return err
}

func (s *Store) InsertAudit(ctx context.Context, log AuditLog) error {
	meta := map[string]string{
		"ip":         log.IP,
		"user_agent": log.UserAgent,
	}
	for k, v := range log.Details {
		meta[k] = v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, user_id, actor_type, action, entity_type, entity_id, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
	`, log.ActorID, log.UserID, log.ActorType, log.Action, log.EntityType, log.EntityID, meta)
	return err
}

// ListAuditLogs returns the newest entries concerning userID.
func (s *Store) ListAuditLogs(ctx context.Context, userID uuid.UUID, limit int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_type, action, entity_type, entity_id, metadata, created_at
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorType, &e.Action, &e.EntityType, &e.EntityID, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hash)

	var token RefreshToken
	if err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("refresh token")
		}
		return nil, err
	}
	return &token, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at, created_ip, user_agent)
		VALUES ($1, $2, $3, now(), $4, $5)
		RETURNING id
	`, userID, tokenHash, expiresAt, ip, userAgent).Scan(&id)
	return id, err
}

func (s *Store) RevokeTokenByHash(ctx context.Context, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, hash)
	return err
}

func (s *Store) RevokeAllTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	return err
}

// RotateToken replaces oldTokenID with a new token. The old row is revoked only if it
// was still live, so two concurrent refreshes cannot both succeed.
func (s *Store) RotateToken(ctx context.Context, oldTokenID uuid.UUID, userID uuid.UUID, newHash string, expiresAt time.Time, ip string, userAgent string) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var newID uuid.UUID
	if err := tx.QueryRow(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at, created_ip, user_agent)
		VALUES ($1, $2, $3, now(), $4, $5)
		RETURNING id
	`, userID, newHash, expiresAt, ip, userAgent).Scan(&newID); err != nil {
		return uuid.Nil, err
	}

	cmd, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now(), replaced_by = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, oldTokenID, newID)
	if err != nil {
		return uuid.Nil, err
	}
	if cmd.RowsAffected() == 0 {
		return uuid.Nil, apperr.New(apperr.KindUnauthorized, "token reuse detected")
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return newID, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
