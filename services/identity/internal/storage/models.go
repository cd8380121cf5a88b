package storage

import (
	"time"

	"github.com/google/uuid"
)

const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"

	WalletMetaMask      = "metamask"
	WalletWalletConnect = "walletconnect"
)

// User is an exchange account. Wallet-only users have neither email nor password.
type User struct {
	ID           uuid.UUID
	Email        *string
	PasswordHash string
	Status       string
	KYCLevel     int
	Roles        []string
	MFAEnabled   bool
	MFASecret    *string
	// BackupCodes holds digests of unused 2FA recovery codes.
	BackupCodes []string
	FirstName   string
	LastName    string
	CreatedAt   time.Time
}

func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

// WalletConnection links an EVM address to a user. Address is stored lower-case.
type WalletConnection struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Address    string     `json:"wallet_address"`
	WalletType string     `json:"wallet_type"`
	ChainID    int64      `json:"chain_id"`
	IsPrimary  bool       `json:"is_primary"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Prefix      string     `json:"prefix"`
	Label       string     `json:"label"`
	Permissions []string   `json:"permissions"`
	IPWhitelist []string   `json:"ip_whitelist"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type LoginAttempt struct {
	UserID  *uuid.UUID
	Subject string
	Method  string
	IP      string
	Success bool
	Reason  string
}

type AuditLog struct {
	ActorID    uuid.UUID
	UserID     uuid.UUID
	ActorType  string
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	IP         string
	UserAgent  string
	Details    map[string]string
}

// AuditEntry is an audit row as shown to the account it concerns. Both services write
// into the same table, so entries cover logins, keys and fund movements alike.
type AuditEntry struct {
	ID         int64             `json:"id"`
	ActorType  string            `json:"actor_type"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   *uuid.UUID        `json:"entity_id,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
