package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/security"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/google/uuid"
)

type fakeClock struct {
	now time.Time
}

func (f fakeClock) Now() time.Time { return f.now }

// fakeMinter hands out a fixed sequence of refresh tokens.
type fakeMinter struct {
	tokens []string
	idx    int
}

func (f *fakeMinter) RefreshToken() (security.Secret, error) {
	if f.idx >= len(f.tokens) {
		return security.Secret{}, errors.New("no tokens")
	}
	tok := f.tokens[f.idx]
	f.idx++
	return security.Secret{Plain: tok, Digest: security.Digest(tok)}, nil
}

type memStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*storage.User
	tokens   map[string]*storage.RefreshToken
	wallets  map[string]storage.WalletConnection
	keys     map[uuid.UUID]storage.APIKey
	attempts []storage.LoginAttempt
	audits   []storage.AuditLog
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[uuid.UUID]*storage.User{},
		tokens:  map[string]*storage.RefreshToken{},
		wallets: map[string]storage.WalletConnection{},
		keys:    map[uuid.UUID]storage.APIKey{},
	}
}

func (m *memStore) addUser(email, passwordHash string) *storage.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &storage.User{ID: uuid.New(), Email: &email, PasswordHash: passwordHash, Status: storage.UserStatusActive, Roles: []string{"user"}}
	m.users[u.ID] = u
	return u
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email != nil && *u.Email == email {
			return u, nil
		}
	}
	return nil, apperr.NotFound("user")
}

func (m *memStore) GetUserByID(_ context.Context, id uuid.UUID) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	return u, nil
}

func (m *memStore) CreatePasswordUser(_ context.Context, email, passwordHash, firstName, lastName string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email != nil && *u.Email == email {
			return nil, apperr.Conflict("email is already registered")
		}
	}
	u := &storage.User{ID: uuid.New(), Email: &email, PasswordHash: passwordHash, FirstName: firstName, LastName: lastName, Status: storage.UserStatusActive, Roles: []string{"user"}}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) SetPassword(_ context.Context, userID uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.NotFound("user")
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *memStore) SetMFA(_ context.Context, userID uuid.UUID, secret *string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.NotFound("user")
	}
	u.MFASecret = secret
	u.MFAEnabled = enabled
	if !enabled {
		u.BackupCodes = nil
	}
	return nil
}

func (m *memStore) SetBackupCodes(_ context.Context, userID uuid.UUID, digests []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.NotFound("user")
	}
	u.BackupCodes = append([]string(nil), digests...)
	return nil
}

func (m *memStore) ConsumeBackupCode(_ context.Context, userID uuid.UUID, digest string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	for i, d := range u.BackupCodes {
		if d == digest {
			u.BackupCodes = append(u.BackupCodes[:i:i], u.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) RecordLoginAttempt(_ context.Context, a storage.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) InsertAudit(_ context.Context, log storage.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, log)
	return nil
}

// ListAuditLogs treats insertion order as creation order.
func (m *memStore) ListAuditLogs(_ context.Context, userID uuid.UUID, limit int) ([]storage.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.AuditEntry
	for i := len(m.audits) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.audits[i]
		if a.UserID != userID {
			continue
		}
		out = append(out, storage.AuditEntry{ID: int64(i + 1), ActorType: a.ActorType, Action: a.Action, EntityType: a.EntityType, EntityID: a.EntityID, Details: a.Details})
	}
	return out, nil
}

func (m *memStore) countAudits(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.audits {
		if a.Action == action {
			n++
		}
	}
	return n
}

func (m *memStore) GetRefreshTokenByHash(_ context.Context, hash string) (*storage.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[hash]
	if !ok {
		return nil, apperr.NotFound("refresh token")
	}
	copied := *token
	return &copied, nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, _ string, _ string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.tokens[tokenHash] = &storage.RefreshToken{ID: id, UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt}
	return id, nil
}

func (m *memStore) RotateToken(_ context.Context, oldTokenID uuid.UUID, userID uuid.UUID, newHash string, expiresAt time.Time, _ string, _ string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.tokens {
		if token.ID == oldTokenID {
			if token.RevokedAt != nil {
				return uuid.Nil, apperr.New(apperr.KindUnauthorized, "token reuse detected")
			}
			now := time.Now()
			token.RevokedAt = &now
			id := uuid.New()
			m.tokens[newHash] = &storage.RefreshToken{ID: id, UserID: userID, TokenHash: newHash, ExpiresAt: expiresAt}
			return id, nil
		}
	}
	return uuid.Nil, apperr.NotFound("refresh token")
}

func (m *memStore) RevokeTokenByHash(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.tokens[hash]; ok && token.RevokedAt == nil {
		now := time.Now()
		token.RevokedAt = &now
	}
	return nil
}

func (m *memStore) RevokeAllTokens(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, token := range m.tokens {
		if token.UserID == userID && token.RevokedAt == nil {
			token.RevokedAt = &now
		}
	}
	return nil
}

func (m *memStore) CreateAPIKey(_ context.Context, userID uuid.UUID, prefix, _ string, label string, perms, ipWhitelist []string, expiresAt *time.Time) (storage.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storage.APIKey{ID: uuid.New(), UserID: userID, Prefix: prefix, Label: label, Permissions: perms, IPWhitelist: ipWhitelist, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	m.keys[key.ID] = key
	return key, nil
}

func (m *memStore) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]storage.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memStore) RevokeAPIKey(_ context.Context, userID, keyID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok || k.UserID != userID || k.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	k.RevokedAt = &now
	m.keys[keyID] = k
	return true, nil
}

func (m *memStore) FindWallet(_ context.Context, address string) (storage.WalletConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[strings.ToLower(address)]
	if !ok {
		return storage.WalletConnection{}, apperr.NotFound("wallet")
	}
	return w, nil
}

func (m *memStore) CreateWalletUser(_ context.Context, address, walletType string, chainID int64) (*storage.User, storage.WalletConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &storage.User{ID: uuid.New(), Status: storage.UserStatusActive, Roles: []string{"user"}}
	m.users[u.ID] = u
	w := storage.WalletConnection{ID: uuid.New(), UserID: u.ID, Address: strings.ToLower(address), WalletType: walletType, ChainID: chainID, IsPrimary: true}
	m.wallets[w.Address] = w
	return u, w, nil
}

func (m *memStore) LinkWallet(_ context.Context, userID uuid.UUID, address, walletType string, chainID int64) (storage.WalletConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	primary := true
	for _, w := range m.wallets {
		if w.UserID == userID {
			primary = false
		}
	}
	w := storage.WalletConnection{ID: uuid.New(), UserID: userID, Address: strings.ToLower(address), WalletType: walletType, ChainID: chainID, IsPrimary: primary}
	m.wallets[w.Address] = w
	return w, nil
}

func (m *memStore) UnlinkWallet(_ context.Context, userID uuid.UUID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := strings.ToLower(address)
	if w, ok := m.wallets[addr]; !ok || w.UserID != userID {
		return apperr.NotFound("wallet")
	}
	delete(m.wallets, addr)
	return nil
}

func (m *memStore) ListWallets(_ context.Context, userID uuid.UUID) ([]storage.WalletConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.WalletConnection
	for _, w := range m.wallets {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) TouchWallet(context.Context, uuid.UUID, time.Time) error {
	return nil
}
