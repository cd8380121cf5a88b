package wallet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/google/uuid"
)

type memStore struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*storage.User
	wallets map[string]storage.WalletConnection
}

func newMemStore() *memStore {
	return &memStore{users: map[uuid.UUID]*storage.User{}, wallets: map[string]storage.WalletConnection{}}
}

func (m *memStore) addUser(password string) *storage.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &storage.User{ID: uuid.New(), Status: storage.UserStatusActive, PasswordHash: password}
	m.users[u.ID] = u
	return u
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
	if _, ok := m.wallets[strings.ToLower(address)]; ok {
		return nil, storage.WalletConnection{}, apperr.Conflict("wallet already registered")
	}
	u := &storage.User{ID: uuid.New(), Status: storage.UserStatusActive}
	m.users[u.ID] = u
	w := storage.WalletConnection{ID: uuid.New(), UserID: u.ID, Address: strings.ToLower(address), WalletType: walletType, ChainID: chainID, IsPrimary: true, CreatedAt: time.Now()}
	m.wallets[w.Address] = w
	return u, w, nil
}

func (m *memStore) LinkWallet(_ context.Context, userID uuid.UUID, address, walletType string, chainID int64) (storage.WalletConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := strings.ToLower(address)
	if _, ok := m.wallets[addr]; ok {
		return storage.WalletConnection{}, apperr.Conflict("wallet already linked")
	}
	primary := true
	for _, w := range m.wallets {
		if w.UserID == userID {
			primary = false
		}
	}
	w := storage.WalletConnection{ID: uuid.New(), UserID: userID, Address: addr, WalletType: walletType, ChainID: chainID, IsPrimary: primary, CreatedAt: time.Now()}
	m.wallets[addr] = w
	return w, nil
}

func (m *memStore) UnlinkWallet(_ context.Context, userID uuid.UUID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := strings.ToLower(address)
	w, ok := m.wallets[addr]
	if !ok || w.UserID != userID {
		return apperr.NotFound("wallet")
	}
	delete(m.wallets, addr)
	if w.IsPrimary {
		for k, other := range m.wallets {
			if other.UserID == userID {
				other.IsPrimary = true
				m.wallets[k] = other
				break
			}
		}
	}
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

func (m *memStore) TouchWallet(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, w := range m.wallets {
		if w.ID == id {
			w.LastUsedAt = &at
			m.wallets[k] = w
		}
	}
	return nil
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
