// Package wallet implements sign-in and account linking by proof of wallet ownership.
package wallet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/nonce"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/signature"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/google/uuid"
)

const defaultChainID = 1

type Store interface {
	FindWallet(ctx context.Context, address string) (storage.WalletConnection, error)
	CreateWalletUser(ctx context.Context, address, walletType string, chainID int64) (*storage.User, storage.WalletConnection, error)
	LinkWallet(ctx context.Context, userID uuid.UUID, address, walletType string, chainID int64) (storage.WalletConnection, error)
	UnlinkWallet(ctx context.Context, userID uuid.UUID, address string) error
	ListWallets(ctx context.Context, userID uuid.UUID) ([]storage.WalletConnection, error)
	TouchWallet(ctx context.Context, id uuid.UUID, at time.Time) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*storage.User, error)
}

// Proof is a signed challenge presented by the client.
type Proof struct {
	Address   string
	Nonce     string
	Signature string
}

type Authenticator struct {
	nonces  *nonce.Service
	store   Store
	enabled bool
	logger  *slog.Logger
	now     func() time.Time
}

func NewAuthenticator(nonces *nonce.Service, store Store, enabled bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		nonces:  nonces,
		store:   store,
		enabled: enabled,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (a *Authenticator) IssueNonce(ctx context.Context, address string) (nonce.Nonce, error) {
	if !a.enabled {
		return nonce.Nonce{}, apperr.Unavailable("wallet authentication is disabled")
	}
	return a.nonces.Issue(ctx, address)
}

// SignIn proves ownership of the wallet and returns its user, creating a wallet-only
// user on first sign in.
func (a *Authenticator) SignIn(ctx context.Context, p Proof) (*storage.User, bool, error) {
	if !a.enabled {
		return nil, false, apperr.Unavailable("wallet authentication is disabled")
	}
	if err := a.prove(ctx, p); err != nil {
		return nil, false, err
	}

	conn, err := a.store.FindWallet(ctx, p.Address)
	switch {
	case err == nil:
		user, err := a.store.GetUserByID(ctx, conn.UserID)
		if err != nil {
			return nil, false, err
		}
		if user.Status != storage.UserStatusActive {
			return nil, false, apperr.New(apperr.KindForbidden, "account is not active")
		}
		if err := a.store.TouchWallet(ctx, conn.ID, a.now()); err != nil {
			a.logger.Warn("wallet touch failed", "error", err, "wallet_id", conn.ID)
		}
		return user, false, nil
	case apperr.IsKind(err, apperr.KindNotFound):
		user, _, err := a.store.CreateWalletUser(ctx, p.Address, storage.WalletMetaMask, defaultChainID)
		if err != nil {
			return nil, false, err
		}
		a.logger.Info("wallet user created", "user_id", user.ID, "wallet", strings.ToLower(p.Address))
		return user, true, nil
	default:
		return nil, false, err
	}
}

// Connect links another wallet to an authenticated user.
func (a *Authenticator) Connect(ctx context.Context, userID uuid.UUID, p Proof, walletType string, chainID int64) (storage.WalletConnection, error) {
	if !a.enabled {
		return storage.WalletConnection{}, apperr.Unavailable("wallet authentication is disabled")
	}
	walletType = strings.ToLower(strings.TrimSpace(walletType))
	if walletType == "" {
		walletType = storage.WalletMetaMask
	}
	if walletType != storage.WalletMetaMask && walletType != storage.WalletWalletConnect {
		return storage.WalletConnection{}, apperr.Validation("wallet_type must be metamask or walletconnect")
	}
	if chainID == 0 {
		chainID = defaultChainID
	}
	if chainID < 0 {
		return storage.WalletConnection{}, apperr.Validation("chain_id must be positive")
	}

	if err := a.prove(ctx, p); err != nil {
		return storage.WalletConnection{}, err
	}

	existing, err := a.store.FindWallet(ctx, p.Address)
	if err == nil {
		if existing.UserID == userID {
			return existing, nil
		}
		return storage.WalletConnection{}, apperr.Conflict("wallet is linked to another account")
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return storage.WalletConnection{}, err
	}
	return a.store.LinkWallet(ctx, userID, p.Address, walletType, chainID)
}

// Disconnect unlinks a wallet. A user without a password keeps at least one wallet.
func (a *Authenticator) Disconnect(ctx context.Context, userID uuid.UUID, address string) error {
	if !a.enabled {
		return apperr.Unavailable("wallet authentication is disabled")
	}
	if _, err := nonce.NormalizeAddress(address); err != nil {
		return err
	}
	user, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	wallets, err := a.store.ListWallets(ctx, userID)
	if err != nil {
		return err
	}
	found := false
	for _, w := range wallets {
		if strings.EqualFold(w.Address, address) {
			found = true
			break
		}
	}
	if !found {
		return apperr.NotFound("wallet")
	}
	if len(wallets) == 1 && !user.HasPassword() {
		return apperr.Validation("cannot disconnect the only login method")
	}
	return a.store.UnlinkWallet(ctx, userID, address)
}

func (a *Authenticator) List(ctx context.Context, userID uuid.UUID) ([]storage.WalletConnection, error) {
	if !a.enabled {
		return nil, apperr.Unavailable("wallet authentication is disabled")
	}
	return a.store.ListWallets(ctx, userID)
}

// prove checks the signature over the stored challenge, then consumes it. A signature
// failure leaves the nonce usable so the client may retry with the right key.
func (a *Authenticator) prove(ctx context.Context, p Proof) error {
	n, err := a.nonces.Lookup(ctx, p.Address, p.Nonce)
	if err != nil {
		return err
	}
	if !signature.Verify(p.Address, n.Message, p.Signature) {
		return apperr.New(apperr.KindUnauthorized, "signature verification failed")
	}
	return a.nonces.Consume(ctx, p.Address, p.Nonce)
}
