// Package nonce issues and consumes the single-use challenges a wallet signs to prove
// ownership of its address.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/ethereum/go-ethereum/common"
)

const (
	nonceBytes     = 32
	DefaultTTL     = 5 * time.Minute
	defaultAppName = "CryptoExchange"
)

var ErrNotFound = errors.New("nonce not found")

type Nonce struct {
	Address   string    `json:"wallet_address"`
	Value     string    `json:"nonce"`
	Message   string    `json:"message"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Valid reports whether n can still be used for verification at now.
func (n Nonce) Valid(now time.Time) bool {
	return !n.Consumed && now.Before(n.ExpiresAt)
}

// Store persists nonces. Consume must be atomic: for concurrent calls with the same
// (address, value) at most one returns true.
type Store interface {
	Save(ctx context.Context, n Nonce) error
	Get(ctx context.Context, address, value string) (Nonce, error)
	Consume(ctx context.Context, address, value string, now time.Time) (bool, error)
	// Sweep physically removes records past their retention. It never affects
	// correctness since expired or consumed records are already unusable.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Service struct {
	store   Store
	ttl     time.Duration
	appName string
	clock   Clock
}

func NewService(store Store, ttl time.Duration, appName string, clock Clock) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if appName == "" {
		appName = defaultAppName
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{store: store, ttl: ttl, appName: appName, clock: clock}
}

// Issue creates a fresh challenge for address.
func (s *Service) Issue(ctx context.Context, address string) (Nonce, error) {
	checksummed, err := NormalizeAddress(address)
	if err != nil {
		return Nonce{}, err
	}

	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	now := s.clock.Now().UTC().Truncate(time.Second)
	n := Nonce{
		Address:   checksummed,
		Value:     hex.EncodeToString(buf),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	n.Message = RenderMessage(s.appName, n)

	if err := s.store.Save(ctx, n); err != nil {
		return Nonce{}, fmt.Errorf("save nonce: %w", err)
	}
	return n, nil
}

// Lookup returns the challenge if it is still valid, without consuming it.
func (s *Service) Lookup(ctx context.Context, address, value string) (Nonce, error) {
	key, err := storeKey(address)
	if err != nil {
		return Nonce{}, apperr.ErrNonceInvalid
	}
	n, err := s.store.Get(ctx, key, strings.TrimSpace(value))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Nonce{}, apperr.ErrNonceInvalid
		}
		return Nonce{}, err
	}
	if !n.Valid(s.clock.Now()) {
		return Nonce{}, apperr.ErrNonceInvalid
	}
	return n, nil
}

// Consume marks the nonce used. It fails with NonceInvalid unless this call performed
// the transition.
func (s *Service) Consume(ctx context.Context, address, value string) error {
	key, err := storeKey(address)
	if err != nil {
		return apperr.ErrNonceInvalid
	}
	ok, err := s.store.Consume(ctx, key, strings.TrimSpace(value), s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNonceInvalid
	}
	return nil
}

// Sweep removes stale records from the store.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.clock.Now())
}

// RenderMessage produces the human-readable text the wallet is asked to sign.
func RenderMessage(appName string, n Nonce) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", appName)
	fmt.Fprintf(&b, "%s\n\n", n.Address)
	b.WriteString("Sign this message to prove you own this wallet. This request will not trigger a blockchain transaction or cost any gas.\n\n")
	fmt.Fprintf(&b, "Nonce: %s\n", n.Value)
	fmt.Fprintf(&b, "Issued At: %s\n", n.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Expiration Time: %s", n.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

// NormalizeAddress validates a 0x-prefixed 20 byte hex address and returns its EIP-55 form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if len(address) != 42 || !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return "", apperr.Validation("wallet_address must be a 0x-prefixed 20 byte hex address")
	}
	return common.HexToAddress(address).Hex(), nil
}

func storeKey(address string) (string, error) {
	checksummed, err := NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	return strings.ToLower(checksummed), nil
}
