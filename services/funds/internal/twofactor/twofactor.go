// Package twofactor checks TOTP codes for sensitive fund movements.
package twofactor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var validateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

type Verifier interface {
	Verify(ctx context.Context, userID uuid.UUID, code string) (bool, error)
}

// SecretSource returns the enrolled TOTP secret of a user, or "" when 2FA is not enabled.
type SecretSource interface {
	TOTPSecret(ctx context.Context, userID uuid.UUID) (string, error)
}

type TOTPVerifier struct {
	secrets SecretSource
	now     func() time.Time
}

func NewTOTPVerifier(secrets SecretSource) *TOTPVerifier {
	return &TOTPVerifier{secrets: secrets, now: time.Now}
}

// Verify accepts the current code and one step either side. Users without 2FA enrolled
// cannot pass verification.
func (v *TOTPVerifier) Verify(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return false, nil
	}
	secret, err := v.secrets.TOTPSecret(ctx, userID)
	if err != nil {
		return false, err
	}
	if secret == "" {
		return false, apperr.Validation("two-factor authentication is not enabled")
	}
	ok, err := totp.ValidateCustom(code, secret, v.now(), validateOpts)
	return err == nil && ok, nil
}

// StaticSecrets is an in-memory SecretSource for demo mode and tests.
type StaticSecrets struct {
	mu      sync.RWMutex
	secrets map[uuid.UUID]string
}

func NewStaticSecrets() *StaticSecrets {
	return &StaticSecrets{secrets: make(map[uuid.UUID]string)}
}

func (s *StaticSecrets) Set(userID uuid.UUID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[userID] = secret
}

func (s *StaticSecrets) TOTPSecret(_ context.Context, userID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets[userID], nil
}
