package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Secret is a credential shown to the client once. Only Digest is persisted.
type Secret struct {
	Plain  string
	Digest string
}

func newSecret(plain string) Secret {
	return Secret{Plain: plain, Digest: Digest(plain)}
}

// Digest is the at-rest form of refresh tokens and backup codes.
func Digest(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Minter issues refresh tokens.
type Minter interface {
	RefreshToken() (Secret, error)
}

// RandomMinter mints 256-bit refresh tokens prefixed "rt_" so they are recognisable in
// logs and secret scanners.
type RandomMinter struct{}

const refreshTokenPrefix = "rt_"

func (RandomMinter) RefreshToken() (Secret, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Secret{}, fmt.Errorf("mint refresh token: %w", err)
	}
	return newSecret(refreshTokenPrefix + base64.RawURLEncoding.EncodeToString(buf)), nil
}

const BackupCodeCount = 10

// NewBackupCodes returns single-use 2FA recovery codes of eight upper-case hex digits.
func NewBackupCodes() ([]Secret, error) {
	codes := make([]Secret, BackupCodeCount)
	buf := make([]byte, 4)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = newSecret(strings.ToUpper(hex.EncodeToString(buf)))
	}
	return codes, nil
}

// BackupCodeDigest normalises user input the way codes are displayed before hashing,
// so "ab12-cd34" matches "AB12CD34".
func BackupCodeDigest(input string) string {
	code := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(input), "-", ""))
	return Digest(code)
}

// Plain returns the displayable halves of codes.
func Plain(codes []Secret) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.Plain
	}
	return out
}

// Digests returns the persistable halves of codes.
func Digests(codes []Secret) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.Digest
	}
	return out
}
