// Package apikey generates and verifies exchange API keys of the form
// cex_<env>_<prefix>.<secret>. Only sha256(prefix.secret) is ever stored.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

const keyScheme = "cex"

const (
	PermRead     = "read"
	PermTrade    = "trade"
	PermWithdraw = "withdraw"
)

var knownPermissions = []string{PermRead, PermTrade, PermWithdraw}

var (
	ErrInvalidKey         = errors.New("invalid api key")
	ErrRevokedKey         = errors.New("revoked api key")
	ErrExpiredKey         = errors.New("expired api key")
	ErrIPNotAllowed       = errors.New("ip not allowed")
	ErrInvalidWhitelist   = errors.New("invalid ip whitelist")
	ErrInvalidPermissions = errors.New("invalid permissions")
)

type Record struct {
	ID          string
	UserID      string
	KeyHash     string
	Permissions []string
	IPWhitelist []string
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

func Generate(env string) (fullKey string, prefix string, hash string, err error) {
	if env == "" || strings.ContainsAny(env, "_.") {
		return "", "", "", fmt.Errorf("invalid key environment %q", env)
	}
	prefix, err = generatePrefix()
	if err != nil {
		return "", "", "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return "", "", "", err
	}
	fullKey = fmt.Sprintf("%s_%s_%s.%s", keyScheme, env, prefix, secret)
	hash = Hash(prefix, secret)
	return fullKey, prefix, hash, nil
}

func Parse(key string) (env string, prefix string, secret string, err error) {
	head, secret, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok {
		return "", "", "", ErrInvalidKey
	}
	headParts := strings.SplitN(head, "_", 3)
	if len(headParts) != 3 || headParts[0] != keyScheme {
		return "", "", "", ErrInvalidKey
	}
	env = headParts[1]
	prefix = headParts[2]
	if env == "" || prefix == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, prefix, secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

func Verify(key string, record Record, clientIP string) error {
	return verifyAt(key, record, clientIP, time.Now())
}

func verifyAt(key string, record Record, clientIP string, now time.Time) error {
	_, prefix, secret, err := Parse(key)
	if err != nil {
		return err
	}

	hash := Hash(prefix, secret)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(record.KeyHash))) != 1 {
		return ErrInvalidKey
	}
	if record.RevokedAt != nil {
		return ErrRevokedKey
	}
	if record.ExpiresAt != nil && !now.Before(*record.ExpiresAt) {
		return ErrExpiredKey
	}
	if !IPAllowed(clientIP, record.IPWhitelist) {
		return ErrIPNotAllowed
	}
	return nil
}

// VerifyAPIKey returns the owning user and granted permissions of a valid key.
func VerifyAPIKey(key string, record Record, clientIP string) (string, []string, error) {
	if err := Verify(key, record, clientIP); err != nil {
		return "", nil, err
	}
	return record.UserID, record.Permissions, nil
}

// NormalizePermissions lower-cases, de-duplicates and validates perms. Read is always granted.
func NormalizePermissions(perms []string) ([]string, error) {
	out := []string{PermRead}
	for _, p := range perms {
		p = strings.ToLower(strings.TrimSpace(p))
		if !slices.Contains(knownPermissions, p) {
			return nil, ErrInvalidPermissions
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}

func PermissionAllows(granted []string, perm string) bool {
	if perm == PermRead && len(granted) > 0 {
		return true
	}
	return slices.Contains(granted, perm)
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		if strings.TrimSpace(entry) == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, netw, err := net.ParseCIDR(entry)
			if err == nil && netw.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

func generatePrefix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf)), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
