package testutil

import (
	"context"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/Vinayak0723/cryptoexchange/libs/auth"
	"github.com/google/uuid"
)

// Seeded by cmd/seed and preserved by CleanupTestData.
var (
	DemoUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	AdminUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// GenerateJWT signs a token shaped like the identity service's, with every scope granted.
func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration, now time.Time, roles ...string) (string, error) {
	return auth.SignJWT(auth.NewClaims(userID, "cex-identity", roles, nil, now, ttl), secret)
}

// APIKeys is an in-memory auth.KeyResolver for handler tests.
type APIKeys map[string]apikey.Record

func (k APIKeys) ResolveAPIKey(_ context.Context, prefix string) (apikey.Record, error) {
	rec, ok := k[prefix]
	if !ok {
		return apikey.Record{}, apikey.ErrInvalidKey
	}
	return rec, nil
}

// Issue generates a key for userID with perms, registers it and returns the full key.
func (k APIKeys) Issue(userID uuid.UUID, perms ...string) (string, error) {
	full, prefix, hash, err := apikey.Generate("test")
	if err != nil {
		return "", err
	}
	k[prefix] = apikey.Record{ID: uuid.NewString(), UserID: userID.String(), KeyHash: hash, Permissions: perms}
	return full, nil
}
