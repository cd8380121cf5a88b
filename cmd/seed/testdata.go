package main

import (
	"context"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Fixed TOTP secret for the MFA fixture user; integration tests derive codes from it.
const mfaTestSecret = "JBSWY3DPEHPK3PXP"

func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	mfaUserID := uuid.MustParse("00000000-0000-0000-0000-000000000003")
	suspendedUserID := uuid.MustParse("00000000-0000-0000-0000-000000000004")

	users := []seedUser{
		{id: mfaUserID, email: "mfa@example.com", password: "mfa123", status: "active", kyc: 1,
			roles: []string{"user"}, mfa: mfaTestSecret},
		{id: suspendedUserID, email: "suspended@example.com", password: "suspended123", status: "suspended", kyc: 0,
			roles: []string{"user"}},
	}
	if err := seedUsers(ctx, pool, users); err != nil {
		return err
	}

	revoked := time.Now().Add(-time.Hour)
	keys := []seedKey{{
		id:        uuid.MustParse("00000000-0000-0000-0000-000000000301"),
		userID:    demoUserID,
		email:     "demo@example.com",
		prefix:    "revoked0001",
		secret:    "revokedsecret0001",
		label:     "revoked",
		scopes:    []string{apikey.PermRead},
		revokedAt: &revoked,
	}}
	if err := seedAPIKeys(ctx, pool, keys); err != nil {
		return err
	}

	return seedBalances(ctx, pool, map[uuid.UUID]map[string]string{
		mfaUserID: {"ETH": "2"},
	})
}
