package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/argon2"
)

var (
	demoUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	adminUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	// namespace for deterministic seed reference ids
	seedNamespace = uuid.MustParse("6f1c2f1e-4a43-4a4e-9d7e-3c6b0f1a9e10")
)

const (
	demoKeyPrefix   = "demo0001"
	demoKeySecret   = "demosecret0001"
	adminKeyPrefix  = "admin0001"
	adminKeySecret  = "adminsecret0001"
	demoWallet      = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"
	demoWalletChain = 11155111
)

type seedUser struct {
	id       uuid.UUID
	email    string
	password string
	status   string
	kyc      int
	roles    []string
	mfa      string
}

type seedKey struct {
	id        uuid.UUID
	userID    uuid.UUID
	email     string
	prefix    string
	secret    string
	label     string
	scopes    []string
	revokedAt *time.Time
}

func main() {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "cex"),
		getEnv("POSTGRES_PASSWORD", "cex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "cex_core"),
		getEnv("POSTGRES_SSLMODE", "disable"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	users := []seedUser{
		{id: demoUserID, email: "demo@example.com", password: "demo123", status: "active", kyc: 2, roles: []string{"user"}},
		{id: adminUserID, email: "admin@example.com", password: "admin123", status: "active", kyc: 3, roles: []string{"user", "admin"}},
	}
	if err := seedUsers(ctx, pool, users); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if err := seedWallet(ctx, pool, demoUserID, demoWallet, demoWalletChain); err != nil {
		log.Fatalf("seed wallet: %v", err)
	}
	fmt.Println("✓ Wallet connections seeded")

	keys := []seedKey{
		{id: uuid.MustParse("00000000-0000-0000-0000-000000000201"), userID: demoUserID, email: "demo@example.com",
			prefix: demoKeyPrefix, secret: demoKeySecret, label: "demo",
			scopes: []string{apikey.PermRead, apikey.PermTrade, apikey.PermWithdraw}},
		{id: uuid.MustParse("00000000-0000-0000-0000-000000000202"), userID: adminUserID, email: "admin@example.com",
			prefix: adminKeyPrefix, secret: adminKeySecret, label: "admin",
			scopes: []string{apikey.PermRead}},
	}
	if err := seedAPIKeys(ctx, pool, keys); err != nil {
		log.Fatalf("seed api keys: %v", err)
	}
	fmt.Println("✓ API keys seeded")

	balances := map[uuid.UUID]map[string]string{
		demoUserID:  {"USDT": "50000", "ETH": "10", "INR": "100000"},
		adminUserID: {"USDT": "1000"},
	}
	if err := seedBalances(ctx, pool, balances); err != nil {
		log.Fatalf("seed balances: %v", err)
	}
	fmt.Println("✓ Ledger balances seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Credentials:")
	for _, u := range users {
		fmt.Printf("  %s / %s\n", u.email, u.password)
	}
	fmt.Printf("  wallet %s (chain %d)\n", demoWallet, demoWalletChain)

	if env == "dev" {
		fmt.Println("\nAPI Keys (DEV ONLY):")
		for _, k := range keys {
			fmt.Printf("  %s: cex_%s_%s.%s\n", k.email, env, k.prefix, k.secret)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Same encoding the identity service verifies.
func hashPassword(password string) (string, error) {
	const (
		memory      = 64 * 1024
		iterations  = 3
		parallelism = 2
		keyLength   = 32
	)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLength)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", memory, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(hash)), nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, users []seedUser) error {
	now := time.Now()
	for _, u := range users {
		hash, err := hashPassword(u.password)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", u.email, err)
		}
		var secret *string
		if u.mfa != "" {
			secret = &u.mfa
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO users (id, email, password_hash, status, kyc_level, roles, mfa_enabled, mfa_secret, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			ON CONFLICT (id) DO UPDATE
			SET email = EXCLUDED.email,
			    password_hash = EXCLUDED.password_hash,
			    status = EXCLUDED.status,
			    kyc_level = EXCLUDED.kyc_level,
			    roles = EXCLUDED.roles,
			    mfa_enabled = EXCLUDED.mfa_enabled,
			    mfa_secret = EXCLUDED.mfa_secret,
			    updated_at = EXCLUDED.updated_at
		`, u.id, u.email, hash, u.status, u.kyc, u.roles, secret != nil, secret, now)
		if err != nil {
			return fmt.Errorf("user %s: %w", u.email, err)
		}
	}
	return nil
}

func seedWallet(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, address string, chainID int64) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO wallet_connections (user_id, address, wallet_type, chain_id, is_primary)
		VALUES ($1, $2, 'metamask', $3, TRUE)
		ON CONFLICT (address) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    chain_id = EXCLUDED.chain_id,
		    is_primary = TRUE
	`, userID, address, chainID)
	return err
}

func seedAPIKeys(ctx context.Context, pool *pgxpool.Pool, keys []seedKey) error {
	now := time.Now()
	for _, k := range keys {
		_, err := pool.Exec(ctx, `
			INSERT INTO api_keys (id, user_id, prefix, key_hash, label, scopes, ip_whitelist, revoked_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7, $8, $8)
			ON CONFLICT (prefix) DO UPDATE
			SET user_id = EXCLUDED.user_id,
			    key_hash = EXCLUDED.key_hash,
			    label = EXCLUDED.label,
			    scopes = EXCLUDED.scopes,
			    ip_whitelist = EXCLUDED.ip_whitelist,
			    revoked_at = EXCLUDED.revoked_at,
			    updated_at = EXCLUDED.updated_at
		`, k.id, k.userID, k.prefix, apikey.Hash(k.prefix, k.secret), k.label, k.scopes, k.revokedAt, now)
		if err != nil {
			return fmt.Errorf("api key %s: %w", k.prefix, err)
		}
	}
	return nil
}

// seedBalances credits each balance through an adjustment entry so the ledger log
// replays to the seeded balance. Re-running is a no-op per (user, currency).
func seedBalances(ctx context.Context, pool *pgxpool.Pool, balances map[uuid.UUID]map[string]string) error {
	for userID, byCurrency := range balances {
		for currency, raw := range byCurrency {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("balance %s: %w", currency, err)
			}
			if err := creditAdjustment(ctx, pool, userID, currency, amount); err != nil {
				return fmt.Errorf("credit %s %s: %w", userID, currency, err)
			}
		}
	}
	return nil
}

func creditAdjustment(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_accounts (user_id, currency) VALUES ($1, $2)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, userID, currency); err != nil {
		return err
	}

	var accountID uuid.UUID
	var availableRaw, lockedRaw string
	if err := tx.QueryRow(ctx, `
		SELECT id, balance_available::text, balance_locked::text
		FROM ledger_accounts WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency).Scan(&accountID, &availableRaw, &lockedRaw); err != nil {
		return err
	}
	available, err := decimal.NewFromString(availableRaw)
	if err != nil {
		return err
	}
	after := available.Add(amount)

	refID := uuid.NewSHA1(seedNamespace, []byte(userID.String()+":"+currency))
	var entryID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, ledger_account_id, user_id, currency, entry_type,
			available_delta, locked_delta, available_after, locked_after, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, 'credit', $5, 0, $6, $7, 'adjustment', $8)
		ON CONFLICT (ledger_account_id, reference_type, reference_id, entry_type) DO NOTHING
		RETURNING id
	`, uuid.New(), accountID, userID, currency, amount.String(), after.String(), lockedRaw, refID).Scan(&entryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ledger_accounts SET balance_available = $1, updated_at = now() WHERE id = $2
	`, after.String(), accountID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
