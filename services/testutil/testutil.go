package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SetupTestDB connects to the POSTGRES_* database that cmd/seed populated.
func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "cex"),
		getEnv("POSTGRES_PASSWORD", "cex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "cex_core"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// IntegrationDB returns a cleaned database for t, or skips t unless RUN_DB_INTEGRATION is
// set and the database is reachable. Rows written by the test are removed afterwards.
func IntegrationDB(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	if err := CleanupTestData(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() {
		if err := CleanupTestData(context.Background(), pool); err != nil {
			t.Logf("cleanup: %v", err)
		}
		pool.Close()
	})
	return pool
}

// CleanupTestData deletes everything tests create. Seeded users survive with their
// ledger accounts zeroed.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	seeded := "(" + quoteIDs(DemoUserID.String(), AdminUserID.String()) + ")"
	queries := []string{
		"DELETE FROM refresh_tokens",
		"DELETE FROM api_keys",
		"DELETE FROM login_attempts",
		"DELETE FROM wallet_connections",
		"DELETE FROM withdrawals",
		"DELETE FROM deposits",
		"DELETE FROM ledger_entries",
		"DELETE FROM processed_events",
		"DELETE FROM audit_logs",
		"DELETE FROM ledger_accounts WHERE user_id NOT IN " + seeded,
		"UPDATE ledger_accounts SET balance_available = 0, balance_locked = 0 WHERE user_id IN " + seeded,
		"DELETE FROM users WHERE id NOT IN " + seeded,
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func quoteIDs(ids ...string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + id + "'"
	}
	return strings.Join(quoted, ",")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
