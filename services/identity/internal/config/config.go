package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Vinayak0723/cryptoexchange/libs/config"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/rate"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/security"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (d DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	LoginLimit    int
	NonceLimit    int
	RegisterLimit int
	Window        time.Duration
	Prefix        string
	Block         rate.BlockPolicy
}

type NonceConfig struct {
	TTL       time.Duration
	Retention time.Duration
	Prefix    string
	AppName   string
}

type Config struct {
	App             base.AppConfig
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	TOTPIssuer      string
	APIKeyEnv       string
	Argon2          security.Argon2Params
	DB              DBConfig
	Redis           RedisConfig
	RateLimit       RateLimitConfig
	Nonce           NonceConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("CEX_CONFIG"))
	if err != nil {
		return nil, err
	}
	if appCfg.ServiceName == "cex-service" {
		appCfg.ServiceName = "cex-identity"
	}

	cfg := &Config{
		App:             *appCfg,
		JWTSecret:       envString("CEX_JWT_SECRET", ""),
		JWTIssuer:       envString("CEX_JWT_ISSUER", "cex-identity"),
		AccessTokenTTL:  envDuration("CEX_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: envDuration("CEX_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		TOTPIssuer:      envString("CEX_TOTP_ISSUER", "CryptoExchange"),
		APIKeyEnv:       envString("CEX_API_KEY_ENV", apiKeyEnv(appCfg.Env)),
		Argon2: security.Argon2Params{
			Memory:      uint32(envInt("CEX_ARGON2_MEMORY", 64*1024)),
			Iterations:  uint32(envInt("CEX_ARGON2_ITERATIONS", 3)),
			Parallelism: uint8(envInt("CEX_ARGON2_PARALLELISM", 2)),
			SaltLength:  uint32(envInt("CEX_ARGON2_SALT_LENGTH", 16)),
			KeyLength:   uint32(envInt("CEX_ARGON2_KEY_LENGTH", 32)),
		},
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "cex_core"),
			User:     envString("POSTGRES_USER", "cex"),
			Password: envString("POSTGRES_PASSWORD", "cex"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("CEX_REDIS_ADDR", ""),
			Password: envString("CEX_REDIS_PASSWORD", ""),
			DB:       envInt("CEX_REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			LoginLimit:    envInt("CEX_LOGIN_RATE_LIMIT", 10),
			NonceLimit:    envInt("CEX_NONCE_RATE_LIMIT", 20),
			RegisterLimit: envInt("CEX_REGISTER_RATE_LIMIT", 5),
			Window:        envDuration("CEX_LOGIN_RATE_WINDOW", time.Minute),
			Prefix:        envString("CEX_RATE_LIMIT_REDIS_PREFIX", rate.DefaultRedisPrefix),
			Block: rate.BlockPolicy{
				Threshold: envInt("CEX_IP_BLOCK_THRESHOLD", 10),
				Track:     envDuration("CEX_IP_BLOCK_TRACK_WINDOW", 5*time.Minute),
				Ban:       envDuration("CEX_IP_BLOCK_DURATION", time.Hour),
			},
		},
		Nonce: NonceConfig{
			TTL:       envDuration("CEX_NONCE_TTL", 5*time.Minute),
			Retention: envDuration("CEX_NONCE_RETENTION", 24*time.Hour),
			Prefix:    envString("CEX_NONCE_REDIS_PREFIX", "cex:identity:nonce:"),
			AppName:   envString("CEX_APP_NAME", "CryptoExchange"),
		},
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("CEX_JWT_SECRET must be set")
	}
	if cfg.App.IsProduction() && len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("CEX_JWT_SECRET must be at least 32 bytes in production")
	}
	if cfg.RateLimit.Block.Threshold <= 0 || cfg.RateLimit.Block.Track <= 0 || cfg.RateLimit.Block.Ban <= 0 {
		return nil, fmt.Errorf("ip block threshold, track window and duration must be positive")
	}
	if cfg.Nonce.TTL <= 0 {
		return nil, fmt.Errorf("CEX_NONCE_TTL must be positive")
	}

	return cfg, nil
}

// LocalFallback reports whether in-memory rate limiting and nonces are acceptable.
func (c *Config) LocalFallback() bool {
	return c.App.Env == "dev" || c.App.Env == "test" || c.App.Features.DemoMode
}

func apiKeyEnv(env string) string {
	if strings.EqualFold(env, "prod") || strings.EqualFold(env, "production") {
		return "live"
	}
	return "test"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
