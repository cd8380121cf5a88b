package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Vinayak0723/cryptoexchange/libs/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
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
	Prefix   string
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	Audit            string
	DepositsObserved string
	DeadLetter       string
}

// KafkaConfig is optional: with no brokers the service records audit events in Postgres and
// logs only, and crypto deposits are driven by the poller alone.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type FundsConfig struct {
	FiatCurrency         string
	CreditCurrency       string
	LimitCurrency        string
	WithdrawalFeePercent decimal.Decimal
	DepositFeePercent    decimal.Decimal
	MinFiatWithdrawal    decimal.Decimal
	MinFiatDeposit       decimal.Decimal
	AutoApproveLimit     decimal.Decimal
	Confirmations        map[string]int
	DefaultConfirmations int
}

type RatesConfig struct {
	Static   map[string]decimal.Decimal
	CacheTTL time.Duration
}

type GatewayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

// ChainConfig selects the EVM network. An empty RPCURL runs the in-process simulated chain,
// which is only allowed outside production.
type ChainConfig struct {
	Name           string
	Native         string
	RPCURL         string
	HotWalletKey   string
	DepositAddress string
	ChainID        int64
	BlockTime      time.Duration
}

type CollaboratorConfig struct {
	Timeout          time.Duration
	Attempts         int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type PollerConfig struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

type Config struct {
	App           base.AppConfig
	JWTSecret     string
	DB            DBConfig
	Redis         RedisConfig
	GRPC          GRPCConfig
	Kafka         KafkaConfig
	Funds         FundsConfig
	Rates         RatesConfig
	Gateway       GatewayConfig
	Chain         ChainConfig
	Collaborators CollaboratorConfig
	Poller        PollerConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("CEX_CONFIG"))
	if err != nil {
		return nil, err
	}
	if appCfg.ServiceName == "cex-service" {
		appCfg.ServiceName = "cex-funds"
	}

	v := viper.New()
	v.SetEnvPrefix("CEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	path := os.Getenv("CEX_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	staticRates, err := rateTable(envString("CEX_RATES", ""), v.GetStringMapString("rates.static"))
	if err != nil {
		return nil, err
	}
	confirmations := map[string]int{}
	for name, n := range v.GetStringMap("funds.confirmations") {
		if c, err := strconv.Atoi(fmt.Sprint(n)); err == nil {
			confirmations[strings.ToLower(name)] = c
		}
	}

	cfg := &Config{
		App:       *appCfg,
		JWTSecret: envString("CEX_JWT_SECRET", ""),
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
			Prefix:   envString("CEX_RATES_REDIS_PREFIX", "cex:funds:rates:"),
		},
		GRPC: GRPCConfig{
			Host: envString("CEX_GRPC_HOST", "0.0.0.0"),
			Port: envInt("CEX_GRPC_PORT", 9093),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Audit:            envString("KAFKA_AUDIT_TOPIC", v.GetString("kafka.topics.audit")),
				DepositsObserved: envString("KAFKA_DEPOSITS_TOPIC", v.GetString("kafka.topics.deposits_observed")),
				DeadLetter:       envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Funds: FundsConfig{
			FiatCurrency:         strings.ToUpper(v.GetString("funds.fiat_currency")),
			CreditCurrency:       strings.ToUpper(v.GetString("funds.credit_currency")),
			LimitCurrency:        strings.ToUpper(v.GetString("funds.limit_currency")),
			WithdrawalFeePercent: envDecimal("CEX_WITHDRAWAL_FEE_PERCENT", v.GetString("funds.withdrawal_fee_percent")),
			DepositFeePercent:    envDecimal("CEX_DEPOSIT_FEE_PERCENT", v.GetString("funds.deposit_fee_percent")),
			MinFiatWithdrawal:    envDecimal("CEX_MIN_FIAT_WITHDRAWAL", v.GetString("funds.min_fiat_withdrawal")),
			MinFiatDeposit:       envDecimal("CEX_MIN_FIAT_DEPOSIT", v.GetString("funds.min_fiat_deposit")),
			AutoApproveLimit:     envDecimal("CEX_AUTO_APPROVE_LIMIT", v.GetString("funds.auto_approve_limit")),
			Confirmations:        confirmations,
			DefaultConfirmations: v.GetInt("funds.default_confirmations"),
		},
		Rates: RatesConfig{
			Static:   staticRates,
			CacheTTL: v.GetDuration("rates.cache_ttl"),
		},
		Gateway: GatewayConfig{
			KeyID:         envString("CEX_RAZORPAY_KEY_ID", ""),
			KeySecret:     envString("CEX_RAZORPAY_KEY_SECRET", ""),
			WebhookSecret: envString("CEX_RAZORPAY_WEBHOOK_SECRET", ""),
		},
		Chain: ChainConfig{
			Name:           strings.ToLower(v.GetString("chain.name")),
			Native:         strings.ToUpper(v.GetString("chain.native")),
			RPCURL:         envString("CEX_ETH_RPC_URL", ""),
			HotWalletKey:   envString("CEX_HOT_WALLET_PRIVATE_KEY", ""),
			DepositAddress: envString("CEX_DEPOSIT_ADDRESS", v.GetString("chain.deposit_address")),
			ChainID:        v.GetInt64("chain.chain_id"),
			BlockTime:      v.GetDuration("chain.block_time"),
		},
		Collaborators: CollaboratorConfig{
			Timeout:          envDuration("CEX_COLLABORATOR_TIMEOUT", v.GetDuration("collaborators.timeout")),
			Attempts:         v.GetInt("collaborators.attempts"),
			BreakerThreshold: v.GetInt("collaborators.breaker_threshold"),
			BreakerCooldown:  v.GetDuration("collaborators.breaker_cooldown"),
		},
		Poller: PollerConfig{
			Interval:    envDuration("CEX_POLL_INTERVAL", v.GetDuration("poller.interval")),
			Concurrency: v.GetInt("poller.concurrency"),
			BatchSize:   v.GetInt("poller.batch_size"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("CEX_JWT_SECRET must be set")
	}
	if c.App.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("CEX_JWT_SECRET must be at least 32 bytes in production")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Audit == "" || c.Kafka.Topics.DepositsObserved == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.Funds.WithdrawalFeePercent.IsNegative() || c.Funds.DepositFeePercent.IsNegative() {
		return fmt.Errorf("fee percentages must not be negative")
	}
	if c.Funds.WithdrawalFeePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("withdrawal fee percent must be below 1")
	}
	if c.Funds.DefaultConfirmations <= 0 {
		return fmt.Errorf("default confirmations must be positive")
	}
	if c.App.IsProduction() {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("CEX_ETH_RPC_URL must be set in production")
		}
		if c.Gateway.KeySecret == "" || c.Gateway.WebhookSecret == "" {
			return fmt.Errorf("payment gateway secrets must be set in production")
		}
	}
	return nil
}

// SimulatedChain reports whether the in-process chain replaces a real RPC endpoint.
func (c *Config) SimulatedChain() bool {
	return c.Chain.RPCURL == ""
}

// GatewaySecrets fills demo gateway credentials outside production so signatures can be
// produced locally.
func (c *Config) GatewaySecrets() GatewayConfig {
	g := c.Gateway
	if c.App.IsProduction() {
		return g
	}
	if g.KeyID == "" {
		g.KeyID = "rzp_test_demo"
	}
	if g.KeySecret == "" {
		g.KeySecret = "demo-key-secret"
	}
	if g.WebhookSecret == "" {
		g.WebhookSecret = "demo-webhook-secret"
	}
	return g
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "funds-service")
	v.SetDefault("kafka.topics.audit", "funds.audit")
	v.SetDefault("kafka.topics.deposits_observed", "deposits.observed")
	v.SetDefault("kafka.topics.dead_letter", "funds.dlq")

	v.SetDefault("funds.fiat_currency", "INR")
	v.SetDefault("funds.credit_currency", "USDT")
	v.SetDefault("funds.limit_currency", "USD")
	v.SetDefault("funds.withdrawal_fee_percent", "0.01")
	v.SetDefault("funds.deposit_fee_percent", "0")
	v.SetDefault("funds.min_fiat_withdrawal", "500")
	v.SetDefault("funds.min_fiat_deposit", "100")
	v.SetDefault("funds.auto_approve_limit", "100")
	v.SetDefault("funds.confirmations", map[string]any{"ethereum": 12})
	v.SetDefault("funds.default_confirmations", 15)

	v.SetDefault("rates.static", map[string]string{
		"USDT/INR":  "83.50",
		"USDT/USD":  "1",
		"ETH/USD":   "3000",
		"BNB/USD":   "600",
		"MATIC/USD": "0.7",
	})
	v.SetDefault("rates.cache_ttl", "60s")

	v.SetDefault("chain.name", "ethereum")
	v.SetDefault("chain.native", "ETH")
	v.SetDefault("chain.deposit_address", "")
	v.SetDefault("chain.chain_id", 11155111)
	v.SetDefault("chain.block_time", "12s")

	v.SetDefault("collaborators.timeout", "10s")
	v.SetDefault("collaborators.attempts", 3)
	v.SetDefault("collaborators.breaker_threshold", 5)
	v.SetDefault("collaborators.breaker_cooldown", "30s")

	v.SetDefault("poller.interval", "15s")
	v.SetDefault("poller.concurrency", 4)
	v.SetDefault("poller.batch_size", 100)
}

// rateTable merges the configured pairs with CEX_RATES, a comma list of PAIR=RATE entries.
func rateTable(override string, configured map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(configured))
	for pair, raw := range configured {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("rate %s: %w", pair, err)
		}
		out[strings.ToUpper(pair)] = rate
	}
	for _, item := range strings.Split(override, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pair, raw, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("CEX_RATES entry %q must be PAIR=RATE", item)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("rate %s: %w", pair, err)
		}
		out[strings.ToUpper(strings.TrimSpace(pair))] = rate
	}
	return out, nil
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

func envDecimal(key, def string) decimal.Decimal {
	raw := def
	if v := os.Getenv(key); v != "" {
		raw = v
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func envCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
