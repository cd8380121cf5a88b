package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// Features are passed explicitly into the workflows that honour them.
type Features struct {
	DemoMode           bool `mapstructure:"demo_mode"`
	WithdrawalsEnabled bool `mapstructure:"withdrawals_enabled"`
	DepositsEnabled    bool `mapstructure:"deposits_enabled"`
	WalletAuthEnabled  bool `mapstructure:"wallet_auth_enabled"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
	Features    Features   `mapstructure:"features"`
}

func (c AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production")
}

// Load reads the optional YAML file at path (config.yaml by default) and CEX_* env overrides.
// Outside production a .env file in the working directory is loaded first.
func Load(path string) (*AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.IsProduction() && cfg.Features.DemoMode {
		return nil, fmt.Errorf("demo mode cannot be enabled in production")
	}

	return &cfg, nil
}

func loadDotEnv() error {
	env := strings.ToLower(os.Getenv("CEX_ENV"))
	if env == "prod" || env == "production" {
		return nil
	}
	file := os.Getenv("CEX_DOTENV")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "cex-service")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("features.demo_mode", false)
	v.SetDefault("features.withdrawals_enabled", true)
	v.SetDefault("features.deposits_enabled", true)
	v.SetDefault("features.wallet_auth_enabled", true)
}
