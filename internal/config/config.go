// Package config loads the wallet-engine configuration from a YAML file
// with environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the wallet engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Chain   ChainConfig   `yaml:"chain"`
	Worker  WorkerConfig  `yaml:"worker"`
	Storage StorageConfig `yaml:"storage"`
	Risk    RiskConfig    `yaml:"risk"`
	Savings SavingsConfig `yaml:"savings"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// APIKey authenticates scheduler webhook callbacks (X-Api-Key header).
	APIKey string `yaml:"api_key"`
	// PublicURL is the externally reachable base URL registered with the
	// scheduler for trigger callbacks.
	PublicURL string `yaml:"public_url"`
}

// ChainConfig holds node, bundler and paymaster endpoints plus contract
// addresses used by the sponsored execution path.
type ChainConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	BundlerURL   string `yaml:"bundler_url"`
	PaymasterURL string `yaml:"paymaster_url"`

	EntryPoint        string `yaml:"entry_point"`
	AccountFactory    string `yaml:"account_factory"`
	SavingsVault      string `yaml:"savings_vault"`
	DelegationManager string `yaml:"delegation_manager"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	GasFeeTimeout  time.Duration `yaml:"gas_fee_timeout"`

	ReceiptPollAttempts int           `yaml:"receipt_poll_attempts"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`

	// SubmitRatePerSec caps bundler submissions across the process.
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
}

// WorkerConfig holds the external scheduler endpoint used to register and
// deregister recurring webhook rules.
type WorkerConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timezone       string        `yaml:"timezone"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RiskConfig makes the fail-open/fail-closed policy for the external risk
// checker an explicit choice instead of a hardcoded fallback score.
type RiskConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	FailOpen bool   `yaml:"fail_open"`
}

// SavingsConfig tunes the recurring savings engine.
type SavingsConfig struct {
	// TriggerHour/TriggerMinute fix the time-of-day used in generated cron
	// expressions for monthly plans (UTC).
	TriggerHour   int `yaml:"trigger_hour"`
	TriggerMinute int `yaml:"trigger_minute"`

	MaxActivePlans int `yaml:"max_active_plans"`
	MaxRetries     int `yaml:"max_retries"`

	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration used when a field is absent
// from the config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Chain: ChainConfig{
			RequestTimeout:      30 * time.Second,
			GasFeeTimeout:       2 * time.Second,
			ReceiptPollAttempts: 30,
			ReceiptPollInterval: 3 * time.Second,
			SubmitRatePerSec:    5,
		},
		Worker: WorkerConfig{
			Timezone:       "UTC",
			WebhookTimeout: 120 * time.Second,
		},
		Storage: StorageConfig{Driver: "memory"},
		Risk:    RiskConfig{FailOpen: false},
		Savings: SavingsConfig{
			TriggerHour:      12,
			TriggerMinute:    0,
			MaxActivePlans:   10,
			MaxRetries:       3,
			RetryBackoffBase: 10 * time.Minute,
			SweepInterval:    time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func (c *Config) applyEnv() {
	overrideString(&c.Server.ListenAddr, "WALLET_LISTEN_ADDR")
	overrideString(&c.Server.APIKey, "WALLET_WEBHOOK_API_KEY")
	overrideString(&c.Server.PublicURL, "WALLET_PUBLIC_URL")
	overrideString(&c.Chain.RPCURL, "WALLET_RPC_URL")
	overrideString(&c.Chain.BundlerURL, "WALLET_BUNDLER_URL")
	overrideString(&c.Chain.PaymasterURL, "WALLET_PAYMASTER_URL")
	overrideString(&c.Storage.PostgresDSN, "WALLET_POSTGRES_DSN")
	overrideString(&c.Storage.Driver, "WALLET_STORAGE_DRIVER")
	overrideString(&c.Worker.BaseURL, "WALLET_WORKER_URL")
	overrideString(&c.Worker.APIKey, "WALLET_WORKER_API_KEY")
	overrideString(&c.Logging.Level, "WALLET_LOG_LEVEL")
}

func overrideString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.BundlerURL == "" {
		c.Chain.BundlerURL = c.Chain.RPCURL
	}
	if c.Storage.Driver != "memory" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
	}
	if c.Savings.TriggerHour < 0 || c.Savings.TriggerHour > 23 {
		return fmt.Errorf("savings.trigger_hour out of range: %d", c.Savings.TriggerHour)
	}
	if c.Savings.TriggerMinute < 0 || c.Savings.TriggerMinute > 59 {
		return fmt.Errorf("savings.trigger_minute out of range: %d", c.Savings.TriggerMinute)
	}
	if c.Savings.MaxActivePlans <= 0 {
		return fmt.Errorf("savings.max_active_plans must be positive")
	}
	if c.Savings.MaxRetries < 0 {
		return fmt.Errorf("savings.max_retries cannot be negative")
	}
	if c.Chain.ReceiptPollAttempts <= 0 {
		return fmt.Errorf("chain.receipt_poll_attempts must be positive")
	}
	return nil
}
