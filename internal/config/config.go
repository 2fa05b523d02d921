package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SeedConfig models seed.json: chains, tokens, countries and provider routing.
type SeedConfig struct {
	Chains    []ChainConfig    `mapstructure:"chains"`
	Tokens    []TokenConfig    `mapstructure:"tokens"`
	Countries []CountryConfig  `mapstructure:"countries"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Secrets   struct {
		HMACSalt string `mapstructure:"hmacSalt"`
	} `mapstructure:"secrets"`
	Retry struct {
		MaxAttempts       int `mapstructure:"maxAttempts"`
		InitialBackoffMs  int `mapstructure:"initialBackoffMs"`
		MaxBackoffMs      int `mapstructure:"maxBackoffMs"`
		BackoffMultiplier int `mapstructure:"backoffMultiplier"`
	} `mapstructure:"retry"`
	Timeouts struct {
		RPCTimeoutMs          int `mapstructure:"rpcTimeoutMs"`
		ProviderTimeoutMs     int `mapstructure:"providerTimeoutMs"`
		QuoteTTLSeconds       int `mapstructure:"quoteTtlSeconds"`
		ChainSwitchIntervalMs int `mapstructure:"chainSwitchIntervalMs"`
		ChainSwitchRetries    int `mapstructure:"chainSwitchRetries"`
		PollIntervalMs        int `mapstructure:"pollIntervalMs"`
		PollCeilingSeconds    int `mapstructure:"pollCeilingSeconds"`
		IdempotencyWindowSecs int `mapstructure:"idempotencyWindowSeconds"`
	} `mapstructure:"timeouts"`
}

type ChainConfig struct {
	ChainID uint64 `mapstructure:"chainId"`
	Name    string `mapstructure:"name"`
	RPCURL  string `mapstructure:"rpcUrl"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Contract string `mapstructure:"contract"`
	ChainID  uint64 `mapstructure:"chainId"`
	Decimals int32  `mapstructure:"decimals"`
}

// CountryConfig carries the route table: which providers serve a country.
type CountryConfig struct {
	Code        string   `mapstructure:"code"`
	Currency    string   `mapstructure:"currency"`
	CallingCode string   `mapstructure:"callingCode"`
	Providers   []string `mapstructure:"providers"`
}

type ProviderConfig struct {
	Name              string `mapstructure:"name"`
	Kind              string `mapstructure:"kind"`
	BaseURL           string `mapstructure:"baseUrl"`
	SettlementAddress string `mapstructure:"settlementAddress"`
	APIKey            string `mapstructure:"apiKey"`
	Secret            string `mapstructure:"secret"`
}

// AppConfig ties together seed info and derived values.
type AppConfig struct {
	Seed     SeedConfig
	Service  ServiceConfig
	Wallet   WalletConfig
	Retry    RetryConfig
	Timeouts TimeoutConfig
	Storage  StorageConfig
	Events   EventsConfig
	Logging  LoggingConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	ResumeQueuePath   string
	ResumeSchedule    string
	// FlowIdleTTL releases flows nobody has touched for this long.
	FlowIdleTTL       time.Duration
	SweepInterval     time.Duration
}

type WalletConfig struct {
	PrivateKey string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type TimeoutConfig struct {
	RPC                 time.Duration
	Provider            time.Duration
	QuoteTTL            time.Duration
	ChainSwitchInterval time.Duration
	ChainSwitchRetries  int
	PollInterval        time.Duration
	PollCeiling         time.Duration
}

type StorageConfig struct {
	Backend     string // memory | file | postgres | redis
	FilePath    string
	PostgresDSN string
	RedisURL    string
}

type EventsConfig struct {
	RabbitMQURL string
	Exchange    string
}

type LoggingConfig struct {
	Level       string
	Development bool
}

const defaultSeedPath = "seed.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	return LoadFrom(envOr("SEED_PATH", defaultSeedPath))
}

// LoadFrom reads the seed file at path and applies environment overrides.
func LoadFrom(seedPath string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(seedPath)
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setSeedDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	var seed SeedConfig
	if err := v.Unmarshal(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	for i := range seed.Providers {
		p := &seed.Providers[i]
		prefix := "PROVIDER_" + strings.ToUpper(p.Name)
		p.APIKey = envOr(prefix+"_API_KEY", p.APIKey)
		p.Secret = envOr(prefix+"_SECRET", p.Secret)
		p.BaseURL = envOr(prefix+"_BASE_URL", p.BaseURL)
	}
	seed.Secrets.HMACSalt = envOr("API_HMAC_SALT", seed.Secrets.HMACSalt)

	cfg := &AppConfig{
		Seed: seed,
		Service: ServiceConfig{
			HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
			HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow: time.Duration(seed.Timeouts.IdempotencyWindowSecs) * time.Second,
			ResumeQueuePath:   envOr("RESUME_QUEUE_PATH", filepath.Join(os.TempDir(), "rampflow-resume")),
			ResumeSchedule:    envOr("RESUME_SCHEDULE", "@every 1m"),
			FlowIdleTTL:       time.Duration(envOrInt("FLOW_IDLE_TTL_SECONDS", 1800)) * time.Second,
			SweepInterval:     time.Duration(envOrInt("FLOW_SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		},
		Wallet: WalletConfig{
			PrivateKey: envOr("WALLET_PRIVATE_KEY", ""),
		},
		Retry: RetryConfig{
			MaxAttempts:       seed.Retry.MaxAttempts,
			InitialBackoff:    time.Duration(seed.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:        time.Duration(seed.Retry.MaxBackoffMs) * time.Millisecond,
			BackoffMultiplier: seed.Retry.BackoffMultiplier,
		},
		Timeouts: TimeoutConfig{
			RPC:                 time.Duration(seed.Timeouts.RPCTimeoutMs) * time.Millisecond,
			Provider:            time.Duration(seed.Timeouts.ProviderTimeoutMs) * time.Millisecond,
			QuoteTTL:            time.Duration(seed.Timeouts.QuoteTTLSeconds) * time.Second,
			ChainSwitchInterval: time.Duration(seed.Timeouts.ChainSwitchIntervalMs) * time.Millisecond,
			ChainSwitchRetries:  seed.Timeouts.ChainSwitchRetries,
			PollInterval:        time.Duration(seed.Timeouts.PollIntervalMs) * time.Millisecond,
			PollCeiling:         time.Duration(seed.Timeouts.PollCeilingSeconds) * time.Second,
		},
		Storage: StorageConfig{
			Backend:     envOr("IDEMPOTENCY_BACKEND", "file"),
			FilePath:    envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "rampflow-idem.json")),
			PostgresDSN: envOr("POSTGRES_DSN", ""),
			RedisURL:    envOr("REDIS_URL", ""),
		},
		Events: EventsConfig{
			RabbitMQURL: envOr("RABBITMQ_URL", ""),
			Exchange:    envOr("EVENTS_EXCHANGE", "rampflow_events"),
		},
		Logging: LoggingConfig{
			Level:       envOr("LOG_LEVEL", "info"),
			Development: envOr("LOG_DEVELOPMENT", "") == "true",
		},
	}
	return cfg, cfg.validate()
}

func setSeedDefaults(v *viper.Viper) {
	v.SetDefault("retry.maxAttempts", 3)
	v.SetDefault("retry.initialBackoffMs", 500)
	v.SetDefault("retry.maxBackoffMs", 5000)
	v.SetDefault("retry.backoffMultiplier", 2)
	v.SetDefault("timeouts.rpcTimeoutMs", 10000)
	v.SetDefault("timeouts.providerTimeoutMs", 30000)
	v.SetDefault("timeouts.quoteTtlSeconds", 60)
	v.SetDefault("timeouts.chainSwitchIntervalMs", 750)
	v.SetDefault("timeouts.chainSwitchRetries", 3)
	v.SetDefault("timeouts.pollIntervalMs", 5000)
	v.SetDefault("timeouts.pollCeilingSeconds", 600)
	v.SetDefault("timeouts.idempotencyWindowSeconds", 86400)
}

func (c *AppConfig) validate() error {
	if len(c.Seed.Tokens) == 0 {
		return fmt.Errorf("seed: at least one token is required")
	}
	chains := make(map[uint64]bool, len(c.Seed.Chains))
	for _, ch := range c.Seed.Chains {
		chains[ch.ChainID] = true
	}
	for _, tok := range c.Seed.Tokens {
		if !chains[tok.ChainID] {
			return fmt.Errorf("seed: token %s references unknown chain %d", tok.Symbol, tok.ChainID)
		}
	}
	providers := make(map[string]bool, len(c.Seed.Providers))
	for _, p := range c.Seed.Providers {
		providers[p.Name] = true
	}
	for _, country := range c.Seed.Countries {
		for _, name := range country.Providers {
			if !providers[name] {
				return fmt.Errorf("seed: country %s routes to unknown provider %q", country.Code, name)
			}
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
