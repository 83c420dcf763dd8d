// Package config handles configuration loading and validation for the settlement engine.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the settlement engine
type Config struct {
	Pools      []PoolAccountConfig `mapstructure:"pools"`
	Settlement SettlementConfig    `mapstructure:"settlement"`
	Valuation  ValuationConfig     `mapstructure:"valuation"`
	Reconcile  ReconcileConfig     `mapstructure:"reconcile"`
	Fetch      FetchConfig         `mapstructure:"fetch"`
	Redis      RedisConfig         `mapstructure:"redis"`
	API        APIConfig           `mapstructure:"api"`
	Notify     NotifyConfig        `mapstructure:"notify"`
	NewRelic   NewRelicConfig      `mapstructure:"newrelic"`
	Profiling  ProfilingConfig     `mapstructure:"profiling"`
	Log        LogConfig           `mapstructure:"log"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// PoolAccountConfig defines one external pool account to settle
type PoolAccountConfig struct {
	Source       string            `mapstructure:"source"` // f2pool, antpool, c3pool
	Account      string            `mapstructure:"account"`
	Coin         string            `mapstructure:"coin"`
	BaseURL      string            `mapstructure:"base_url"`
	APIKey       string            `mapstructure:"api_key"`
	APISecret    string            `mapstructure:"api_secret"`
	WorkerPrefix string            `mapstructure:"worker_prefix"`
	FieldKeys    map[string]string `mapstructure:"field_keys"` // dot-path keys into pool responses
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Schedule     string            `mapstructure:"schedule"` // cron spec for settlement runs
}

// SettlementConfig defines allocation behaviour
type SettlementConfig struct {
	Window             time.Duration          `mapstructure:"window"`
	CommissionRate     string                 `mapstructure:"commission_rate"` // decimal in [0,1]
	Scale              int32                  `mapstructure:"scale"`           // decimal places of the ledger minimal unit
	UnclaimedAccount   string                 `mapstructure:"unclaimed_account"`
	SyntheticIDEnabled bool                   `mapstructure:"synthetic_id_enabled"`
	SyntheticIDPrefix  string                 `mapstructure:"synthetic_id_prefix"`
	CommissionTiers    []CommissionTierConfig `mapstructure:"commission_tiers"`
}

// CommissionTierConfig maps an invitee count floor onto the inviter's
// share of the commission collected from each invitee
type CommissionTierConfig struct {
	MinInvitees int64  `mapstructure:"min_invitees"`
	Rate        string `mapstructure:"rate"` // decimal in [0,1]
}

// ValuationConfig defines rate snapshot sources
type ValuationConfig struct {
	RateURL         string            `mapstructure:"rate_url"`
	RatePath        string            `mapstructure:"rate_path"` // dot-path to the rate in the response
	DisplayCurrency string            `mapstructure:"display_currency"`
	AccountingRatio map[string]string `mapstructure:"accounting_ratio"` // coin -> accounting units per coin
	Timeout         time.Duration     `mapstructure:"timeout"`
}

// ReconcileConfig defines drift detection thresholds
type ReconcileConfig struct {
	HashrateThreshold float64 `mapstructure:"hashrate_threshold"`
	RevenueThreshold  float64 `mapstructure:"revenue_threshold"`
}

// FetchConfig defines pool API client limits
type FetchConfig struct {
	QPS        float64       `mapstructure:"qps"` // per-host request budget
	Burst      int           `mapstructure:"burst"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Bind          string   `mapstructure:"bind"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	AdminEnabled  bool     `mapstructure:"admin_enabled"`
	AdminPassword string   `mapstructure:"admin_password"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	EngineName   string `mapstructure:"engine_name"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/settler")
	}

	v.SetEnvPrefix("SETTLER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Settlement defaults
	v.SetDefault("settlement.window", "1h")
	v.SetDefault("settlement.commission_rate", "0.10")
	v.SetDefault("settlement.scale", 8)
	v.SetDefault("settlement.unclaimed_account", "unclaimed")
	v.SetDefault("settlement.synthetic_id_enabled", false)
	v.SetDefault("settlement.synthetic_id_prefix", "USR-")

	// Valuation defaults
	v.SetDefault("valuation.display_currency", "USD")
	v.SetDefault("valuation.timeout", "10s")

	// Reconcile defaults
	v.SetDefault("reconcile.hashrate_threshold", 0.05)
	v.SetDefault("reconcile.revenue_threshold", 0.02)

	// Fetch defaults
	v.SetDefault("fetch.qps", 2.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_delay", "2s")

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.cors_origins", []string{"*"})

	// Notify defaults
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.engine_name", "Pool Settler")

	// NewRelic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "pool-settler")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool account is required")
	}

	for i, p := range c.Pools {
		switch p.Source {
		case "f2pool", "antpool", "c3pool":
		default:
			return fmt.Errorf("pools[%d].source must be one of f2pool, antpool, c3pool", i)
		}
		if p.Account == "" {
			return fmt.Errorf("pools[%d].account is required", i)
		}
		if p.Coin == "" {
			return fmt.Errorf("pools[%d].coin is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("pools[%d].base_url is required", i)
		}
		if p.Source == "antpool" && (p.APIKey == "" || p.APISecret == "") {
			return fmt.Errorf("pools[%d]: antpool requires api_key and api_secret", i)
		}
	}

	if c.Settlement.Window <= 0 {
		return fmt.Errorf("settlement.window must be positive")
	}

	if c.Settlement.Scale < 0 || c.Settlement.Scale > 18 {
		return fmt.Errorf("settlement.scale must be between 0 and 18")
	}

	if c.Reconcile.HashrateThreshold <= 0 || c.Reconcile.RevenueThreshold <= 0 {
		return fmt.Errorf("reconcile thresholds must be positive")
	}

	if c.Fetch.QPS <= 0 {
		return fmt.Errorf("fetch.qps must be positive")
	}

	if c.API.AdminEnabled && c.API.AdminPassword == "" {
		return fmt.Errorf("api.admin_password is required when admin API is enabled")
	}

	return nil
}

// PoolByAccount returns the pool config for a (source, account, coin) scope
func (c *Config) PoolByAccount(source, account, coin string) *PoolAccountConfig {
	for i := range c.Pools {
		p := &c.Pools[i]
		if p.Source == source && p.Account == account && p.Coin == coin {
			return p
		}
	}
	return nil
}
