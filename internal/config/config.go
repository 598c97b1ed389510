package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/resource-discovery/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP trigger.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// APIToken, when set, is required to force a scan over HTTP.
	APIToken    string   `yaml:"api_token" mapstructure:"api_token"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// DiscoveryConfig configures scan eligibility and the run budget.
type DiscoveryConfig struct {
	CooldownHours       int    `yaml:"cooldown_hours" mapstructure:"cooldown_hours"`
	ScanTimeoutSecs     int    `yaml:"scan_timeout_secs" mapstructure:"scan_timeout_secs"`
	MaxSamples          int    `yaml:"max_samples" mapstructure:"max_samples"`
	AbortOnPersistError bool   `yaml:"abort_on_persist_error" mapstructure:"abort_on_persist_error"`
	PolicyFile          string `yaml:"policy_file" mapstructure:"policy_file"`
	BatchConcurrency    int    `yaml:"batch_concurrency" mapstructure:"batch_concurrency"`
}

// Cooldown returns the eligibility window.
func (d DiscoveryConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownHours) * time.Hour
}

// ScanTimeout returns the per-scan wall-clock budget.
func (d DiscoveryConfig) ScanTimeout() time.Duration {
	return time.Duration(d.ScanTimeoutSecs) * time.Second
}

// SearchConfig selects and tunes the search provider.
type SearchConfig struct {
	Provider   string   `yaml:"provider" mapstructure:"provider"`
	Categories []string `yaml:"categories" mapstructure:"categories"`
	MaxResults int      `yaml:"max_results" mapstructure:"max_results"`
	RateLimit  float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// GoogleConfig holds the Places API key.
type GoogleConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// AnthropicConfig holds Claude credentials.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// GeocodeConfig configures the geocoder fallback.
type GeocodeConfig struct {
	GoogleKey string  `yaml:"google_key" mapstructure:"google_key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Retries   int     `yaml:"retries" mapstructure:"retries"`
	Disabled  bool    `yaml:"disabled" mapstructure:"disabled"`
	// BreakerThreshold is how many failed lookups in a row stop calls to a
	// provider for BreakerOpenSecs.
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerOpenSecs  int `yaml:"breaker_open_secs" mapstructure:"breaker_open_secs"`
}

// BreakerOpen returns how long a tripped provider is skipped.
func (g GeocodeConfig) BreakerOpen() time.Duration {
	return time.Duration(g.BreakerOpenSecs) * time.Second
}

// ScoringConfig configures auto-approval.
type ScoringConfig struct {
	AutoApproveThreshold int  `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
	RequireTrustedSource bool `yaml:"require_trusted_source" mapstructure:"require_trusted_source"`
}

// RedisConfig configures the per-area scan lock. An empty Addr disables it.
type RedisConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// MonitoringConfig configures scan health alerts. An empty WebhookURL
// disables the checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinFinished          int     `yaml:"min_finished" mapstructure:"min_finished"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// CheckInterval returns the time between alert checks.
func (m MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSecs) * time.Second
}

// LockTTL returns how long an area lock may be held.
func (r RedisConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("discovery.cooldown_hours", 24)
	v.SetDefault("discovery.scan_timeout_secs", 600)
	v.SetDefault("discovery.max_samples", 5)
	v.SetDefault("discovery.abort_on_persist_error", false)
	v.SetDefault("discovery.policy_file", "")
	v.SetDefault("discovery.batch_concurrency", 3)
	v.SetDefault("search.provider", "places")
	v.SetDefault("search.max_results", 20)
	v.SetDefault("search.rate_limit", 5)
	v.SetDefault("google.key", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("geocode.google_key", "")
	v.SetDefault("geocode.rate_limit", 10)
	v.SetDefault("geocode.retries", 2)
	v.SetDefault("geocode.disabled", false)
	v.SetDefault("geocode.breaker_threshold", 3)
	v.SetDefault("geocode.breaker_open_secs", 60)
	v.SetDefault("scoring.auto_approve_threshold", 80)
	v.SetDefault("scoring.require_trusted_source", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_secs", 900)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_finished", 5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the keys a command needs are present. The mode names
// the command: "discovery", "serve" or "migrate".
func (c *Config) Validate(mode string) error {
	var missing []string

	needStore := func() {
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			missing = append(missing, `store.driver must be "postgres" or "sqlite"`)
		}
	}

	switch mode {
	case "migrate":
		needStore()
	case "discovery", "serve":
		needStore()
		switch c.Search.Provider {
		case "places":
			if c.Google.Key == "" {
				missing = append(missing, "google.key is required for the places search provider")
			}
		case "claude":
			if c.Anthropic.Key == "" {
				missing = append(missing, "anthropic.key is required for the claude search provider")
			}
		default:
			missing = append(missing, `search.provider must be "places" or "claude"`)
		}
		if c.Discovery.ScanTimeoutSecs <= 0 {
			missing = append(missing, "discovery.scan_timeout_secs must be positive")
		}
		if c.Discovery.CooldownHours < 0 {
			missing = append(missing, "discovery.cooldown_hours must not be negative")
		}
		if c.Scoring.AutoApproveThreshold < 0 || c.Scoring.AutoApproveThreshold > 100 {
			missing = append(missing, "scoring.auto_approve_threshold must be between 0 and 100")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			missing = append(missing, "server.port must be between 1 and 65535")
		}
		if mode == "serve" && c.Monitoring.WebhookURL != "" && c.Monitoring.LookbackHours <= 0 {
			missing = append(missing, "monitoring.lookback_hours must be positive")
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(missing) > 0 {
		return resilience.NewConfigurationError("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
