package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/resilience"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 24*time.Hour, cfg.Discovery.Cooldown())
	assert.Equal(t, 10*time.Minute, cfg.Discovery.ScanTimeout())
	assert.Equal(t, 5, cfg.Discovery.MaxSamples)
	assert.False(t, cfg.Discovery.AbortOnPersistError)
	assert.Equal(t, 3, cfg.Discovery.BatchConcurrency)
	assert.Equal(t, "places", cfg.Search.Provider)
	assert.Equal(t, 20, cfg.Search.MaxResults)
	assert.InDelta(t, 5, cfg.Search.RateLimit, 0.001)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.InDelta(t, 10, cfg.Geocode.RateLimit, 0.001)
	assert.Equal(t, 2, cfg.Geocode.Retries)
	assert.Equal(t, 80, cfg.Scoring.AutoApproveThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Redis.LockTTL())
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Geocode.BreakerThreshold)
	assert.Equal(t, time.Minute, cfg.Geocode.BreakerOpen())
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 0.5, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 5, cfg.Monitoring.MinFinished)
	assert.Equal(t, 5*time.Minute, cfg.Monitoring.CheckInterval())
	assert.Equal(t, 24, cfg.Monitoring.LookbackHours)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: /tmp/discovery.db
log:
  level: debug
  format: console
discovery:
  cooldown_hours: 12
  abort_on_persist_error: true
search:
  provider: claude
  categories: [food bank, shelter]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/discovery.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 12*time.Hour, cfg.Discovery.Cooldown())
	assert.True(t, cfg.Discovery.AbortOnPersistError)
	assert.Equal(t, "claude", cfg.Search.Provider)
	assert.Equal(t, []string{"food bank", "shelter"}, cfg.Search.Categories)
	// Defaults still apply for unset values
	assert.Equal(t, 600, cfg.Discovery.ScanTimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("DISCOVERY_STORE_DRIVER", "postgres")
	t.Setenv("DISCOVERY_LOG_LEVEL", "warn")
	t.Setenv("DISCOVERY_GOOGLE_KEY", "places-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "places-key", cfg.Google.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config with the defaults Load would set.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/discovery"
	cfg.Server.Port = 8080
	cfg.Discovery.CooldownHours = 24
	cfg.Discovery.ScanTimeoutSecs = 600
	cfg.Search.Provider = "places"
	cfg.Google.Key = "places-key"
	cfg.Scoring.AutoApproveThreshold = 80
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr []string
	}{
		{name: "discovery ok", mode: "discovery"},
		{name: "serve ok", mode: "serve"},
		{name: "migrate needs only the store", mode: "migrate", mutate: func(c *Config) { c.Google.Key = "" }},
		{
			name:    "missing database url",
			mode:    "discovery",
			mutate:  func(c *Config) { c.Store.DatabaseURL = "" },
			wantErr: []string{"store.database_url is required"},
		},
		{
			name:    "bad driver",
			mode:    "migrate",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: []string{"store.driver"},
		},
		{
			name:    "places without key",
			mode:    "discovery",
			mutate:  func(c *Config) { c.Google.Key = "" },
			wantErr: []string{"google.key is required"},
		},
		{
			name:    "claude without key",
			mode:    "discovery",
			mutate:  func(c *Config) { c.Search.Provider = "claude" },
			wantErr: []string{"anthropic.key is required"},
		},
		{
			name:    "unknown provider",
			mode:    "discovery",
			mutate:  func(c *Config) { c.Search.Provider = "bing" },
			wantErr: []string{"search.provider"},
		},
		{
			name: "several problems reported together",
			mode: "serve",
			mutate: func(c *Config) {
				c.Server.Port = 0
				c.Discovery.ScanTimeoutSecs = 0
				c.Scoring.AutoApproveThreshold = 101
			},
			wantErr: []string{"server.port", "scan_timeout_secs", "auto_approve_threshold"},
		},
		{
			name: "webhook without lookback",
			mode: "serve",
			mutate: func(c *Config) {
				c.Monitoring.WebhookURL = "https://hooks.example/discovery"
				c.Monitoring.LookbackHours = 0
			},
			wantErr: []string{"monitoring.lookback_hours"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.mode)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, resilience.IsConfiguration(err))
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("enrichment")
	require.Error(t, err)
	assert.False(t, resilience.IsConfiguration(err))
}
