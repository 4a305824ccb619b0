package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// newTestConfig returns the default configuration
func newTestConfig(t *testing.T) Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, validateConfig(&cfg))

	assert.Equal(t, 8090, cfg.API.Port)
	assert.Equal(t, []int{4625, 4728, 4732, 4624}, cfg.Poller.EventIDs)
	assert.Equal(t, 15*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Poller.Lookback)
	assert.Equal(t, 5, cfg.Poller.Threshold)
	assert.Equal(t, 3*time.Second, cfg.Runner.Tick)
	assert.Equal(t, 25*time.Second, cfg.Runner.WaitTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.Runner.WaitPoll)
	assert.Equal(t, 15*time.Second, cfg.Notify.Keepalive)
	assert.Equal(t, []string{"rules/controls.yml", "rules/controls.yaml", "rules/controls.json"}, cfg.Rules.Files)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.API.Port = 0 }, "invalid API port"},
		{"zero threshold", func(c *Config) { c.Poller.Threshold = 0 }, "poller.threshold"},
		{"zero window", func(c *Config) { c.Poller.WindowMinutes = 0 }, "poller.window_minutes"},
		{"bad event id", func(c *Config) { c.Poller.EventIDs = []int{4625, -1} }, "invalid event id"},
		{"bad source", func(c *Config) { c.Poller.Source = "remote" }, "poller.source"},
		{"queue size", func(c *Config) { c.Runner.QueueSize = 0 }, "runner.queue_size"},
		{"negative retention", func(c *Config) { c.Retention.EventDays = -1 }, "retention"},
		{"short keepalive", func(c *Config) { c.Notify.Keepalive = time.Millisecond }, "notify.keepalive"},
		{"redis without addr", func(c *Config) {
			c.Notify.Redis.Enabled = true
			c.Notify.Redis.Addr = ""
		}, "notify.redis.addr"},
		{"nats bad url", func(c *Config) {
			c.Notify.NATS.Enabled = true
			c.Notify.NATS.URL = "http://x"
		}, "notify.nats.url"},
		{"bcrypt cost", func(c *Config) { c.API.BcryptCost = 99 }, "bcrypt_cost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestHashAPIKey(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.API.BcryptCost = bcrypt.MinCost

	require.NoError(t, hashAPIKey(&cfg))
	assert.False(t, cfg.APIKeyRequired())

	cfg.API.APIKey = "short"
	assert.Error(t, hashAPIKey(&cfg))

	cfg.API.APIKey = "a-sufficiently-long-key"
	require.NoError(t, hashAPIKey(&cfg))
	assert.Empty(t, cfg.API.APIKey)
	assert.True(t, cfg.APIKeyRequired())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.API.HashedAPIKey), []byte("a-sufficiently-long-key")))
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
api:
  port: 9100
  bcrypt_cost: 4
poller:
  threshold: 7
  admin_groups: [Administrators]
notify:
  keepalive: 20s
`), 0o600))
	t.Chdir(dir)
	t.Setenv("HOSTAUDIT_DATA_DIR", filepath.Join(dir, "state"))
	t.Setenv("HOSTAUDIT_API_KEY", "env-provided-api-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.API.Port)
	assert.Equal(t, 7, cfg.Poller.Threshold)
	assert.Equal(t, []string{"Administrators"}, cfg.Poller.AdminGroups)
	assert.Equal(t, 20*time.Second, cfg.Notify.Keepalive)
	assert.Equal(t, filepath.Join(dir, "state", "hostaudit.db"), cfg.GetSQLitePath())
	assert.True(t, cfg.APIKeyRequired())
	assert.Empty(t, cfg.API.APIKey)
}

func TestLoadConfig_NoFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "hostaudit.db"), cfg.GetSQLitePath())
	assert.False(t, cfg.APIKeyRequired())
}

func TestPollerHost(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Poller.Host = "  WS09 "
	assert.Equal(t, "WS09", cfg.PollerHost())

	cfg.Poller.Host = ""
	t.Setenv("COMPUTERNAME", "DESKTOP-1")
	assert.Equal(t, "DESKTOP-1", cfg.PollerHost())

	t.Setenv("COMPUTERNAME", "")
	t.Setenv("HOSTNAME", "")
	assert.NotEmpty(t, cfg.PollerHost())
}

type mapSecrets map[string]string

func (m mapSecrets) GetSecret(key string) (string, error) { return m[key], nil }

func TestLoadSecrets(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Notify.Redis.Password = "from-file"

	require.NoError(t, LoadSecrets(&cfg, mapSecrets{"API_KEY": "k", "REDIS_PASSWORD": "from-env"}))
	assert.Equal(t, "k", cfg.API.APIKey)
	assert.Equal(t, "from-file", cfg.Notify.Redis.Password)
}
