package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// DataPaths holds data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (HOSTAUDIT_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the database file (HOSTAUDIT_SQLITE_PATH, default: ${DataDir}/hostaudit.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisRelay configures forwarding of detections to a Redis channel
type RedisRelay struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NATSRelay configures forwarding of detections to a NATS subject
type NATSRelay struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Config holds all configuration for the hostaudit service
type Config struct {
	DataPaths DataPaths `mapstructure:"data_paths"`

	Rules struct {
		Files       []string `mapstructure:"files"`
		SchemaPath  string   `mapstructure:"schema_path"`
		FactsSchema string   `mapstructure:"facts_schema"`
		CacheSize   int      `mapstructure:"cache_size"`
	} `mapstructure:"rules"`

	Collectors struct {
		File        string `mapstructure:"file"`
		PowerShell  string `mapstructure:"powershell"`
		ProjectRoot string `mapstructure:"project_root"`
	} `mapstructure:"collectors"`

	Runner struct {
		Enabled     bool          `mapstructure:"enabled"`
		Tick        time.Duration `mapstructure:"tick"`
		WaitTimeout time.Duration `mapstructure:"wait_timeout"`
		WaitPoll    time.Duration `mapstructure:"wait_poll"`
		QueueSize   int           `mapstructure:"queue_size"`
		MaxJobs     int           `mapstructure:"max_jobs"`
	} `mapstructure:"runner"`

	Poller struct {
		Enabled       bool          `mapstructure:"enabled"`
		EventIDs      []int         `mapstructure:"event_ids"`
		Interval      time.Duration `mapstructure:"interval"`
		Lookback      time.Duration `mapstructure:"lookback"`
		Threshold     int           `mapstructure:"threshold"`
		WindowMinutes int           `mapstructure:"window_minutes"`
		AdminGroups   []string      `mapstructure:"admin_groups"`
		Host          string        `mapstructure:"host"`
		Source        string        `mapstructure:"source"`
		Channel       string        `mapstructure:"channel"`
		Command       []string      `mapstructure:"command"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"poller"`

	Dedup struct {
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"dedup"`

	Retention struct {
		Interval      time.Duration `mapstructure:"interval"`
		EventDays     int           `mapstructure:"event_days"`
		DetectionDays int           `mapstructure:"detection_days"`
		AuditDays     int           `mapstructure:"audit_days"`
	} `mapstructure:"retention"`

	Notify struct {
		Keepalive time.Duration `mapstructure:"keepalive"`
		QueueCap  int           `mapstructure:"queue_cap"`
		Redis     RedisRelay    `mapstructure:"redis"`
		NATS      NATSRelay     `mapstructure:"nats"`
	} `mapstructure:"notify"`

	API struct {
		Host         string        `mapstructure:"host"`
		Port         int           `mapstructure:"port"`
		APIKey       string        `mapstructure:"api_key"`
		HashedAPIKey string        `mapstructure:"-"`
		BcryptCost   int           `mapstructure:"bcrypt_cost"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		RateLimit    struct {
			RescanPerMinute int `mapstructure:"rescan_per_minute"`
			RescanBurst     int `mapstructure:"rescan_burst"`
		} `mapstructure:"rate_limit"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"api"`

	Samples struct {
		Path          string `mapstructure:"path"`
		LoadOnStartup bool   `mapstructure:"load_on_startup"`
	} `mapstructure:"samples"`

	Metrics struct {
		Enabled      bool          `mapstructure:"enabled"`
		PoolInterval time.Duration `mapstructure:"pool_interval"`
	} `mapstructure:"metrics"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	viper.SetDefault("rules.files", []string{"rules/controls.yml", "rules/controls.yaml", "rules/controls.json"})
	viper.SetDefault("rules.schema_path", "")
	viper.SetDefault("rules.facts_schema", "")
	viper.SetDefault("rules.cache_size", 512)

	viper.SetDefault("collectors.file", "collectors.json")
	viper.SetDefault("collectors.powershell", "") // Empty = search PATH
	viper.SetDefault("collectors.project_root", ".")

	viper.SetDefault("runner.enabled", true)
	viper.SetDefault("runner.tick", 3*time.Second)
	viper.SetDefault("runner.wait_timeout", 25*time.Second)
	viper.SetDefault("runner.wait_poll", 300*time.Millisecond)
	viper.SetDefault("runner.queue_size", 64)
	viper.SetDefault("runner.max_jobs", 200)

	viper.SetDefault("poller.enabled", true)
	viper.SetDefault("poller.event_ids", []int{4625, 4728, 4732, 4624})
	viper.SetDefault("poller.interval", 15*time.Second)
	viper.SetDefault("poller.lookback", 5*time.Minute)
	viper.SetDefault("poller.threshold", 5)
	viper.SetDefault("poller.window_minutes", 5)
	viper.SetDefault("poller.admin_groups", []string{"Administrators", "Domain Admins", "Enterprise Admins"})
	viper.SetDefault("poller.host", "") // Empty = COMPUTERNAME / HOSTNAME / os.Hostname
	viper.SetDefault("poller.source", "live")
	viper.SetDefault("poller.channel", "Security")
	viper.SetDefault("poller.command", []string{})
	viper.SetDefault("poller.timeout", 30*time.Second)

	viper.SetDefault("dedup.window", 5*time.Minute)

	viper.SetDefault("retention.interval", time.Hour)
	viper.SetDefault("retention.event_days", 30)
	viper.SetDefault("retention.detection_days", 90)
	viper.SetDefault("retention.audit_days", 0) // 0 = keep outcomes forever

	viper.SetDefault("notify.keepalive", 15*time.Second)
	viper.SetDefault("notify.queue_cap", 256)
	viper.SetDefault("notify.redis.enabled", false)
	viper.SetDefault("notify.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("notify.redis.password", "")
	viper.SetDefault("notify.redis.db", 0)
	viper.SetDefault("notify.redis.channel", "hostaudit:detections")
	viper.SetDefault("notify.redis.pool_size", 4)
	viper.SetDefault("notify.nats.enabled", false)
	viper.SetDefault("notify.nats.url", "nats://127.0.0.1:4222")
	viper.SetDefault("notify.nats.subject", "hostaudit.detections")
	viper.SetDefault("notify.nats.timeout", 2*time.Second)

	viper.SetDefault("api.host", "127.0.0.1")
	viper.SetDefault("api.port", 8090)
	viper.SetDefault("api.api_key", "")
	viper.SetDefault("api.bcrypt_cost", bcrypt.DefaultCost)
	viper.SetDefault("api.read_timeout", 15*time.Second)
	viper.SetDefault("api.rate_limit.rescan_per_minute", 6)
	viper.SetDefault("api.rate_limit.rescan_burst", 2)
	viper.SetDefault("api.allowed_origins", []string{})

	viper.SetDefault("samples.path", "data/sample_audit.json")
	viper.SetDefault("samples.load_on_startup", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.pool_interval", 30*time.Second)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("HOSTAUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Shorter names for the settings most often overridden
	_ = viper.BindEnv("data_paths.data_dir", "HOSTAUDIT_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "HOSTAUDIT_SQLITE_PATH")
	_ = viper.BindEnv("samples.path", "HOSTAUDIT_SAMPLES_PATH")
	_ = viper.BindEnv("collectors.file", "HOSTAUDIT_COLLECTORS_FILE")
	_ = viper.BindEnv("api.port", "HOSTAUDIT_PORT")
}

// hashAPIKey replaces the plaintext API key with its bcrypt hash
func hashAPIKey(config *Config) error {
	if config.API.APIKey == "" {
		return nil
	}
	if len(config.API.APIKey) < 16 {
		return fmt.Errorf("api.api_key must be at least 16 characters")
	}
	cost := config.API.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(config.API.APIKey), cost)
	if err != nil {
		return fmt.Errorf("failed to hash api key: %w", err)
	}
	config.API.HashedAPIKey = string(hashed)
	config.API.APIKey = "" // clear plain key
	return nil
}

// ConfigFile, when set, names the config file explicitly instead of
// searching for config.yaml.
var ConfigFile string

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	if ConfigFile != "" {
		viper.SetConfigFile(ConfigFile)
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults and env vars only
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := LoadSecrets(&config, NewEnvSecretManager()); err != nil {
		return nil, err
	}
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := hashAPIKey(&config); err != nil {
		return nil, err
	}

	config.ResolveDataPaths()
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	c.DataPaths.DataDir = dataDir

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "hostaudit.db")
	} else if c.DataPaths.SQLitePath != ":memory:" && !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.DataPaths.DataDir, "hostaudit.db")
	}
	return c.DataPaths.SQLitePath
}

// PollerHost returns the configured host name, falling back to the
// environment and then the OS host name.
func (c *Config) PollerHost() string {
	if h := strings.TrimSpace(c.Poller.Host); h != "" {
		return h
	}
	for _, env := range []string{"COMPUTERNAME", "HOSTNAME"} {
		if h := strings.TrimSpace(os.Getenv(env)); h != "" {
			return h
		}
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

// APIKeyRequired reports whether mutating endpoints need an X-API-Key header
func (c *Config) APIKeyRequired() bool {
	return c.API.HashedAPIKey != ""
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.BcryptCost != 0 && (config.API.BcryptCost < bcrypt.MinCost || config.API.BcryptCost > bcrypt.MaxCost) {
		return fmt.Errorf("api.bcrypt_cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, config.API.BcryptCost)
	}
	if config.API.RateLimit.RescanPerMinute < 0 || config.API.RateLimit.RescanBurst < 0 {
		return fmt.Errorf("api.rate_limit values cannot be negative")
	}

	if config.Poller.Threshold < 1 {
		return fmt.Errorf("poller.threshold must be at least 1, got %d", config.Poller.Threshold)
	}
	if config.Poller.WindowMinutes < 1 {
		return fmt.Errorf("poller.window_minutes must be at least 1, got %d", config.Poller.WindowMinutes)
	}
	for _, id := range config.Poller.EventIDs {
		if id <= 0 || id > 65535 {
			return fmt.Errorf("poller.event_ids contains invalid event id %d", id)
		}
	}
	if s := config.Poller.Source; s != "" && s != "live" && s != "sample" {
		return fmt.Errorf("poller.source must be live or sample, got %q", s)
	}

	if config.Runner.QueueSize < 1 {
		return fmt.Errorf("runner.queue_size must be positive, got %d", config.Runner.QueueSize)
	}
	if config.Runner.MaxJobs < 1 {
		return fmt.Errorf("runner.max_jobs must be positive, got %d", config.Runner.MaxJobs)
	}
	if config.Runner.WaitPoll <= 0 || config.Runner.WaitTimeout <= 0 {
		return fmt.Errorf("runner.wait_poll and runner.wait_timeout must be positive")
	}

	if config.Retention.EventDays < 0 || config.Retention.DetectionDays < 0 || config.Retention.AuditDays < 0 {
		return fmt.Errorf("retention days cannot be negative")
	}

	if config.Notify.Keepalive < time.Second {
		return fmt.Errorf("notify.keepalive must be at least 1s, got %v", config.Notify.Keepalive)
	}
	if config.Notify.Redis.Enabled && config.Notify.Redis.Addr == "" {
		return fmt.Errorf("notify.redis.addr cannot be empty when the redis relay is enabled")
	}
	if config.Notify.NATS.Enabled {
		if !strings.HasPrefix(config.Notify.NATS.URL, "nats://") && !strings.HasPrefix(config.Notify.NATS.URL, "tls://") {
			return fmt.Errorf("invalid notify.nats.url: must start with nats:// or tls://")
		}
		if config.Notify.NATS.Subject == "" {
			return fmt.Errorf("notify.nats.subject cannot be empty when the nats relay is enabled")
		}
	}

	if config.Rules.CacheSize < 1 {
		return fmt.Errorf("rules.cache_size must be positive, got %d", config.Rules.CacheSize)
	}
	return nil
}
