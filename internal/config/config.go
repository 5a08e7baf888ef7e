package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	ServerPort        string        `mapstructure:"SERVER_PORT"`
	APIURL            string        `mapstructure:"PEERINGDB_API_URL"`
	APIKey            string        `mapstructure:"PEERINGDB_API_KEY"`
	DataDir           string        `mapstructure:"DATA_DIR"`
	MaxCacheAge       time.Duration `mapstructure:"MAX_CACHE_AGE"`
	RefreshInterval   time.Duration `mapstructure:"REFRESH_INTERVAL"`
	FetchTimeout      time.Duration `mapstructure:"FETCH_TIMEOUT"`
	PageSize          int           `mapstructure:"PAGE_SIZE"`
	RequestsPerMinute int           `mapstructure:"REQUESTS_PER_MINUTE"`
	CacheCompression  string        `mapstructure:"CACHE_COMPRESSION"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	LeaseTTL          time.Duration `mapstructure:"REFRESH_LEASE_TTL"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	Retry             BackoffPolicy `mapstructure:",squash"`
}

// BackoffPolicy bounds the retries of a single registry request.
type BackoffPolicy struct {
	MaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	BaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	MaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	Jitter      float64       `mapstructure:"RETRY_JITTER"`
}

// Cache file encodings.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Anonymous and authenticated PeeringDB query limits.
const (
	anonymousRequestsPerMinute     = 20
	authenticatedRequestsPerMinute = 40
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", ":8201")
	v.SetDefault("PEERINGDB_API_URL", "https://www.peeringdb.com/api")
	v.SetDefault("PEERINGDB_API_KEY", "")
	v.SetDefault("DATA_DIR", "data/peeringdb")
	v.SetDefault("MAX_CACHE_AGE", 24*time.Hour)
	v.SetDefault("REFRESH_INTERVAL", 24*time.Hour)
	v.SetDefault("FETCH_TIMEOUT", 30*time.Second)
	v.SetDefault("PAGE_SIZE", 250)
	v.SetDefault("REQUESTS_PER_MINUTE", 0)
	v.SetDefault("CACHE_COMPRESSION", CompressionNone)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REFRESH_LEASE_TTL", 10*time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_BASE_DELAY", time.Second)
	v.SetDefault("RETRY_MAX_DELAY", 30*time.Second)
	v.SetDefault("RETRY_JITTER", 0.5)
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	config.CacheCompression = strings.ToLower(config.CacheCompression)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Load reads defaults, the optional config file and the environment, in
// increasing order of precedence.
func Load(configFile string) (*Config, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func (c *Config) Validate() error {
	switch {
	case c.APIURL == "":
		return fmt.Errorf("PEERINGDB_API_URL is required")
	case c.DataDir == "":
		return fmt.Errorf("DATA_DIR is required")
	case c.PageSize <= 0:
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	case c.RefreshInterval <= 0:
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval)
	case c.MaxCacheAge <= 0:
		return fmt.Errorf("MAX_CACHE_AGE must be positive, got %s", c.MaxCacheAge)
	case c.FetchTimeout <= 0:
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	case c.RequestsPerMinute < 0:
		return fmt.Errorf("REQUESTS_PER_MINUTE must not be negative")
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	case c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay:
		return fmt.Errorf("retry delays must satisfy 0 < RETRY_BASE_DELAY <= RETRY_MAX_DELAY")
	case c.Retry.Jitter < 0 || c.Retry.Jitter > 1:
		return fmt.Errorf("RETRY_JITTER must be within [0,1], got %v", c.Retry.Jitter)
	case c.CacheCompression != CompressionNone && c.CacheCompression != CompressionZstd:
		return fmt.Errorf("CACHE_COMPRESSION must be none or zstd, got %q", c.CacheCompression)
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// EffectiveRequestsPerMinute falls back to the PeeringDB limit that applies
// to the configured credentials.
func (c *Config) EffectiveRequestsPerMinute() int {
	if c.RequestsPerMinute > 0 {
		return c.RequestsPerMinute
	}
	if c.APIKey != "" {
		return authenticatedRequestsPerMinute
	}
	return anonymousRequestsPerMinute
}

// Watch re-reads configFile whenever it changes and hands the new, valid
// configuration to onChange. Invalid edits are logged and ignored.
func Watch(configFile string, logger *zap.Logger, onChange func(*Config)) error {
	if configFile == "" {
		return nil
	}
	v, err := newViper(configFile)
	if err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("configuration reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
