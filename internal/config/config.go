package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Rates    RatesConfig    `mapstructure:"rates"`
	Job      JobConfig      `mapstructure:"job"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RatesConfig holds exchange-rate API configuration
type RatesConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	BaseCurrency        string        `mapstructure:"base_currency"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// JobConfig holds alert evaluation job configuration
type JobConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Concurrency      int           `mapstructure:"concurrency"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	DeletePolicy     string        `mapstructure:"delete_policy"` // always | on_delivery
	LeaseKey         string        `mapstructure:"lease_key"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
}

// StoreConfig selects the SQL backend holding alerts and contacts
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig is shared by the Redis lease and the notification rate limiter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LeaseConfig selects the overlap-protection backend
type LeaseConfig struct {
	Backend string `mapstructure:"backend"` // local | redis
}

// NotifyConfig selects the delivery channel
type NotifyConfig struct {
	Channel            string `mapstructure:"channel"` // telegram | log
	Title              string `mapstructure:"title"`
	RateLimitPerSecond int    `mapstructure:"rate_limit_per_second"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	OperatorChatID string        `mapstructure:"operator_chat_id"`
	APIEndpoint    string        `mapstructure:"api_endpoint"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// RATEALERT_TELEGRAM_BOT_TOKEN overrides telegram.bot_token, etc.
	v.SetEnvPrefix("RATEALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("rates.base_url", "https://api.frankfurter.app")
	v.SetDefault("rates.base_currency", "USD")
	v.SetDefault("rates.timeout", "15s")
	v.SetDefault("rates.max_attempts", 1) // one attempt; the next run is the retry
	v.SetDefault("rates.retry_delay_base", "1s")
	v.SetDefault("rates.max_idle_conns", 10)
	v.SetDefault("rates.max_idle_conns_per_host", 2)
	v.SetDefault("rates.idle_conn_timeout", "90s")

	v.SetDefault("job.interval", "1h")
	v.SetDefault("job.concurrency", 8)
	v.SetDefault("job.operation_timeout", "10s")
	v.SetDefault("job.delete_policy", "always")
	v.SetDefault("job.lease_key", "ratealert:evaluate")
	v.SetDefault("job.lease_ttl", "10m")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./data/ratealert.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lease.backend", "local")

	v.SetDefault("notify.channel", "telegram")
	v.SetDefault("notify.title", "Price Alert!")
	v.SetDefault("notify.rate_limit_per_second", 0) // 0 = unthrottled

	v.SetDefault("telegram.timeout", "10s")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "ratealert")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Rates.BaseURL == "" {
		return fmt.Errorf("rates.base_url is required")
	}
	if !isCurrencyCode(c.Rates.BaseCurrency) {
		return fmt.Errorf("rates.base_currency must be a three-letter currency code")
	}
	if c.Rates.Timeout <= 0 {
		return fmt.Errorf("rates.timeout must be positive")
	}
	if c.Rates.MaxAttempts < 1 {
		return fmt.Errorf("rates.max_attempts must be at least 1")
	}

	if c.Job.Interval < 1*time.Minute {
		return fmt.Errorf("job.interval must be at least 1 minute")
	}
	if c.Job.Concurrency < 1 {
		return fmt.Errorf("job.concurrency must be at least 1")
	}
	if c.Job.OperationTimeout <= 0 {
		return fmt.Errorf("job.operation_timeout must be positive")
	}
	validPolicies := map[string]bool{"always": true, "on_delivery": true}
	if !validPolicies[c.Job.DeletePolicy] {
		return fmt.Errorf("job.delete_policy must be one of: always, on_delivery")
	}
	if c.Job.LeaseKey == "" {
		return fmt.Errorf("job.lease_key is required")
	}
	if c.Job.LeaseTTL < c.Job.OperationTimeout {
		return fmt.Errorf("job.lease_ttl must be at least job.operation_timeout")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true}
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("store.driver must be one of: sqlite, postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}

	validBackends := map[string]bool{"local": true, "redis": true}
	if !validBackends[c.Lease.Backend] {
		return fmt.Errorf("lease.backend must be one of: local, redis")
	}
	if (c.Lease.Backend == "redis" || c.Notify.RateLimitPerSecond > 0) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when lease.backend is redis or rate limiting is enabled")
	}

	validChannels := map[string]bool{"telegram": true, "log": true}
	if !validChannels[c.Notify.Channel] {
		return fmt.Errorf("notify.channel must be one of: telegram, log")
	}
	if strings.TrimSpace(c.Notify.Title) == "" {
		return fmt.Errorf("notify.title must not be empty")
	}
	if c.Notify.RateLimitPerSecond < 0 {
		return fmt.Errorf("notify.rate_limit_per_second must not be negative")
	}
	if c.Notify.Channel == "telegram" && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when notify.channel is telegram")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be between 0.0 and 1.0")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range strings.ToUpper(s) {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
