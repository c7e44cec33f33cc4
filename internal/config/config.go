package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Counts    CountsConfig    `mapstructure:"counts"`
	Inference InferenceConfig `mapstructure:"inference"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Digest    DigestConfig    `mapstructure:"digest"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ForecastWorkers int           `mapstructure:"forecast_workers"`
}

// ArtifactsConfig locates the trained model artifacts
type ArtifactsConfig struct {
	ForecastDir    string `mapstructure:"forecast_dir"`
	SpikeDir       string `mapstructure:"spike_dir"`
	SegmentFactors string `mapstructure:"segment_factors"`
	Neighborhoods  string `mapstructure:"neighborhoods"`
}

// CountsConfig selects where the weekly count history comes from
type CountsConfig struct {
	Source  string `mapstructure:"source"`
	CSVPath string `mapstructure:"csv_path"`
	DSN     string `mapstructure:"dsn"`
}

// InferenceConfig selects the model runtime
type InferenceConfig struct {
	Backend         string        `mapstructure:"backend"`
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// CacheConfig holds the optional redis response cache configuration
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// DigestConfig holds spike digest configuration
type DigestConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	TopK      int     `mapstructure:"top_k"`
	Schedule  string  `mapstructure:"schedule"`
	StatePath string  `mapstructure:"state_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable override, e.g. CRIMERISK_SERVER_ADDR
	v.SetEnvPrefix("CRIMERISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.forecast_workers", 8)

	// Artifact defaults
	v.SetDefault("artifacts.forecast_dir", "./models/prophet")
	v.SetDefault("artifacts.spike_dir", "./models/spike")
	v.SetDefault("artifacts.segment_factors", "./models/segment_factors.json")
	v.SetDefault("artifacts.neighborhoods", "./data/neighborhoods.geojson")

	// Count history defaults
	v.SetDefault("counts.source", "csv")
	v.SetDefault("counts.csv_path", "./data/weekly_counts.csv")
	v.SetDefault("counts.dsn", "")

	// Inference defaults
	v.SetDefault("inference.backend", "native")
	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.timeout", "10s")
	v.SetDefault("inference.max_retries", 3)
	v.SetDefault("inference.retry_delay_base", "1s")
	v.SetDefault("inference.breaker_failures", 5)
	v.SetDefault("inference.breaker_timeout", "30s")

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "10m")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Digest defaults
	v.SetDefault("digest.threshold", 50.0)
	v.SetDefault("digest.top_k", 5)
	v.SetDefault("digest.schedule", "0 8 * * MON")
	v.SetDefault("digest.state_path", "./data/digest-state.json")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_burst must be at least 1 when rate limiting is enabled")
	}
	if c.Server.ForecastWorkers < 1 {
		return fmt.Errorf("server.forecast_workers must be at least 1")
	}

	// Validate Artifacts config
	if c.Artifacts.ForecastDir == "" {
		return fmt.Errorf("artifacts.forecast_dir is required")
	}
	if c.Artifacts.SegmentFactors == "" {
		return fmt.Errorf("artifacts.segment_factors is required")
	}

	// Validate Counts config
	switch c.Counts.Source {
	case "csv":
		if c.Counts.CSVPath == "" {
			return fmt.Errorf("counts.csv_path is required when counts.source is csv")
		}
	case "sqlite", "postgres":
		if c.Counts.DSN == "" {
			return fmt.Errorf("counts.dsn is required when counts.source is %s", c.Counts.Source)
		}
	default:
		return fmt.Errorf("counts.source must be one of: csv, sqlite, postgres")
	}

	// Validate Inference config
	switch c.Inference.Backend {
	case "native":
	case "remote":
		if c.Inference.BaseURL == "" {
			return fmt.Errorf("inference.base_url is required when inference.backend is remote")
		}
		if c.Inference.MaxRetries < 1 {
			return fmt.Errorf("inference.max_retries must be at least 1")
		}
	default:
		return fmt.Errorf("inference.backend must be one of: native, remote")
	}

	// Validate Cache config
	if c.Cache.Enabled {
		if c.Cache.Addr == "" {
			return fmt.Errorf("cache.addr is required when cache is enabled")
		}
		if c.Cache.TTL < time.Second {
			return fmt.Errorf("cache.ttl must be at least 1 second")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Digest config
	if c.Digest.Threshold < 0 || c.Digest.Threshold > 100 {
		return fmt.Errorf("digest.threshold must be between 0 and 100")
	}
	if c.Digest.TopK < 1 {
		return fmt.Errorf("digest.top_k must be at least 1")
	}
	if c.Digest.StatePath == "" {
		return fmt.Errorf("digest.state_path is required")
	}

	// Validate Logging config
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
