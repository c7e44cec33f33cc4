package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	content := `
server:
  addr: ":9000"
  rate_limit: 5
  rate_burst: 10
  cors_origins:
    - "https://map.example.org"

artifacts:
  forecast_dir: "/srv/models/prophet"
  spike_dir: "/srv/models/spike"
  segment_factors: "/srv/models/segment_factors.json"
  neighborhoods: "/srv/data/neighborhoods.geojson"

counts:
  source: sqlite
  dsn: "/srv/data/counts.db"

inference:
  backend: remote
  base_url: "http://inference:8500"
  timeout: 5s

cache:
  enabled: true
  addr: "redis:6379"
  ttl: 2m

telegram:
  bot_token: "test_token"
  chat_id: "test_chat_id"
  enabled: true

digest:
  threshold: 70
  top_k: 3

logging:
  level: "debug"
  format: "text"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Unexpected addr: %s", cfg.Server.Addr)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://map.example.org" {
		t.Errorf("Unexpected CORS origins: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Counts.Source != "sqlite" || cfg.Counts.DSN != "/srv/data/counts.db" {
		t.Errorf("Unexpected counts config: %+v", cfg.Counts)
	}
	if cfg.Inference.Timeout != 5*time.Second {
		t.Errorf("Unexpected inference timeout: %v", cfg.Inference.Timeout)
	}
	if cfg.Cache.TTL != 2*time.Minute {
		t.Errorf("Unexpected cache ttl: %v", cfg.Cache.TTL)
	}
	if cfg.Digest.Threshold != 70 || cfg.Digest.TopK != 3 {
		t.Errorf("Unexpected digest config: %+v", cfg.Digest)
	}
	// Unset keys keep their defaults.
	if cfg.Server.ForecastWorkers != 8 {
		t.Errorf("Expected default forecast workers, got %d", cfg.Server.ForecastWorkers)
	}
	if cfg.Inference.MaxRetries != 3 {
		t.Errorf("Expected default max retries, got %d", cfg.Inference.MaxRetries)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8000" {
		t.Errorf("Unexpected default addr: %s", cfg.Server.Addr)
	}
	if cfg.Inference.Backend != "native" {
		t.Errorf("Unexpected default backend: %s", cfg.Inference.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRIMERISK_SERVER_ADDR", ":7777")
	t.Setenv("CRIMERISK_DIGEST_TOP_K", "9")
	t.Setenv("CRIMERISK_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("Expected env addr, got %s", cfg.Server.Addr)
	}
	if cfg.Digest.TopK != 9 {
		t.Errorf("Expected env top_k, got %d", cfg.Digest.TopK)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected env level, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":8000", RateLimit: 10, RateBurst: 20, ForecastWorkers: 4},
		Artifacts: ArtifactsConfig{ForecastDir: "models", SegmentFactors: "factors.json"},
		Counts:    CountsConfig{Source: "csv", CSVPath: "counts.csv"},
		Inference: InferenceConfig{Backend: "native"},
		Digest:    DigestConfig{Threshold: 50, TopK: 5, StatePath: "state.json"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
		{"zero burst", func(c *Config) { c.Server.RateBurst = 0 }, "server.rate_burst"},
		{"rate limit disabled", func(c *Config) { c.Server.RateLimit = 0; c.Server.RateBurst = 0 }, ""},
		{"no workers", func(c *Config) { c.Server.ForecastWorkers = 0 }, "server.forecast_workers"},
		{"no forecast dir", func(c *Config) { c.Artifacts.ForecastDir = "" }, "artifacts.forecast_dir"},
		{"no factors", func(c *Config) { c.Artifacts.SegmentFactors = "" }, "artifacts.segment_factors"},
		{"unknown source", func(c *Config) { c.Counts.Source = "parquet" }, "counts.source"},
		{"csv without path", func(c *Config) { c.Counts.CSVPath = "" }, "counts.csv_path"},
		{"postgres without dsn", func(c *Config) { c.Counts.Source = "postgres" }, "counts.dsn"},
		{"unknown backend", func(c *Config) { c.Inference.Backend = "onnx" }, "inference.backend"},
		{"remote without url", func(c *Config) { c.Inference.Backend = "remote"; c.Inference.MaxRetries = 3 }, "inference.base_url"},
		{"remote without retries", func(c *Config) {
			c.Inference.Backend = "remote"
			c.Inference.BaseURL = "http://x"
		}, "inference.max_retries"},
		{"cache without addr", func(c *Config) { c.Cache.Enabled = true; c.Cache.TTL = time.Minute }, "cache.addr"},
		{"cache short ttl", func(c *Config) { c.Cache = CacheConfig{Enabled: true, Addr: "r:6379"} }, "cache.ttl"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }, "telegram.bot_token"},
		{"telegram without chat", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "t" }, "telegram.chat_id"},
		{"threshold too high", func(c *Config) { c.Digest.Threshold = 101 }, "digest.threshold"},
		{"top k zero", func(c *Config) { c.Digest.TopK = 0 }, "digest.top_k"},
		{"no state path", func(c *Config) { c.Digest.StatePath = "" }, "digest.state_path"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
