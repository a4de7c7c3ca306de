// Package config loads the gateway's runtime configuration from a YAML
// file with environment-variable overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr         string `yaml:"addr"`
		ReadTOms     int    `yaml:"read_timeout_ms"`
		WriteTOms    int    `yaml:"write_timeout_ms"`
		IdleTOms     int    `yaml:"idle_timeout_ms"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	DemoMode bool `yaml:"demo_mode"`

	DB struct {
		Enabled  bool   `yaml:"enabled"`
		Driver   string `yaml:"driver"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"db"`

	Kafka struct {
		Enabled        bool     `yaml:"enabled"`
		Brokers        []string `yaml:"brokers"`
		Topic          string   `yaml:"topic"`
		ClientID       string   `yaml:"client_id"`
		Acks           string   `yaml:"acks"`
		Compression    string   `yaml:"compression"`
		TimeoutMs      int      `yaml:"timeout_ms"`
		BatchBytes     int64    `yaml:"batch_bytes"`
		BatchTimeoutMs int      `yaml:"batch_timeout_ms"`
	} `yaml:"kafka"`

	Tracing struct {
		Enabled bool `yaml:"enabled"`
		OTLP    struct {
			Endpoint string `yaml:"endpoint"`
			Insecure bool   `yaml:"insecure"`
		} `yaml:"otlp"`
	} `yaml:"tracing"`

	Abuse struct {
		Alpha        float64 `yaml:"alpha"`
		ZThreshold   float64 `yaml:"z_threshold"`
		BlockSeconds int     `yaml:"block_seconds"`
	} `yaml:"abuse"`

	Bloom struct {
		ExpectedItems     int     `yaml:"expected_items"`
		FalsePositiveRate float64 `yaml:"false_positive_rate"`
	} `yaml:"bloom"`

	RateLimit struct {
		DefaultRPS   int `yaml:"default_rps"`
		DefaultBurst int `yaml:"default_burst"`
	} `yaml:"rate_limit"`

	Upstream struct {
		DefaultTimeoutMs int `yaml:"default_timeout_ms"`
		CBThreshold      int `yaml:"circuit_breaker_threshold"`
		CBOpenSeconds    int `yaml:"circuit_breaker_open_seconds"`
	} `yaml:"upstream"`

	ConfigRefreshSeconds int `yaml:"config_refresh_seconds"`
}

func (c Config) BlockDuration() time.Duration {
	return time.Duration(c.Abuse.BlockSeconds) * time.Second
}

func (c Config) ConfigRefreshInterval() time.Duration {
	return time.Duration(c.ConfigRefreshSeconds) * time.Second
}

// Load reads path as YAML, then applies the GATEWAY_*/REDIS_*/DB_*/KAFKA_*
// environment overrides.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(file, &cfg); err != nil {
			return cfg, err
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTOms == 0 {
		cfg.Server.ReadTOms = 5000
	}
	if cfg.Server.WriteTOms == 0 {
		cfg.Server.WriteTOms = 10000
	}
	if cfg.Server.IdleTOms == 0 {
		cfg.Server.IdleTOms = 60000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Abuse.Alpha == 0 {
		cfg.Abuse.Alpha = 0.3
	}
	if cfg.Abuse.ZThreshold == 0 {
		cfg.Abuse.ZThreshold = 3.0
	}
	if cfg.Abuse.BlockSeconds == 0 {
		cfg.Abuse.BlockSeconds = 300
	}
	if cfg.Bloom.ExpectedItems == 0 {
		cfg.Bloom.ExpectedItems = 100000
	}
	if cfg.Bloom.FalsePositiveRate == 0 {
		cfg.Bloom.FalsePositiveRate = 0.01
	}
	if cfg.RateLimit.DefaultRPS == 0 {
		cfg.RateLimit.DefaultRPS = 100
	}
	if cfg.RateLimit.DefaultBurst == 0 {
		cfg.RateLimit.DefaultBurst = 200
	}
	if cfg.Upstream.DefaultTimeoutMs == 0 {
		cfg.Upstream.DefaultTimeoutMs = 30000
	}
	if cfg.Upstream.CBThreshold == 0 {
		cfg.Upstream.CBThreshold = 5
	}
	if cfg.Upstream.CBOpenSeconds == 0 {
		cfg.Upstream.CBOpenSeconds = 30
	}
	if cfg.ConfigRefreshSeconds == 0 {
		cfg.ConfigRefreshSeconds = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Server.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("GATEWAY_DEMO_MODE"); v != "" {
		cfg.DemoMode = parseBool(v, cfg.DemoMode)
	}
	// DEPLOYMENT_MODE=demo forces the in-process fallback KV store.
	if v := os.Getenv("DEPLOYMENT_MODE"); v == "demo" {
		cfg.DemoMode = true
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.DB.Enabled = parseBool(v, cfg.DB.Enabled)
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DB.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.Port = n
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DB.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DB.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DB.Name = v
	}

	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = parseBool(v, cfg.Kafka.Enabled)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v, cfg.Tracing.Enabled)
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLP.Endpoint = v
	}

	if v := os.Getenv("ABUSE_EWMA_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Abuse.Alpha = f
		}
	}
	// ABUSE_Z_THRESHOLD is the internal name; ABUSE_ZSCORE_THRESHOLD is the
	// name used externally. Both are honored, the latter taking precedence.
	if v := os.Getenv("ABUSE_Z_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Abuse.ZThreshold = f
		}
	}
	if v := os.Getenv("ABUSE_ZSCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Abuse.ZThreshold = f
		}
	}
	if v := os.Getenv("ABUSE_BLOCK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Abuse.BlockSeconds = n
		}
	}
	if v := os.Getenv("ABUSE_BLOCK_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Abuse.BlockSeconds = n
		}
	}

	if v := os.Getenv("BLOOM_EXPECTED_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bloom.ExpectedItems = n
		}
	}
	if v := os.Getenv("BLOOM_FALSE_POSITIVE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Bloom.FalsePositiveRate = f
		}
	}

	if v := os.Getenv("DEFAULT_RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.DefaultRPS = n
		}
	}
	if v := os.Getenv("DEFAULT_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.DefaultBurst = n
		}
	}
	if v := os.Getenv("UPSTREAM_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Upstream.DefaultTimeoutMs = n
		}
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
