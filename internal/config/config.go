// Package config provides configuration management for IOCForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/iocforge/internal/api/gateway"
)

// Config holds all IOCForge configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	ThreatIntel ThreatIntelConfig `yaml:"threat_intel"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Cache backends.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

// CacheConfig selects and tunes the enrichment cache.
type CacheConfig struct {
	Backend    string `yaml:"backend"` // sqlite, redis, none
	SQLitePath string `yaml:"sqlite_path"`
	// TTL of a stored enrichment. Zero keeps records forever.
	TTL time.Duration `yaml:"ttl"`
	// Bloom prefilter in front of the backend. The filter only sees writes
	// made by this process, so enable it only for a single-writer cache.
	BloomEnabled  bool    `yaml:"bloom_enabled"`
	BloomCapacity uint    `yaml:"bloom_capacity"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// EnrichmentConfig holds orchestrator settings.
type EnrichmentConfig struct {
	AnalyzerTimeout time.Duration `yaml:"analyzer_timeout"`
}

// ThreatIntelConfig holds analyzer settings, in registration order.
type ThreatIntelConfig struct {
	OTX       OTXConfig       `yaml:"otx"`
	AbuseIPDB AbuseIPDBConfig `yaml:"abuseipdb"`
	IPInfo    IPInfoConfig    `yaml:"ipinfo"`
}

// AnalyzerConfig holds settings common to every analyzer.
type AnalyzerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// OTXConfig holds AlienVault OTX settings.
type OTXConfig struct {
	AnalyzerConfig `yaml:",inline"`
}

// AbuseIPDBConfig holds AbuseIPDB settings.
type AbuseIPDBConfig struct {
	AnalyzerConfig `yaml:",inline"`
	MaxAgeInDays   int `yaml:"max_age_in_days"`
}

// IPInfoConfig holds ipinfo.io settings.
type IPInfoConfig struct {
	AnalyzerConfig `yaml:",inline"`
}

// AuthConfig holds JWT settings for the API.
type AuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
}

// RateLimitConfig enables the Redis rate limiter on enrichment routes.
type RateLimitConfig struct {
	Enabled                 bool `yaml:"enabled"`
	gateway.RateLimitConfig `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Backend:       CacheBackendSQLite,
			SQLitePath:    "iocforge.db",
			BloomEnabled:  false,
			BloomCapacity: 100000,
			BloomFPRate:   0.01,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
			KeyPrefix:   "iocforge:",
		},
		Enrichment: EnrichmentConfig{
			AnalyzerTimeout: 10 * time.Second,
		},
		ThreatIntel: ThreatIntelConfig{
			OTX: OTXConfig{AnalyzerConfig{
				Enabled:   true,
				APIKeyEnv: "OTX_API_KEY",
				BaseURL:   "https://otx.alienvault.com",
				Timeout:   30 * time.Second,
			}},
			AbuseIPDB: AbuseIPDBConfig{
				AnalyzerConfig: AnalyzerConfig{
					Enabled:   true,
					APIKeyEnv: "ABUSEIPDB_API_KEY",
					BaseURL:   "https://api.abuseipdb.com",
					Timeout:   30 * time.Second,
				},
				MaxAgeInDays: 90,
			},
			IPInfo: IPInfoConfig{AnalyzerConfig{
				Enabled:   true,
				APIKeyEnv: "IPINFO_TOKEN",
				BaseURL:   "https://ipinfo.io",
				Timeout:   30 * time.Second,
			}},
		},
		Auth: AuthConfig{
			Enabled:      false,
			JWTSecretEnv: "IOCFORGE_JWT_SECRET",
			Issuer:       "iocforge",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RateLimitConfig: gateway.RateLimitConfig{
				DefaultRequestsPerMinute: 100,
				IncludeHeaders:           true,
				Endpoints:                gateway.DefaultEndpointLimits(),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			MetricsEnabled: true,
			SamplingRate:   0.1,
		},
	}
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Cache.Backend {
	case CacheBackendSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite backend")
		}
	case CacheBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
		if c.Cache.BloomEnabled {
			return fmt.Errorf("cache.bloom_enabled is not supported with the redis backend")
		}
	case CacheBackendNone:
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}

	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if c.Enrichment.AnalyzerTimeout < 0 {
		return fmt.Errorf("enrichment.analyzer_timeout must not be negative")
	}
	if c.RateLimit.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("rate limiting requires redis.addr")
	}

	return nil
}

// EnabledAnalyzers returns enabled analyzers in registration order.
func (c *Config) EnabledAnalyzers() []string {
	var analyzers []string
	if c.ThreatIntel.OTX.Enabled {
		analyzers = append(analyzers, "otx")
	}
	if c.ThreatIntel.AbuseIPDB.Enabled {
		analyzers = append(analyzers, "abuseipdb")
	}
	if c.ThreatIntel.IPInfo.Enabled {
		analyzers = append(analyzers, "ipinfo")
	}
	return analyzers
}
