// Package config loads tenantgate's settings from a YAML file and
// TENANTGATE_* environment variables.
//
// Environment variables override the file. A double underscore separates
// nesting levels, so TENANTGATE_AUTH__JWKS_URL sets auth.jwks_url.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TENANTGATE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Cache     CacheConfig     `koanf:"cache"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Database  DatabaseConfig  `koanf:"database"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Log       LogConfig       `koanf:"log"`
	Tracing   TracingConfig   `koanf:"tracing"`
}

type ServerConfig struct {
	GRPCAddr        string        `koanf:"grpc_addr"`
	MetricsAddr     string        `koanf:"metrics_addr"` // empty disables /metrics
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// PublicMethods skip authorization; the Authorize RPC is always public.
	PublicMethods []string `koanf:"public_methods"`
}

type AuthConfig struct {
	JWKSURL  string        `koanf:"jwks_url"`
	Issuer   string        `koanf:"issuer"`
	Audience string        `koanf:"audience"`
	Leeway   time.Duration `koanf:"leeway"`
	// DevMode accepts HS256 tokens signed with the secret named by
	// secrets.dev_secret_key. Never enable it in production.
	DevMode          bool          `koanf:"dev_mode"`
	JWKSTimeout      time.Duration `koanf:"jwks_timeout"`
	JWKSCacheTTL     time.Duration `koanf:"jwks_cache_ttl"`
	JWKSMinRefresh   time.Duration `koanf:"jwks_min_refresh"`
	JWKSBreakerFails int           `koanf:"jwks_breaker_failures"`
}

type CacheConfig struct {
	DecisionTTL      time.Duration `koanf:"decision_ttl"`
	DecisionCapacity int           `koanf:"decision_capacity"`
	// RedisAddr enables a shared JWKS document cache across replicas.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

type SecretsConfig struct {
	Provider     string        `koanf:"provider"` // env, vault
	EnvPrefix    string        `koanf:"env_prefix"`
	VaultAddr    string        `koanf:"vault_addr"`
	VaultToken   string        `koanf:"vault_token"`
	VaultPath    string        `koanf:"vault_path"`
	VaultTimeout time.Duration `koanf:"vault_timeout"`
	SaltKey      string        `koanf:"salt_key"`
	DevSecretKey string        `koanf:"dev_secret_key"`
}

type DatabaseConfig struct {
	Driver       string        `koanf:"driver"` // sqlite, or any registered database/sql driver
	DSN          string        `koanf:"dsn"`    // empty disables the readiness check
	MaxOpenConns int           `koanf:"max_open_conns"`
	QueryTimeout time.Duration `koanf:"query_timeout"`
}

type RateLimitConfig struct {
	// PerTenantRPS of zero disables per-tenant limiting.
	PerTenantRPS float64 `koanf:"per_tenant_rps"`
	Burst        int     `koanf:"burst"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, console
}

type TracingConfig struct {
	Exporter    string  `koanf:"exporter"` // none, stdout, otlp
	Endpoint    string  `koanf:"endpoint"`
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio"`
	ServiceName string  `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.grpc_addr":           ":9090",
	"server.metrics_addr":        ":9091",
	"server.shutdown_timeout":    "10s",
	"auth.leeway":                "30s",
	"auth.jwks_timeout":          "5s",
	"auth.jwks_cache_ttl":        "10m",
	"auth.jwks_min_refresh":      "30s",
	"auth.jwks_breaker_failures": 5,
	"cache.decision_ttl":         "5m",
	"cache.decision_capacity":    100,
	"secrets.provider":           "env",
	"secrets.env_prefix":         EnvPrefix + "SECRET_",
	"secrets.salt_key":           "pseudonym_salt",
	"secrets.dev_secret_key":     "dev_jwt_secret",
	"secrets.vault_timeout":      "5s",
	"database.driver":            "sqlite",
	"database.max_open_conns":    10,
	"database.query_timeout":     "5s",
	"ratelimit.burst":            20,
	"log.level":                  "info",
	"log.format":                 "json",
	"tracing.exporter":           "none",
	"tracing.sample_ratio":       1.0,
	"tracing.service_name":       "tenantgate",
}

// Load reads path, when it is non-empty and exists, then applies
// environment overrides and defaults. The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("config: default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.GRPCAddr == "" {
		add("server.grpc_addr is required")
	}

	switch {
	case c.Auth.JWKSURL == "" && !c.Auth.DevMode:
		add("auth.jwks_url is required unless auth.dev_mode is set")
	case c.Auth.JWKSURL != "":
		u, err := url.Parse(c.Auth.JWKSURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			add("auth.jwks_url %q is not an http(s) URL", c.Auth.JWKSURL)
		}
	}
	if c.Auth.Leeway < 0 || c.Auth.Leeway > 5*time.Minute {
		add("auth.leeway must be between 0 and 5m, got %s", c.Auth.Leeway)
	}
	if c.Auth.JWKSTimeout <= 0 {
		add("auth.jwks_timeout must be positive")
	}

	if c.Cache.DecisionTTL <= 0 {
		add("cache.decision_ttl must be positive")
	}
	if c.Cache.DecisionCapacity <= 0 {
		add("cache.decision_capacity must be positive")
	}

	switch c.Secrets.Provider {
	case "env":
	case "vault":
		if c.Secrets.VaultPath == "" {
			add("secrets.vault_path is required for the vault provider")
		}
	default:
		add("secrets.provider must be env or vault, got %q", c.Secrets.Provider)
	}
	if c.Secrets.SaltKey == "" {
		add("secrets.salt_key is required")
	}
	if c.Auth.DevMode && c.Secrets.DevSecretKey == "" {
		add("secrets.dev_secret_key is required when auth.dev_mode is set")
	}

	if c.Database.DSN != "" && c.Database.Driver == "" {
		add("database.driver is required when database.dsn is set")
	}

	if c.RateLimit.PerTenantRPS < 0 {
		add("ratelimit.per_tenant_rps must not be negative")
	}
	if c.RateLimit.PerTenantRPS > 0 && c.RateLimit.Burst < 1 {
		add("ratelimit.burst must be at least 1")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console, got %q", c.Log.Format)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			add("tracing.endpoint is required for the otlp exporter")
		}
	default:
		add("tracing.exporter must be none, stdout or otlp, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio must be within [0, 1]")
	}

	return errs.ErrorOrNil()
}
