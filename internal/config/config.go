// Package config loads fund server configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Admin      AdminConfig      `yaml:"admin"`
	Fund       FundConfig       `yaml:"fund"`
	Settlement SettlementConfig `yaml:"settlement"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string   `yaml:"port"`
	RequestTimeout  string   `yaml:"request_timeout"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig configures PostgreSQL. An empty URL selects the in-memory
// store.
type DatabaseConfig struct {
	URL         string `yaml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// CacheConfig configures the optional Redis read-through cache.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url"`
	TTL      string `yaml:"ttl"`
}

// AdminConfig configures admin login.
type AdminConfig struct {
	Token         string `yaml:"token"`
	SessionSecret string `yaml:"session_secret"`
	SessionTTL    string `yaml:"session_ttl"`
	SecureCookie  bool   `yaml:"secure_cookie"`
}

// FundConfig describes the fund itself.
type FundConfig struct {
	Currency     string `yaml:"currency"` // ISO 4217 code used for display
	HistoryLimit int    `yaml:"history_limit"`
}

// SettlementConfig tunes deposit and withdrawal settlement.
type SettlementConfig struct {
	Epsilon                string `yaml:"epsilon"`
	WithdrawForwardPricing bool   `yaml:"withdraw_forward_pricing"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  "30s",
			ShutdownTimeout: "10s",
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			AutoMigrate: true,
		},
		Cache: CacheConfig{
			TTL: "30s",
		},
		Admin: AdminConfig{
			SessionTTL: "12h",
		},
		Fund: FundConfig{
			Currency:     money.USD,
			HistoryLimit: 90,
		},
		Settlement: SettlementConfig{
			Epsilon:                "0.000001",
			WithdrawForwardPricing: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.Admin.SessionSecret = v
	}
	if v := os.Getenv("FUND_CURRENCY"); v != "" {
		c.Fund.Currency = strings.ToUpper(v)
	}
	if v := os.Getenv("WITHDRAW_FORWARD_PRICING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Settlement.WithdrawForwardPricing = b
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration before the server starts.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port not configured (set PORT)")
	}
	if c.Admin.Token != "" && c.Admin.SessionSecret == "" {
		return errors.New("admin token set without a session secret (set SESSION_SECRET)")
	}
	if money.GetCurrency(c.Fund.Currency) == nil {
		return fmt.Errorf("unknown fund currency: %s", c.Fund.Currency)
	}
	if c.Fund.HistoryLimit < 0 {
		return fmt.Errorf("invalid history limit: %d", c.Fund.HistoryLimit)
	}
	eps, err := decimal.NewFromString(c.Settlement.Epsilon)
	if err != nil || !eps.IsPositive() {
		return fmt.Errorf("invalid settlement epsilon: %q", c.Settlement.Epsilon)
	}
	for name, v := range map[string]string{
		"server.request_timeout":  c.Server.RequestTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"cache.ttl":               c.Cache.TTL,
		"admin.session_ttl":       c.Admin.SessionTTL,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// AdminEnabled reports whether admin login is possible.
func (c *Config) AdminEnabled() bool {
	return c.Admin.Token != "" && c.Admin.SessionSecret != ""
}

// GetRequestTimeout returns the per-request timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Server.RequestTimeout, 30*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown deadline.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetCacheTTL returns the Redis cache TTL.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, 30*time.Second)
}

// GetSessionTTL returns the admin session lifetime.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Admin.SessionTTL, 12*time.Hour)
}

// GetEpsilon returns the settlement tolerance. Validate rejects bad values.
func (c *Config) GetEpsilon() decimal.Decimal {
	eps, err := decimal.NewFromString(c.Settlement.Epsilon)
	if err != nil {
		return decimal.New(1, -6)
	}
	return eps
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
