// Package config loads the ledger engine settings from defaults, an
// optional YAML or JSON file, and environment variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete server and CLI configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Store  StoreConfig  `json:"store" yaml:"store"`
	Ledger LedgerConfig `json:"ledger" yaml:"ledger"`
	Market MarketConfig `json:"market" yaml:"market"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `json:"port" yaml:"port" validate:"required,numeric"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig selects the persistence gateway. DatabaseURL wins over
// SQLitePath; with neither set snapshots live in memory.
type StoreConfig struct {
	DatabaseURL string        `json:"database_url,omitempty" yaml:"database_url,omitempty"`
	RedisURL    string        `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	SQLitePath  string        `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	CacheTTL    time.Duration `json:"cache_ttl" yaml:"cache_ttl" validate:"gt=0"`
}

// LedgerConfig holds account defaults.
type LedgerConfig struct {
	StartingBalance string `json:"starting_balance" yaml:"starting_balance" validate:"required"`
}

// MarketConfig tunes the price simulator.
type MarketConfig struct {
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval" validate:"gt=0"`
	Seed         int64         `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// LogConfig sets the slog level.
type LogConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

// Store drivers reported by Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			CacheTTL: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			StartingBalance: "100000",
		},
		Market: MarketConfig{
			TickInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment. Unset variables leave
// the current value alone.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("STARTING_BALANCE"); v != "" {
		c.Ledger.StartingBalance = v
	}
	if v := os.Getenv("TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TICK_INTERVAL: %w", err)
		}
		c.Market.TickInterval = d
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	return nil
}

// Validate checks field constraints and that the starting balance is a
// non-negative amount.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if _, err := c.StartingBalance(); err != nil {
		return err
	}
	return nil
}

// StartingBalance parses the configured allowance.
func (c *Config) StartingBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Ledger.StartingBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.starting_balance: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("ledger.starting_balance must not be negative")
	}
	return d, nil
}

// Driver names the gateway the settings select.
func (c *Config) Driver() string {
	switch {
	case c.Store.DatabaseURL != "":
		return DriverPostgres
	case c.Store.SQLitePath != "":
		return DriverSQLite
	default:
		return DriverMemory
	}
}

// SlogLevel maps Log.Level to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
