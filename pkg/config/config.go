// Package config loads loandesk settings from defaults, an optional TOML file, an optional
// .env file and LOANDESK_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Auth      AuthConfig      `toml:"auth"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite3 or postgres
	DSN    string `toml:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

type GatewayConfig struct {
	BaseURL      string        `toml:"base_url"`
	ClientID     string        `toml:"client_id"`
	ClientSecret string        `toml:"client_secret"`
	APIVersion   string        `toml:"api_version"`
	Currency     string        `toml:"currency"`
	ReturnURL    string        `toml:"return_url"`
	NotifyURL    string        `toml:"notify_url"`
	Timeout      time.Duration `toml:"timeout"`
	MaxRetries   int           `toml:"max_retries"`
	RetryBackoff time.Duration `toml:"retry_backoff"`
}

type ReconcileConfig struct {
	Enabled    bool          `toml:"enabled"`
	Interval   time.Duration `toml:"interval"`
	StaleAfter time.Duration `toml:"stale_after"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "loandesk.db",
		},
		Auth: AuthConfig{
			Issuer: "loandesk",
		},
		Gateway: GatewayConfig{
			BaseURL:      "https://sandbox.cashfree.com/pg",
			APIVersion:   "2023-08-01",
			Currency:     "INR",
			Timeout:      10 * time.Second,
			MaxRetries:   2,
			RetryBackoff: 250 * time.Millisecond,
		},
		Reconcile: ReconcileConfig{
			Enabled:    true,
			Interval:   time.Minute,
			StaleAfter: 2 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load builds the configuration. path may be empty to skip the TOML file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// .env is optional in production
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "LOANDESK_ADDR")
	setString(&cfg.Database.Driver, "LOANDESK_DB_DRIVER")
	setString(&cfg.Database.DSN, "LOANDESK_DB_DSN")
	setString(&cfg.Auth.JWTSecret, "LOANDESK_JWT_SECRET")
	setString(&cfg.Auth.Issuer, "LOANDESK_JWT_ISSUER")
	setString(&cfg.Gateway.BaseURL, "LOANDESK_CASHFREE_BASE_URL")
	setString(&cfg.Gateway.ClientID, "LOANDESK_CASHFREE_CLIENT_ID")
	setString(&cfg.Gateway.ClientSecret, "LOANDESK_CASHFREE_CLIENT_SECRET")
	setString(&cfg.Gateway.ReturnURL, "LOANDESK_CASHFREE_RETURN_URL")
	setString(&cfg.Gateway.NotifyURL, "LOANDESK_CASHFREE_NOTIFY_URL")
	setString(&cfg.Gateway.Currency, "LOANDESK_CURRENCY")

	var errs []error
	errs = append(errs, setDuration(&cfg.Gateway.Timeout, "LOANDESK_GATEWAY_TIMEOUT"))
	errs = append(errs, setDuration(&cfg.Reconcile.Interval, "LOANDESK_RECONCILE_INTERVAL"))
	errs = append(errs, setDuration(&cfg.Reconcile.StaleAfter, "LOANDESK_RECONCILE_STALE_AFTER"))
	errs = append(errs, setBool(&cfg.Reconcile.Enabled, "LOANDESK_RECONCILE_ENABLED"))
	errs = append(errs, setBool(&cfg.Metrics.Enabled, "LOANDESK_METRICS_ENABLED"))
	if v := os.Getenv("LOANDESK_GATEWAY_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOANDESK_GATEWAY_MAX_RETRIES: %w", err))
		} else {
			cfg.Gateway.MaxRetries = n
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (LOANDESK_JWT_SECRET) is required"))
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, errors.New("gateway.max_retries must not be negative"))
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	return errors.Join(errs...)
}
