// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	HTTPAddr    string
	GRPCAddr    string
	HTTPTLSCert string
	HTTPTLSKey  string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	AuthorityURL     string
	AuthorityToken   string
	AuthorityTimeout time.Duration
	AuthorityTLSCert string
	AuthorityTLSKey  string
	AuthorityTLSCA   string

	LedgerTimezone string
	Location       *time.Location

	AuthIssuer         string
	AuthSigningKeyPath string
	AccessTokenTTL     time.Duration

	RateLimitCapacity     int
	RateLimitRefillPerSec float64
	MaxBodyBytes          int64
	MetricsAllowedCIDRs   string
	LogLevel              slog.Level
	ShutdownTimeout       time.Duration

	invalid []string
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFromEnv(os.Getenv)
}

// LoadFromEnv reads configuration through getenv and validates it.
func LoadFromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}
	cfg := &Config{
		Environment: e.str("APP_ENV", ""),
		HTTPAddr:    e.str("HTTP_ADDR", ":8080"),
		GRPCAddr:    e.str("GRPC_ADDR", ":9090"),
		HTTPTLSCert: e.str("HTTP_TLS_CERT", ""),
		HTTPTLSKey:  e.str("HTTP_TLS_KEY", ""),

		DatabaseURL: e.str("DATABASE_URL", ""),
		SQLitePath:  e.str("SQLITE_PATH", "refunds.db"),
		RedisAddr:   e.str("REDIS_ADDR", ""),

		AuthorityURL:     e.str("AUTHORITY_URL", ""),
		AuthorityToken:   e.str("AUTHORITY_TOKEN", ""),
		AuthorityTimeout: e.duration("AUTHORITY_TIMEOUT", 10*time.Second),
		AuthorityTLSCert: e.str("AUTHORITY_TLS_CERT", ""),
		AuthorityTLSKey:  e.str("AUTHORITY_TLS_KEY", ""),
		AuthorityTLSCA:   e.str("AUTHORITY_TLS_CA", ""),

		LedgerTimezone: e.str("LEDGER_TIMEZONE", "America/Santiago"),

		AuthIssuer:         e.str("AUTH_ISSUER", "refundsd"),
		AuthSigningKeyPath: e.str("AUTH_SIGNING_KEY_PATH", ""),
		AccessTokenTTL:     e.duration("ACCESS_TOKEN_TTL", 15*time.Minute),

		RateLimitCapacity:     e.integer("RATE_LIMIT_CAPACITY", 60),
		RateLimitRefillPerSec: e.float("RATE_LIMIT_REFILL_PER_SEC", 1),
		MaxBodyBytes:          int64(e.integer("MAX_BODY_BYTES", 1<<20)),
		MetricsAllowedCIDRs:   e.str("METRICS_ALLOWED_CIDRS", ""),
		LogLevel:              e.level("LOG_LEVEL", slog.LevelInfo),
		ShutdownTimeout:       e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	cfg.StoreDriver = e.str("STORE_DRIVER", "")
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverSQLite
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}
	cfg.invalid = e.invalid

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether the stricter production rules apply.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid. All missing keys are
// reported together.
func (c *Config) Validate() error {
	if len(c.invalid) > 0 {
		return errors.New("invalid environment variables: " + strings.Join(c.invalid, ", "))
	}

	var missing []string
	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.AuthorityURL == "" {
		missing = append(missing, "AUTHORITY_URL")
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}
	if c.Production() {
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
		if c.AuthSigningKeyPath == "" {
			missing = append(missing, "AUTH_SIGNING_KEY_PATH")
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.Production() && c.StoreDriver != DriverPostgres {
		return fmt.Errorf("STORE_DRIVER must be %q in %s", DriverPostgres, c.Environment)
	}
	if (c.HTTPTLSCert == "") != (c.HTTPTLSKey == "") {
		return errors.New("HTTP_TLS_CERT and HTTP_TLS_KEY must be set together")
	}

	u, err := url.Parse(c.AuthorityURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("AUTHORITY_URL must be an absolute http(s) URL, got %q", c.AuthorityURL)
	}
	if c.Production() && u.Scheme != "https" {
		return errors.New("AUTHORITY_URL must use https in " + c.Environment)
	}

	loc, err := time.LoadLocation(c.LedgerTimezone)
	if err != nil {
		return fmt.Errorf("LEDGER_TIMEZONE: %w", err)
	}
	c.Location = loc

	if c.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be positive")
	}
	return nil
}

type env struct {
	get     func(string) string
	invalid []string
}

func (e *env) str(key, def string) string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	return v
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.invalid = append(e.invalid, key)
		return def
	}
	return i
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid = append(e.invalid, key)
		return def
	}
	return f
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.invalid = append(e.invalid, key)
		return def
	}
	return d
}

func (e *env) level(key string, def slog.Level) slog.Level {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		e.invalid = append(e.invalid, key)
		return def
	}
	return l
}
