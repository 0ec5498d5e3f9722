/*
Package config loads loan-ledger server configuration.

PRECEDENCE (lowest to highest):
  1. Defaults (NewDefault)
  2. TOML file(s), later files override earlier ones
  3. LOANLEDGER_* environment variables
  4. Command-line flags (BindFlags)

EXAMPLE FILE:
  products_file = "configs/products.toml"
  auto_external_ids = false

  [server]
  port = 8080
  allowed_origins = ["http://localhost:5173"]

  [database]
  driver = "sqlite3"        # or "postgres"
  dsn = "loans.db"

  [lock]
  backend = "memory"        # or "redis"
  redis_addr = "localhost:6379"
  ttl = "30s"

  [logging]
  level = "info"
  development = false

  [accrual]
  enabled = true
  interval = "24h"
  workers = 4
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const envPrefix = "LOANLEDGER_"

type Config struct {
	ProductsFile string `toml:"products_file"`
	// AutoExternalIDs gives loans, transactions and charges submitted
	// without an external id a generated one.
	AutoExternalIDs bool           `toml:"auto_external_ids"`
	Server          ServerConfig   `toml:"server"`
	Database        DatabaseConfig `toml:"database"`
	Lock            LockConfig     `toml:"lock"`
	Logging         LoggingConfig  `toml:"logging"`
	Accrual         AccrualConfig  `toml:"accrual"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type LockConfig struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTL           string `toml:"ttl"`
}

// GetTTL parses TTL, falling back to 30s.
func (c LockConfig) GetTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type AccrualConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	Workers  int    `toml:"workers"`
}

// GetInterval parses Interval, falling back to 24h.
func (c AccrualConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// NewDefault returns a Config that runs a single node on SQLite.
func NewDefault() *Config {
	return &Config{
		ProductsFile: "configs/products.toml",
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "loans.db",
		},
		Lock: LockConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			TTL:       "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Accrual: AccrualConfig{
			Enabled:  true,
			Interval: "24h",
			Workers:  4,
		},
	}
}

// Load merges defaults, files and environment. Missing files are skipped.
func Load(paths ...string) (*Config, error) {
	cfg := NewDefault()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("PRODUCTS_FILE", &cfg.ProductsFile)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("DB_DSN", &cfg.Database.DSN)
	str("LOCK_BACKEND", &cfg.Lock.Backend)
	str("REDIS_ADDR", &cfg.Lock.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Lock.RedisPassword)
	str("LOCK_TTL", &cfg.Lock.TTL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("ACCRUAL_INTERVAL", &cfg.Accrual.Interval)
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}

	for _, err := range []error{
		num("PORT", &cfg.Server.Port),
		num("REDIS_DB", &cfg.Lock.RedisDB),
		num("ACCRUAL_WORKERS", &cfg.Accrual.Workers),
		boolean("LOG_DEVELOPMENT", &cfg.Logging.Development),
		boolean("ACCRUAL_ENABLED", &cfg.Accrual.Enabled),
		boolean("AUTO_EXTERNAL_IDS", &cfg.AutoExternalIDs),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// BindFlags registers flags that override cfg when fs is parsed.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Server.Port, "port", c.Server.Port, "HTTP server port")
	fs.StringVar(&c.Database.Driver, "db-driver", c.Database.Driver, "database driver (sqlite3 or postgres)")
	fs.StringVar(&c.Database.DSN, "db", c.Database.DSN, `database DSN; ":memory:" for a throwaway SQLite database`)
	fs.StringVar(&c.ProductsFile, "products", c.ProductsFile, "product catalog TOML file")
	fs.StringVar(&c.Lock.Backend, "lock", c.Lock.Backend, "loan lock backend (memory or redis)")
	fs.StringVar(&c.Lock.RedisAddr, "redis", c.Lock.RedisAddr, "redis address for the redis lock backend")
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "log level")
	fs.BoolVar(&c.Accrual.Enabled, "accruals", c.Accrual.Enabled, "run the periodic accrual job")
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver: unsupported %q", c.Database.Driver)
	}
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("lock.backend: unsupported %q", c.Lock.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Accrual.Workers < 1 {
		return fmt.Errorf("accrual.workers: must be >= 1")
	}
	if c.ProductsFile == "" {
		return fmt.Errorf("products_file is required")
	}
	return nil
}
