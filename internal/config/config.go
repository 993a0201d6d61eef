// Package config loads the engine configuration from YAML with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/papertrade/portfolio-engine/internal/leaderboard"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the portfolio engine.
type Config struct {
	Server      Server      `yaml:"server"`
	Storage     Storage     `yaml:"storage"`
	Redis       Redis       `yaml:"redis"`
	Quotes      Quotes      `yaml:"quotes"`
	Alpaca      Alpaca      `yaml:"alpaca"`
	Trading     Trading     `yaml:"trading"`
	Valuation   Valuation   `yaml:"valuation"`
	Leaderboard Leaderboard `yaml:"leaderboard"`
	Logging     Logging     `yaml:"logging"`
}

// Server holds network listener configuration.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Storage selects and configures the account store.
type Storage struct {
	Driver      string `yaml:"driver"` // memory | postgres | sqlite
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// Redis configures the optional read-through cache in front of the store.
type Redis struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// Quotes configures the quote provider and cache.
type Quotes struct {
	Provider     string            `yaml:"provider"` // static | alpaca
	TTL          time.Duration     `yaml:"ttl"`
	NegativeTTL  time.Duration     `yaml:"negative_ttl"`
	FetchTimeout time.Duration     `yaml:"fetch_timeout"`
	Static       map[string]string `yaml:"static"` // symbol -> decimal price
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Trading holds engine parameters.
type Trading struct {
	StartingCash string        `yaml:"starting_cash"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// Valuation selects the missing-quote policy.
type Valuation struct {
	Fallback    string `yaml:"fallback"` // stale_cost | indeterminate
	Concurrency int    `yaml:"concurrency"`
}

// Leaderboard configures the ranker.
type Leaderboard struct {
	Mode           string `yaml:"mode"` // cash | mark_to_market
	CandidateLimit int    `yaml:"candidate_limit"`
	Concurrency    int    `yaml:"concurrency"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{Driver: "memory"},
		Redis:   Redis{TTL: 30 * time.Second},
		Quotes: Quotes{
			Provider:     "static",
			TTL:          10 * time.Second,
			NegativeTTL:  2 * time.Second,
			FetchTimeout: 5 * time.Second,
		},
		Trading: Trading{
			StartingCash: "100000",
			MaxAttempts:  5,
			BaseBackoff:  10 * time.Millisecond,
			MaxBackoff:   200 * time.Millisecond,
		},
		Valuation:   Valuation{Fallback: string(valuation.PolicyStaleCost), Concurrency: 8},
		Leaderboard: Leaderboard{Mode: string(leaderboard.ModeCash), CandidateLimit: 500, Concurrency: 8},
		Logging:     Logging{Level: "info", Format: "json"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at path over the defaults, applies
// environment overrides and validates the result. An empty path, or a path
// that does not exist, yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	// A database URL alone is enough to switch off the in-memory store.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		if cfg.Storage.Driver == "" || cfg.Storage.Driver == "memory" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
		if cfg.Storage.Driver == "" || cfg.Storage.Driver == "memory" {
			cfg.Storage.Driver = "sqlite"
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	if v := os.Getenv("QUOTE_PROVIDER"); v != "" {
		cfg.Quotes.Provider = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("VALUATION_FALLBACK"); v != "" {
		cfg.Valuation.Fallback = v
	}
	if v := os.Getenv("LEADERBOARD_MODE"); v != "" {
		cfg.Leaderboard.Mode = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for postgres"))
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory, postgres or sqlite", c.Storage.Driver))
	}

	switch c.Quotes.Provider {
	case "static":
		if _, err := c.Quotes.StaticPrices(); err != nil {
			errs = append(errs, err)
		}
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca credentials are required for the alpaca quote provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("quotes.provider %q: want static or alpaca", c.Quotes.Provider))
	}
	if c.Quotes.TTL <= 0 {
		errs = append(errs, errors.New("quotes.ttl must be positive"))
	}
	if c.Quotes.NegativeTTL < 0 {
		errs = append(errs, errors.New("quotes.negative_ttl must not be negative"))
	}

	if cash, err := c.Trading.StartingCashDecimal(); err != nil {
		errs = append(errs, err)
	} else if cash.IsNegative() {
		errs = append(errs, errors.New("trading.starting_cash must not be negative"))
	}
	if c.Trading.MaxAttempts <= 0 {
		errs = append(errs, errors.New("trading.max_attempts must be positive"))
	}

	if _, err := valuation.ParsePolicy(c.Valuation.Fallback); err != nil {
		errs = append(errs, err)
	}
	if _, err := leaderboard.ParseMode(c.Leaderboard.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Leaderboard.CandidateLimit <= 0 {
		errs = append(errs, errors.New("leaderboard.candidate_limit must be positive"))
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StartingCashDecimal parses the starting cash amount.
func (t Trading) StartingCashDecimal() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(t.StartingCash)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trading.starting_cash %q: %w", t.StartingCash, err)
	}
	return v, nil
}

// StaticPrices parses the static price table. Symbols are uppercased.
func (q Quotes) StaticPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(q.Static))
	for sym, s := range q.Static {
		p, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("quotes.static[%s] %q: %w", sym, s, err)
		}
		if !p.IsPositive() {
			return nil, fmt.Errorf("quotes.static[%s] must be positive", sym)
		}
		out[strings.ToUpper(sym)] = p
	}
	return out, nil
}

// SlogLevel maps the configured level name onto slog.
func (l Logging) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
