// Package app wires the engine's components from configuration. The HTTP
// server and the operator CLI both start from here.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/portfolio-engine/internal/config"
	"github.com/papertrade/portfolio-engine/internal/leaderboard"
	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/trade"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Store     store.Store
	Quotes    *quote.Cache
	Engine    *trade.Engine
	Valuation *valuation.Service
	Ranker    *leaderboard.Ranker

	cleanup []func()
}

// NewLogger builds the process logger from the logging config.
func NewLogger(cfg config.Logging, w io.Writer) *slog.Logger {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// New builds every component described by cfg. Close releases the
// connections it opened.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	provider, err := newProvider(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Quotes = quote.NewCache(provider,
		quote.WithTTL(cfg.Quotes.TTL),
		quote.WithNegativeTTL(cfg.Quotes.NegativeTTL),
		quote.WithFetchTimeout(cfg.Quotes.FetchTimeout),
		quote.WithLogger(log),
	)

	cash, err := cfg.Trading.StartingCashDecimal()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = trade.NewEngine(st, a.Quotes, trade.Config{
		StartingCash: cash,
		MaxAttempts:  cfg.Trading.MaxAttempts,
		BaseBackoff:  cfg.Trading.BaseBackoff,
		MaxBackoff:   cfg.Trading.MaxBackoff,
	}, trade.WithLogger(log))

	policy, err := valuation.ParsePolicy(cfg.Valuation.Fallback)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Valuation = valuation.NewService(a.Engine, a.Quotes, policy,
		valuation.WithConcurrency(cfg.Valuation.Concurrency),
		valuation.WithLogger(log),
	)

	mode, err := leaderboard.ParseMode(cfg.Leaderboard.Mode)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ranker = leaderboard.NewRanker(st, a.Valuation,
		leaderboard.WithMode(mode),
		leaderboard.WithCandidateLimit(cfg.Leaderboard.CandidateLimit),
		leaderboard.WithConcurrency(cfg.Leaderboard.Concurrency),
		leaderboard.WithLogger(log),
	)

	log.Info("engine ready",
		"store", cfg.Storage.Driver,
		"redis_cache", cfg.Redis.URL != "",
		"quotes", cfg.Quotes.Provider,
		"valuation_fallback", policy,
		"leaderboard_mode", mode,
	)
	return a, nil
}

// Close releases store and cache connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config
	var st store.Store

	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st = ps
		a.Log.Info("connected to PostgreSQL")

	case "sqlite":
		ss, err := store.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { ss.Close() })
		st = ss
		a.Log.Info("opened SQLite store", "path", cfg.Storage.SQLitePath)

	default:
		a.Log.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		a.Log.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	}
	return st, nil
}

func newProvider(cfg *config.Config) (quote.Provider, error) {
	if cfg.Quotes.Provider == "alpaca" {
		return quote.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed), nil
	}
	prices, err := cfg.Quotes.StaticPrices()
	if err != nil {
		return nil, err
	}
	return quote.NewStaticProvider(prices), nil
}
