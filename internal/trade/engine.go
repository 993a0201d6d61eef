// Package trade is the trading engine: it validates and executes buys and
// sells against one account at a time, maintaining cash and cost-basis
// invariants under concurrent access.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/symbol"
)

// PriceSource resolves the execution price for a symbol. *quote.Cache
// satisfies it.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (model.Quote, error)
}

// Config holds the engine's tunables.
type Config struct {
	StartingCash decimal.Decimal
	MaxAttempts  int           // transaction attempts before ErrContention
	BaseBackoff  time.Duration // first retry delay, doubled per attempt with jitter
	MaxBackoff   time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		StartingCash: decimal.NewFromInt(100000),
		MaxAttempts:  5,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   200 * time.Millisecond,
	}
}

// TradeResult is the confirmation returned by Buy and Sell.
type TradeResult struct {
	Trade   model.TradeRecord `json:"trade"`
	Account *model.Account    `json:"account"`
	// Holding is the position after the trade; nil when a sell closed it.
	Holding     *model.Holding  `json:"holding,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Engine executes trades. It holds no account state between calls: every
// operation re-reads the account inside a store transaction, and a
// transaction that loses a race is retried from a fresh read.
type Engine struct {
	store  store.Store
	quotes PriceSource
	cfg    Config
	now    func() time.Time
	log    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source for trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates a trading engine. Zero-valued config fields take their
// defaults.
func NewEngine(st store.Store, quotes PriceSource, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.BaseBackoff)
	}
	if cfg.StartingCash.IsNegative() {
		cfg.StartingCash = decimal.Zero
	}

	e := &Engine{
		store:  st,
		quotes: quotes,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "trade-engine")
	return e
}

// OpenAccount creates an account with the configured starting cash and no
// holdings. level is fixed for the account's lifetime.
func (e *Engine) OpenAccount(ctx context.Context, userID string, level int) (*model.Account, error) {
	userID = normalizeUser(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidAccount)
	}
	if level < 0 {
		return nil, fmt.Errorf("%w: level must be >= 0", ErrInvalidAccount)
	}

	acct := model.NewAccount(userID, level, e.cfg.StartingCash, e.now())
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		return nil, mapStoreErr(err, userID)
	}
	e.log.Info("account opened", "user", userID, "level", level, "cash", acct.CashBalance.String())
	return acct, nil
}

// GetAccount returns a read-only snapshot of an account.
func (e *Engine) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	userID = normalizeUser(userID)
	a, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err, userID)
	}
	return a, nil
}

// History returns up to limit trades for a user, newest first.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	userID = normalizeUser(userID)
	if _, err := e.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	trades, err := e.store.ListTrades(ctx, userID, limit)
	if err != nil {
		return nil, mapStoreErr(err, userID)
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	return trades, nil
}

// Buy purchases quantity shares of sym at the current quote.
func (e *Engine) Buy(ctx context.Context, userID, sym string, quantity int64) (*TradeResult, error) {
	return e.execute(ctx, model.SideBuy, userID, sym, quantity)
}

// Sell disposes of quantity shares of sym at the current quote.
func (e *Engine) Sell(ctx context.Context, userID, sym string, quantity int64) (*TradeResult, error) {
	return e.execute(ctx, model.SideSell, userID, sym, quantity)
}

func (e *Engine) execute(ctx context.Context, side model.Side, userID, sym string, quantity int64) (res *TradeResult, err error) {
	start := time.Now()
	defer func() {
		metrics.TradesTotal.WithLabelValues(string(side), outcome(err)).Inc()
		metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	}()

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	userID = normalizeUser(userID)
	sym, err = symbol.Normalize(sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSymbol, err)
	}

	q, err := e.quotes.GetPrice(ctx, sym)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrQuoteUnavailable, err)
	}
	price := q.Price

	tradeID := uuid.NewString()
	var committed *model.TradeRecord
	mutate := func(a *model.Account) (*model.TradeRecord, error) {
		var rec *model.TradeRecord
		var err error
		if side == model.SideBuy {
			rec, err = applyBuy(a, sym, quantity, price)
		} else {
			rec, err = applySell(a, sym, quantity, price)
		}
		if err != nil {
			return nil, err
		}
		stamp(rec, tradeID, e.now())
		committed = rec
		return rec, nil
	}

	acct, err := e.runWithRetry(ctx, userID, mutate)
	if err != nil {
		return nil, err
	}

	res = &TradeResult{
		Trade:       *committed,
		Account:     acct,
		RealizedPnL: committed.RealizedPnL,
	}
	if h, ok := acct.Holding(sym); ok {
		res.Holding = &h
	}

	metrics.TradeVolume.WithLabelValues(sym, string(side)).Add(float64(quantity))
	e.log.Info("trade executed",
		"trade_id", tradeID,
		"user", userID,
		"symbol", sym,
		"side", side,
		"qty", quantity,
		"price", price.String(),
		"amount", committed.Amount.String(),
		"cash_after", acct.CashBalance.String(),
	)
	return res, nil
}

// runWithRetry runs fn in a store transaction, retrying with jittered
// exponential backoff while the store reports a lost race or a transient
// outage. Domain errors from fn end the loop immediately.
func (e *Engine) runWithRetry(ctx context.Context, userID string, fn store.Mutation) (*model.Account, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = e.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1)), ctx)

	var acct *model.Account
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		a, err := e.store.RunTransaction(ctx, userID, fn)
		switch {
		case err == nil:
			acct = a
			return nil
		case errors.Is(err, store.ErrConflict):
			metrics.TradeRetries.Inc()
			e.log.Debug("transaction conflict", "user", userID, "attempt", attempts, "err", err)
			return err
		case errors.Is(err, store.ErrUnavailable):
			e.log.Debug("store unavailable", "user", userID, "attempt", attempts, "err", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy)
	if err == nil {
		return acct, nil
	}

	if errors.Is(err, store.ErrConflict) {
		e.log.Warn("account contention", "user", userID, "attempts", attempts)
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrContention, userID, attempts)
	}
	return nil, mapStoreErr(err, userID)
}

// normalizeUser applies the same user id form on every entry point, so an
// account opened as " alice" is reachable as "alice".
func normalizeUser(userID string) string {
	return strings.TrimSpace(userID)
}

// mapStoreErr translates store sentinels into the engine's taxonomy. Domain
// errors raised inside a mutation pass through unchanged.
func mapStoreErr(err error, userID string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	case errors.Is(err, store.ErrExists):
		return fmt.Errorf("%w: %s", ErrAccountExists, userID)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s", ErrContention, userID)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
