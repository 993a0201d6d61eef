// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvariant is returned by Account.Validate when an account state breaks
// the cash or holding invariants.
var ErrInvariant = errors.New("model: account invariant violated")

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known trade side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Holding is a user's current position in one ticker symbol.
type Holding struct {
	Symbol      string          `json:"symbol"`
	Shares      int64           `json:"shares"`
	AverageCost decimal.Decimal `json:"average_cost"` // volume-weighted per-share cost basis
}

// Account is the persisted trading state of one user. The store exclusively
// owns it; callers only ever see copies.
type Account struct {
	UserID      string             `json:"user_id"`
	CashBalance decimal.Decimal    `json:"cash_balance"`
	Holdings    map[string]Holding `json:"holdings"`
	Level       int                `json:"level"`   // leaderboard tier, immutable after creation
	Version     int64              `json:"version"` // bumped on every committed mutation
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NewAccount returns an account with the given starting cash and no holdings.
func NewAccount(userID string, level int, cash decimal.Decimal, now time.Time) *Account {
	return &Account{
		UserID:      userID,
		CashBalance: cash,
		Holdings:    make(map[string]Holding),
		Level:       level,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	c.Holdings = make(map[string]Holding, len(a.Holdings))
	for k, h := range a.Holdings {
		c.Holdings[k] = h
	}
	return &c
}

// Holding returns the position for symbol, if any.
func (a *Account) Holding(symbol string) (Holding, bool) {
	h, ok := a.Holdings[symbol]
	return h, ok
}

// SortedHoldings returns the holdings ordered by symbol.
func (a *Account) SortedHoldings() []Holding {
	out := make([]Holding, 0, len(a.Holdings))
	for _, h := range a.Holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Validate checks cashBalance >= 0 and that every holding has a positive
// share count, a non-negative cost basis and is keyed by its own symbol.
func (a *Account) Validate() error {
	if a.CashBalance.IsNegative() {
		return fmt.Errorf("%w: negative cash balance %s", ErrInvariant, a.CashBalance)
	}
	for key, h := range a.Holdings {
		if h.Shares <= 0 {
			return fmt.Errorf("%w: holding %s has %d shares", ErrInvariant, key, h.Shares)
		}
		if h.AverageCost.IsNegative() {
			return fmt.Errorf("%w: holding %s has negative average cost", ErrInvariant, key)
		}
		if key != h.Symbol {
			return fmt.Errorf("%w: holding keyed %s carries symbol %s", ErrInvariant, key, h.Symbol)
		}
	}
	return nil
}

// Quote is a point-in-time price for a symbol. Quotes are only ever cached,
// never persisted as a system of record.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// TradeRecord is an immutable audit entry written in the same transaction
// as the account update it describes.
type TradeRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`        // quote price at execution
	Amount      decimal.Decimal `json:"amount"`       // quantity * price
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // sells only
	CashAfter   decimal.Decimal `json:"cash_after"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Level returns a level filter for the given tier. Ranking and scan queries
// take a *int filter where nil means all levels.
func Level(l int) *int { return &l }

// MatchesLevel reports whether an account of the given level passes the filter.
func MatchesLevel(f *int, level int) bool {
	return f == nil || *f == level
}

// AccountSummary is the projection used by leaderboard queries.
type AccountSummary struct {
	UserID      string          `json:"user_id"`
	Level       int             `json:"level"`
	CashBalance decimal.Decimal `json:"cash_balance"`
}
