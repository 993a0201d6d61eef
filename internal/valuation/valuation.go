// Package valuation marks portfolios to market: cash plus every holding at
// its current quote. What happens when a quote cannot be resolved is a
// caller-selected Policy; a missing quote is never valued at zero.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
)

// Policy selects how positions without a live quote are valued.
type Policy string

const (
	// PolicyStaleCost values the position at its average cost and flags the
	// valuation as stale.
	PolicyStaleCost Policy = "stale_cost"
	// PolicyIndeterminate leaves the position out of the total and marks the
	// valuation partial; TotalValue is then a lower bound.
	PolicyIndeterminate Policy = "indeterminate"
)

// ErrUnknownPolicy is returned by ParsePolicy and ValuateWith.
var ErrUnknownPolicy = errors.New("valuation: unknown fallback policy")

// ParsePolicy validates a policy name. The empty string selects stale_cost.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyStaleCost:
		return PolicyStaleCost, nil
	case PolicyIndeterminate:
		return PolicyIndeterminate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// PriceSource is where live prices come from; *quote.Cache satisfies it.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (model.Quote, error)
}

// AccountReader loads an account for PortfolioValue. *trade.Engine
// satisfies it.
type AccountReader interface {
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
}

// Source says where a position's price came from.
type Source string

const (
	SourceLive      Source = "live"
	SourceStaleCost Source = "stale_cost"
	SourceMissing   Source = "missing"
)

// Position is one holding's contribution to a valuation.
type Position struct {
	Symbol        string          `json:"symbol"`
	Shares        int64           `json:"shares"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	Price         decimal.Decimal `json:"price"`          // zero when Source is missing
	MarketValue   decimal.Decimal `json:"market_value"`   // zero when Source is missing
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // zero unless Source is live
	Source        Source          `json:"source"`
	QuotedAt      time.Time       `json:"quoted_at,omitzero"`
}

// Valuation is the mark-to-market value of one account.
type Valuation struct {
	UserID        string          `json:"user_id"`
	Level         int             `json:"level"`
	Cash          decimal.Decimal `json:"cash"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Positions     []Position      `json:"positions"`
	Policy        Policy          `json:"policy"`

	// Stale lists symbols valued at average cost.
	Stale []string `json:"stale,omitempty"`
	// Indeterminate lists symbols left out of TotalValue.
	Indeterminate []string `json:"indeterminate,omitempty"`
	// Partial is set when TotalValue excludes at least one position.
	Partial bool `json:"partial"`

	ValuedAt time.Time `json:"valued_at"`
}

// Exact reports whether every position was priced from a live quote.
func (v *Valuation) Exact() bool {
	return len(v.Stale) == 0 && len(v.Indeterminate) == 0
}

// DefaultConcurrency bounds parallel quote lookups per valuation.
const DefaultConcurrency = 8

// Service computes valuations.
type Service struct {
	accounts    AccountReader
	quotes      PriceSource
	policy      Policy
	concurrency int
	now         func() time.Time
	log         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithConcurrency bounds parallel quote lookups per valuation.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the ValuedAt time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService creates a valuation service. An empty policy means stale_cost.
func NewService(accounts AccountReader, quotes PriceSource, policy Policy, opts ...Option) *Service {
	if policy == "" {
		policy = PolicyStaleCost
	}
	s := &Service{
		accounts:    accounts,
		quotes:      quotes,
		policy:      policy,
		concurrency: DefaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "valuation")
	return s
}

// Policy returns the configured fallback policy.
func (s *Service) Policy() Policy { return s.policy }

// PortfolioValue loads the account and values it.
func (s *Service) PortfolioValue(ctx context.Context, userID string) (*Valuation, error) {
	a, err := s.accounts.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Valuate(ctx, a)
}

// Valuate values a snapshot using the service's policy.
func (s *Service) Valuate(ctx context.Context, a *model.Account) (*Valuation, error) {
	return s.ValuateWith(ctx, a, s.policy)
}

// ValuateWith values a snapshot with an explicit fallback policy. Quote
// failures are absorbed by the policy; the errors returned are
// ErrUnknownPolicy and ctx's.
func (s *Service) ValuateWith(ctx context.Context, a *model.Account, policy Policy) (*Valuation, error) {
	policy, err := ParsePolicy(string(policy))
	if err != nil {
		return nil, err
	}
	holdings := a.SortedHoldings()
	positions := make([]Position, len(holdings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, h := range holdings {
		g.Go(func() error {
			q, err := s.quotes.GetPrice(gctx, h.Symbol)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				positions[i] = s.fallback(h, policy, err)
				return nil
			}
			positions[i] = livePosition(h, q)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v := &Valuation{
		UserID:        a.UserID,
		Level:         a.Level,
		Cash:          a.CashBalance,
		HoldingsValue: decimal.Zero,
		Positions:     positions,
		Policy:        policy,
		ValuedAt:      s.now(),
	}
	for _, p := range positions {
		switch p.Source {
		case SourceStaleCost:
			v.Stale = append(v.Stale, p.Symbol)
		case SourceMissing:
			v.Indeterminate = append(v.Indeterminate, p.Symbol)
			continue
		}
		v.HoldingsValue = v.HoldingsValue.Add(p.MarketValue)
	}
	v.Partial = len(v.Indeterminate) > 0
	v.TotalValue = v.Cash.Add(v.HoldingsValue)
	return v, nil
}

func livePosition(h model.Holding, q model.Quote) Position {
	shares := decimal.NewFromInt(h.Shares)
	mv := shares.Mul(q.Price)
	return Position{
		Symbol:        h.Symbol,
		Shares:        h.Shares,
		AverageCost:   h.AverageCost,
		Price:         q.Price,
		MarketValue:   mv,
		UnrealizedPnL: mv.Sub(shares.Mul(h.AverageCost)),
		Source:        SourceLive,
		QuotedAt:      q.FetchedAt,
	}
}

func (s *Service) fallback(h model.Holding, policy Policy, cause error) Position {
	metrics.ValuationFallbacks.WithLabelValues(string(policy)).Inc()
	s.log.Warn("valuing position without live quote", "symbol", h.Symbol, "policy", policy, "err", cause)

	p := Position{
		Symbol:        h.Symbol,
		Shares:        h.Shares,
		AverageCost:   h.AverageCost,
		Price:         decimal.Zero,
		MarketValue:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		Source:        SourceMissing,
	}
	if policy == PolicyStaleCost {
		p.Price = h.AverageCost
		p.MarketValue = decimal.NewFromInt(h.Shares).Mul(h.AverageCost)
		p.Source = SourceStaleCost
	}
	return p
}
