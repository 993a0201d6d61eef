// Package leaderboard ranks accounts by value.
//
// Rankings are eventually consistent: they read whatever the store returns
// at query time and take no locks against in-flight trades.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// Mode selects what accounts are ranked by.
type Mode string

const (
	// ModeCash ranks by cash balance using the store's sorted query.
	ModeCash Mode = "cash"
	// ModeMarkToMarket values a bounded candidate set at current quotes and
	// ranks by total value.
	ModeMarkToMarket Mode = "mark_to_market"
)

const (
	DefaultLimit          = 10
	MaxLimit              = 500
	DefaultCandidateLimit = 500
	DefaultConcurrency    = 8
)

var (
	// ErrUnavailable is returned when neither the sorted query nor the scan
	// fallback could produce a ranking.
	ErrUnavailable = errors.New("leaderboard: ranking unavailable")

	ErrUnknownMode = errors.New("leaderboard: unknown mode")
)

// ParseMode validates a mode name. The empty string selects cash.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCash:
		return ModeCash, nil
	case ModeMarkToMarket:
		return ModeMarkToMarket, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Source is the slice of store.Store the ranker reads.
type Source interface {
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	QueryTopByValue(ctx context.Context, level *int, limit int) ([]model.AccountSummary, error)
	ScanAccounts(ctx context.Context, level *int, limit int) ([]*model.Account, error)
}

// Valuer marks one account to market; *valuation.Service satisfies it.
type Valuer interface {
	Valuate(ctx context.Context, a *model.Account) (*valuation.Valuation, error)
}

// Entry is one ranked account. Rank is 1-based within the returned view,
// for level-filtered views as well as the global one.
type Entry struct {
	Rank         int             `json:"rank"`
	UserID       string          `json:"user_id"`
	Level        int             `json:"level"`
	Value        decimal.Decimal `json:"value"`
	DisplayValue string          `json:"display_value"`
	// Partial is set when the value excludes positions with no quote.
	Partial bool `json:"partial,omitempty"`
}

// Board is a ranked view.
type Board struct {
	Entries []Entry `json:"entries"`
	Level   *int    `json:"level,omitempty"`
	Mode    Mode    `json:"mode"`
	// Approximate is set when the ranking was built from a bounded scan
	// rather than a complete sorted query.
	Approximate bool      `json:"approximate"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Ranker builds leaderboards.
type Ranker struct {
	source         Source
	valuer         Valuer
	mode           Mode
	candidateLimit int
	concurrency    int
	now            func() time.Time
	log            *slog.Logger
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithMode sets the ranking mode. Mark-to-market needs a Valuer.
func WithMode(m Mode) Option {
	return func(r *Ranker) { r.mode = m }
}

// WithCandidateLimit bounds how many accounts a scan or valuation pass reads.
func WithCandidateLimit(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.candidateLimit = n
		}
	}
}

// WithConcurrency bounds parallel valuations in mark-to-market mode.
func WithConcurrency(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides the GeneratedAt time source.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) { r.now = now }
}

// WithLogger sets the ranker logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Ranker) { r.log = l }
}

// NewRanker creates a ranker. valuer may be nil in cash mode.
func NewRanker(source Source, valuer Valuer, opts ...Option) *Ranker {
	r := &Ranker{
		source:         source,
		valuer:         valuer,
		mode:           ModeCash,
		candidateLimit: DefaultCandidateLimit,
		concurrency:    DefaultConcurrency,
		now:            func() time.Time { return time.Now().UTC() },
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mode == ModeMarkToMarket && r.valuer == nil {
		r.mode = ModeCash
	}
	r.log = r.log.With("component", "leaderboard")
	return r
}

// Mode returns the effective ranking mode.
func (r *Ranker) Mode() Mode { return r.mode }

// Rank returns at most limit entries ordered by value descending, ties
// broken by user id ascending. level == nil ranks across all levels.
// limit <= 0 selects DefaultLimit; limits above MaxLimit are clamped.
func (r *Ranker) Rank(ctx context.Context, level *int, limit int) (*Board, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	var (
		entries []Entry
		approx  bool
		err     error
	)
	if r.mode == ModeMarkToMarket {
		entries, approx, err = r.rankMarkToMarket(ctx, level, limit)
	} else {
		entries, approx, err = r.rankCash(ctx, level, limit)
	}
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Rank = i + 1
		entries[i].DisplayValue = model.DisplayUSD(entries[i].Value)
	}
	return &Board{
		Entries:     entries,
		Level:       level,
		Mode:        r.mode,
		Approximate: approx,
		GeneratedAt: r.now(),
	}, nil
}

func (r *Ranker) rankCash(ctx context.Context, level *int, limit int) ([]Entry, bool, error) {
	rows, err := r.source.QueryTopByValue(ctx, level, limit)
	if err == nil {
		entries := make([]Entry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, Entry{UserID: row.UserID, Level: row.Level, Value: row.CashBalance})
		}
		// Sorted again so the tie-break holds regardless of backend collation.
		sortEntries(entries)
		return entries, false, nil
	}
	if !errors.Is(err, store.ErrRankingUnavailable) {
		return nil, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	accounts, err := r.scan(ctx, level, err)
	if err != nil {
		return nil, false, err
	}
	entries := make([]Entry, 0, len(accounts))
	for _, a := range accounts {
		entries = append(entries, Entry{UserID: a.UserID, Level: a.Level, Value: a.CashBalance})
	}
	sortEntries(entries)
	return truncate(entries, limit), true, nil
}

// rankMarkToMarket values candidates concurrently and ranks by total value.
// Candidates are the top accounts by cash when the sorted query works, or
// a bounded scan otherwise; accounts outside the candidate set are not
// considered, so the result is approximate once the set is full.
func (r *Ranker) rankMarkToMarket(ctx context.Context, level *int, limit int) ([]Entry, bool, error) {
	cands, approx, err := r.candidates(ctx, level)
	if err != nil {
		return nil, false, err
	}

	valued := make([]*Entry, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, c := range cands {
		g.Go(func() error {
			a := c.account
			if a == nil {
				var err error
				a, err = r.source.GetAccount(gctx, c.userID)
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
			}
			v, err := r.valuer.Valuate(gctx, a)
			if err != nil {
				return err
			}
			valued[i] = &Entry{UserID: a.UserID, Level: a.Level, Value: v.TotalValue, Partial: v.Partial}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	entries := make([]Entry, 0, len(valued))
	for _, e := range valued {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	sortEntries(entries)
	return truncate(entries, limit), approx || len(cands) >= r.candidateLimit, nil
}

type candidate struct {
	userID  string
	account *model.Account // nil until loaded
}

func (r *Ranker) candidates(ctx context.Context, level *int) ([]candidate, bool, error) {
	rows, err := r.source.QueryTopByValue(ctx, level, r.candidateLimit)
	if err == nil {
		out := make([]candidate, len(rows))
		for i, row := range rows {
			out[i] = candidate{userID: row.UserID}
		}
		return out, false, nil
	}
	if !errors.Is(err, store.ErrRankingUnavailable) {
		return nil, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	accounts, err := r.scan(ctx, level, err)
	if err != nil {
		return nil, false, err
	}
	out := make([]candidate, len(accounts))
	for i, a := range accounts {
		out[i] = candidate{userID: a.UserID, account: a}
	}
	return out, true, nil
}

func (r *Ranker) scan(ctx context.Context, level *int, cause error) ([]*model.Account, error) {
	metrics.LeaderboardFallbacks.Inc()
	r.log.Warn("sorted ranking query unavailable, scanning", "limit", r.candidateLimit, "err", cause)

	accounts, err := r.source.ScanAccounts(ctx, level, r.candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: scan fallback: %w", ErrUnavailable, err)
	}
	return accounts, nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].Value.Cmp(entries[j].Value); c != 0 {
			return c > 0
		}
		return entries[i].UserID < entries[j].UserID
	})
}

func truncate(entries []Entry, limit int) []Entry {
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
