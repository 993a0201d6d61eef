package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
)

const (
	DefaultTTL          = 10 * time.Second
	DefaultNegativeTTL  = 2 * time.Second
	DefaultFetchTimeout = 5 * time.Second
)

// Cache wraps a Provider with a short-TTL price cache.
//
// Concurrent misses for the same symbol share one upstream fetch. The fetch
// runs detached from the caller that started it, so a waiter that gives up
// does not abort the request the other waiters are blocked on. Failed
// fetches are remembered for the negative TTL; a zero negative TTL sends
// the next request straight back upstream.
type Cache struct {
	provider     Provider
	ttl          time.Duration
	negativeTTL  time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	quote   model.Quote
	err     error
	expires time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long successful quotes are served from cache.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithNegativeTTL sets how long a failed lookup is remembered.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *Cache) { c.negativeTTL = d }
}

// WithFetchTimeout bounds each upstream fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for upstream failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// NewCache creates a cache in front of provider.
func NewCache(provider Provider, opts ...Option) *Cache {
	c := &Cache{
		provider:     provider,
		ttl:          DefaultTTL,
		negativeTTL:  DefaultNegativeTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		log:          slog.Default(),
		entries:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "quote-cache")
	return c
}

// GetPrice returns a quote for symbol, from cache when fresh. Errors wrap
// ErrUnavailable, except when ctx ends first, in which case ctx.Err() is
// returned and the shared fetch keeps running for the other waiters.
func (c *Cache) GetPrice(ctx context.Context, symbol string) (model.Quote, error) {
	if e, ok := c.lookup(symbol); ok {
		if e.err != nil {
			metrics.QuoteCacheResults.WithLabelValues("negative_hit").Inc()
			return model.Quote{}, e.err
		}
		metrics.QuoteCacheResults.WithLabelValues("hit").Inc()
		return e.quote, nil
	}

	ch := c.group.DoChan(symbol, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, symbol)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.QuoteCacheResults.WithLabelValues("shared").Inc()
		} else {
			metrics.QuoteCacheResults.WithLabelValues("miss").Inc()
		}
		if res.Err != nil {
			return model.Quote{}, res.Err
		}
		return res.Val.(model.Quote), nil
	case <-ctx.Done():
		return model.Quote{}, ctx.Err()
	}
}

// Invalidate drops any cached result for symbol.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, symbol)
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(symbol string) (cacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *Cache) fetch(ctx context.Context, symbol string) (model.Quote, error) {
	// A flight that finished just before this one started may have filled
	// the entry already.
	if e, ok := c.lookup(symbol); ok {
		return e.quote, e.err
	}

	start := time.Now()
	q, err := c.provider.FetchPrice(ctx, symbol)
	if err == nil && !q.Price.IsPositive() {
		err = fmt.Errorf("non-positive price %s", q.Price)
	}
	if err != nil {
		metrics.QuoteFetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
		}
		c.log.Warn("quote fetch failed", "symbol", symbol, "err", err)
		if c.negativeTTL > 0 {
			c.put(symbol, cacheEntry{err: err, expires: c.now().Add(c.negativeTTL)})
		}
		return model.Quote{}, err
	}
	metrics.QuoteFetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	q.Symbol = symbol
	if q.FetchedAt.IsZero() {
		q.FetchedAt = c.now()
	}
	c.put(symbol, cacheEntry{quote: q, expires: c.now().Add(c.ttl)})
	return q, nil
}

func (c *Cache) put(symbol string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = e
}
