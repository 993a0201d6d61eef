// Package quote resolves current prices for ticker symbols. Providers talk to
// a market-data source; Cache sits in front of a Provider and is what the
// rest of the engine reads from.
package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

var (
	// ErrUnavailable means no usable price could be obtained for a symbol.
	ErrUnavailable = errors.New("quote: price unavailable")

	// ErrUnknownSymbol is returned for symbols the provider does not list.
	ErrUnknownSymbol = fmt.Errorf("%w: unknown symbol", ErrUnavailable)
)

// Provider fetches a current price for one symbol. Implementations return
// an error wrapping ErrUnavailable when no price can be produced, including
// for unknown symbols.
type Provider interface {
	FetchPrice(ctx context.Context, symbol string) (model.Quote, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, symbol string) (model.Quote, error)

func (f ProviderFunc) FetchPrice(ctx context.Context, symbol string) (model.Quote, error) {
	return f(ctx, symbol)
}

// StaticProvider serves prices from an in-memory table. Used by tests, the
// CLI's offline mode and the default development config.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticProvider creates a provider seeded with the given prices.
func NewStaticProvider(prices map[string]decimal.Decimal) *StaticProvider {
	p := &StaticProvider{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, price := range prices {
		p.prices[sym] = price
	}
	return p
}

// Set updates (or adds) the price for a symbol.
func (p *StaticProvider) Set(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// Remove deletes a symbol so later fetches report it as unknown.
func (p *StaticProvider) Remove(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, symbol)
}

func (p *StaticProvider) FetchPrice(ctx context.Context, symbol string) (model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return model.Quote{}, err
	}
	p.mu.RLock()
	price, ok := p.prices[symbol]
	p.mu.RUnlock()
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return model.Quote{Symbol: symbol, Price: price, FetchedAt: time.Now().UTC()}, nil
}
