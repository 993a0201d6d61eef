package quote

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// latestTrader is the slice of the Alpaca market-data client this package uses.
type latestTrader interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaProvider prices symbols from the last trade reported by the Alpaca
// market-data API.
type AlpacaProvider struct {
	client latestTrader
	feed   marketdata.Feed
}

// NewAlpacaProvider creates a provider using the given credentials. An empty
// dataURL uses the client's default endpoint; an empty feed uses the
// account's default feed.
func NewAlpacaProvider(apiKey, apiSecret, dataURL, feed string) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaProvider{
		client: marketdata.NewClient(opts),
		feed:   marketdata.Feed(feed),
	}
}

// The Alpaca client is not context aware; the call runs in its own
// goroutine and is abandoned if ctx ends first.
func (p *AlpacaProvider) FetchPrice(ctx context.Context, symbol string) (model.Quote, error) {
	type result struct {
		trade *marketdata.Trade
		err   error
	}
	done := make(chan result, 1)
	go func() {
		t, err := p.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: p.feed})
		done <- result{t, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, ctx.Err())
	}

	if r.err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, r.err)
	}
	if r.trade == nil {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return model.Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(r.trade.Price),
		FetchedAt: r.trade.Timestamp.UTC(),
	}, nil
}
