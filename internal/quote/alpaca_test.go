package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrader struct {
	trades map[string]*marketdata.Trade
	err    error
	block  chan struct{}
}

func (f *fakeTrader) GetLatestTrade(symbol string, _ marketdata.GetLatestTradeRequest) (*marketdata.Trade, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.trades[symbol], nil
}

func TestAlpacaProvider_FetchPrice(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	p := &AlpacaProvider{client: &fakeTrader{trades: map[string]*marketdata.Trade{
		"AAPL": {Price: 179.66, Timestamp: ts},
	}}}

	q, err := p.FetchPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, "179.66", q.Price.String())
	assert.Equal(t, ts, q.FetchedAt)
}

func TestAlpacaProvider_UnknownSymbol(t *testing.T) {
	p := &AlpacaProvider{client: &fakeTrader{trades: map[string]*marketdata.Trade{}}}

	_, err := p.FetchPrice(context.Background(), "XYZQ")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestAlpacaProvider_UpstreamError(t *testing.T) {
	p := &AlpacaProvider{client: &fakeTrader{err: errors.New("429 too many requests")}}

	_, err := p.FetchPrice(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrUnknownSymbol)
}

func TestAlpacaProvider_ContextDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := &AlpacaProvider{client: &fakeTrader{block: block}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.FetchPrice(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrUnavailable)
}
