package quote_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/quote"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingProvider counts upstream calls and delegates to fn.
type countingProvider struct {
	calls atomic.Int32
	fn    func(ctx context.Context, symbol string) (model.Quote, error)
}

func (p *countingProvider) FetchPrice(ctx context.Context, symbol string) (model.Quote, error) {
	p.calls.Add(1)
	return p.fn(ctx, symbol)
}

func fixedPrice(price string) func(context.Context, string) (model.Quote, error) {
	return func(_ context.Context, symbol string) (model.Quote, error) {
		return model.Quote{Symbol: symbol, Price: d(price)}, nil
	}
}

func TestCache_ServesFreshEntriesFromCache(t *testing.T) {
	clock := newFakeClock()
	p := &countingProvider{fn: fixedPrice("187.5")}
	c := quote.NewCache(p, quote.WithTTL(10*time.Second), quote.WithClock(clock.Now))
	ctx := context.Background()

	q, err := c.GetPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("187.5")))
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, clock.Now(), q.FetchedAt)

	clock.Advance(9 * time.Second)
	_, err = c.GetPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls.Load(), "second lookup inside TTL should hit cache")

	clock.Advance(2 * time.Second)
	_, err = c.GetPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.calls.Load(), "expired entry should refetch")
}

func TestCache_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	p := &countingProvider{fn: func(_ context.Context, symbol string) (model.Quote, error) {
		<-release
		return model.Quote{Symbol: symbol, Price: d("42")}, nil
	}}
	c := quote.NewCache(p, quote.WithTTL(time.Minute))

	const callers = 20
	var wg sync.WaitGroup
	prices := make([]decimal.Decimal, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := c.GetPrice(context.Background(), "MSFT")
			prices[i], errs[i] = q.Price, err
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, p.calls.Load(), "concurrent misses must collapse into one fetch")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, prices[i].Equal(d("42")))
	}
}

func TestCache_WaiterCancellationDoesNotCancelFetch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var fetchCtxErr atomic.Value

	p := &countingProvider{fn: func(ctx context.Context, symbol string) (model.Quote, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			fetchCtxErr.Store(err)
		}
		return model.Quote{Symbol: symbol, Price: d("10")}, nil
	}}
	c := quote.NewCache(p, quote.WithTTL(time.Minute))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetPrice(firstCtx, "TSLA")
		firstErr <- err
	}()
	<-entered

	secondResult := make(chan model.Quote, 1)
	secondErr := make(chan error, 1)
	go func() {
		q, err := c.GetPrice(context.Background(), "TSLA")
		secondResult <- q
		secondErr <- err
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	assert.True(t, (<-secondResult).Price.Equal(d("10")))
	assert.Nil(t, fetchCtxErr.Load(), "shared fetch must not observe the first caller's cancellation")
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestCache_NegativeCache(t *testing.T) {
	clock := newFakeClock()
	boom := errors.New("upstream 503")
	p := &countingProvider{fn: func(context.Context, string) (model.Quote, error) {
		return model.Quote{}, boom
	}}
	c := quote.NewCache(p, quote.WithNegativeTTL(2*time.Second), quote.WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.GetPrice(ctx, "NVDA")
	require.Error(t, err)
	assert.ErrorIs(t, err, quote.ErrUnavailable)

	_, err = c.GetPrice(ctx, "NVDA")
	assert.ErrorIs(t, err, quote.ErrUnavailable)
	assert.EqualValues(t, 1, p.calls.Load(), "failure inside the negative window should not refetch")

	clock.Advance(2 * time.Second)
	p.fn = fixedPrice("900")
	q, err := c.GetPrice(ctx, "NVDA")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("900")))
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestCache_ZeroNegativeTTLRetriesImmediately(t *testing.T) {
	p := &countingProvider{fn: func(context.Context, string) (model.Quote, error) {
		return model.Quote{}, errors.New("timeout")
	}}
	c := quote.NewCache(p, quote.WithNegativeTTL(0))

	for i := 0; i < 3; i++ {
		_, err := c.GetPrice(context.Background(), "AMD")
		assert.ErrorIs(t, err, quote.ErrUnavailable)
	}
	assert.EqualValues(t, 3, p.calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCache_RejectsNonPositivePrice(t *testing.T) {
	p := &countingProvider{fn: fixedPrice("0")}
	c := quote.NewCache(p)

	_, err := c.GetPrice(context.Background(), "ZERO")
	assert.ErrorIs(t, err, quote.ErrUnavailable)
}

func TestCache_UnknownSymbol(t *testing.T) {
	c := quote.NewCache(quote.NewStaticProvider(map[string]decimal.Decimal{"AAPL": d("100")}))

	_, err := c.GetPrice(context.Background(), "NOPE")
	assert.ErrorIs(t, err, quote.ErrUnknownSymbol)
	assert.ErrorIs(t, err, quote.ErrUnavailable)
}

func TestCache_Invalidate(t *testing.T) {
	sp := quote.NewStaticProvider(map[string]decimal.Decimal{"AAPL": d("100")})
	c := quote.NewCache(sp, quote.WithTTL(time.Hour))
	ctx := context.Background()

	q, err := c.GetPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("100")))

	sp.Set("AAPL", d("120"))
	q, _ = c.GetPrice(ctx, "AAPL")
	assert.True(t, q.Price.Equal(d("100")), "cached price should survive until invalidated")

	c.Invalidate("AAPL")
	q, err = c.GetPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("120")))
}
