package app_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/portfolio-engine/internal/app"
	"github.com/papertrade/portfolio-engine/internal/config"
	"github.com/papertrade/portfolio-engine/internal/store"
)

func TestNew_MemoryStaticEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Quotes.Static = map[string]string{"aapl": "100"}
	var logs bytes.Buffer
	a, err := app.New(context.Background(), cfg, app.NewLogger(cfg.Logging, &logs))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	_, err = a.Engine.OpenAccount(ctx, "alice", 0)
	require.NoError(t, err)
	_, err = a.Engine.Buy(ctx, "alice", "AAPL", 10)
	require.NoError(t, err)

	v, err := a.Valuation.PortfolioValue(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "100000", v.TotalValue.String())

	b, err := a.Ranker.Rank(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, "$99,000.00", b.Entries[0].DisplayValue)

	assert.Contains(t, logs.String(), "engine ready")
}

func TestNew_SQLiteWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "engine.db")
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Logging.Format = "text"

	a, err := app.New(context.Background(), cfg, app.NewLogger(cfg.Logging, &bytes.Buffer{}))
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Store.(*store.CachedStore)
	assert.True(t, ok, "redis url should wrap the store in the cache")

	_, err = a.Engine.OpenAccount(context.Background(), "bob", 1)
	require.NoError(t, err)
	assert.False(t, mr.Exists("account:bob"), "writes invalidate rather than fill")

	_, err = a.Engine.GetAccount(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, mr.Exists("account:bob"))
}

func TestNew_BadRedisURL(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.URL = "not a url"
	_, err := app.New(context.Background(), cfg, app.NewLogger(cfg.Logging, &bytes.Buffer{}))
	assert.Error(t, err)
}
