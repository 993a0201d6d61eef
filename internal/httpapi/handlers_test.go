package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/httpapi"
	"github.com/papertrade/portfolio-engine/internal/leaderboard"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/trade"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	prices *quote.StaticProvider
	quotes *quote.Cache
	router chi.Router
}

// newTestEnv wires an engine over an in-memory store and static prices.
func newTestEnv(t *testing.T, hub *httpapi.WSHub) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	prices := quote.NewStaticProvider(map[string]decimal.Decimal{
		"AAPL": d(100),
		"MSFT": d(400),
	})
	cache := quote.NewCache(prices, quote.WithNegativeTTL(0))

	cfg := trade.DefaultConfig()
	cfg.StartingCash = d(10000)
	cfg.BaseBackoff = time.Millisecond
	engine := trade.NewEngine(ms, cache, cfg)
	val := valuation.NewService(engine, cache, valuation.PolicyStaleCost)
	ranker := leaderboard.NewRanker(ms, val)

	h := httpapi.NewHandler(engine, val, ranker, cache, hub)
	return &testEnv{
		store:  ms,
		prices: prices,
		quotes: cache,
		router: httpapi.NewRouter(h, 5*time.Second),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) open(t *testing.T, user string, level int) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: user, Level: level})
	if w.Code != http.StatusCreated {
		t.Fatalf("open %s: expected 201, got %d: %s", user, w.Code, w.Body.String())
	}
}

func (e *testEnv) buy(t *testing.T, user, sym string, qty int64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/trade/buy", httpapi.TradeRequest{UserID: user, Symbol: sym, Quantity: qty})
}

func (e *testEnv) sell(t *testing.T, user, sym string, qty int64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/trade/sell", httpapi.TradeRequest{UserID: user, Symbol: sym, Quantity: qty})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

// --- Account tests ---

func TestOpenAccount(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "alice", Level: 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[httpapi.AccountResponse](t, w)
	if resp.CashBalance != "10000" || resp.Level != 2 {
		t.Errorf("unexpected account: %+v", resp)
	}
	if resp.DisplayCash != "$10,000.00" {
		t.Errorf("display cash = %q", resp.DisplayCash)
	}
	if resp.Holdings == nil || len(resp.Holdings) != 0 {
		t.Errorf("holdings should be an empty list, got %v", resp.Holdings)
	}

	w = env.do(t, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/accounts", httpapi.OpenAccountRequest{UserID: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank user: expected 400, got %d", w.Code)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/api/v1/accounts/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "account not found") {
		t.Errorf("body = %s", w.Body.String())
	}
}

// --- Trade execution tests ---

func TestBuy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "alice", 0)

	w := env.buy(t, "alice", "aapl", 10)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[trade.TradeResult](t, w)
	if res.Trade.ID == "" {
		t.Error("expected non-empty trade id")
	}
	if res.Trade.Symbol != "AAPL" {
		t.Errorf("symbol should be normalized, got %q", res.Trade.Symbol)
	}
	if !res.Account.CashBalance.Equal(d(9000)) {
		t.Errorf("cash = %s, want 9000", res.Account.CashBalance)
	}
	if res.Holding == nil || res.Holding.Shares != 10 || !res.Holding.AverageCost.Equal(d(100)) {
		t.Errorf("holding = %+v", res.Holding)
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice", nil)
	acct := decode[httpapi.AccountResponse](t, w)
	if len(acct.Holdings) != 1 || acct.Holdings[0].Symbol != "AAPL" {
		t.Errorf("holdings = %+v", acct.Holdings)
	}
}

func TestSell_ClosesPosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "alice", 0)
	if w := env.buy(t, "alice", "AAPL", 10); w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}

	env.prices.Set("AAPL", d(120))
	env.quotes.Invalidate("AAPL")

	w := env.sell(t, "alice", "AAPL", 10)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[trade.TradeResult](t, w)
	if res.Holding != nil {
		t.Errorf("position should be closed, got %+v", res.Holding)
	}
	if !res.RealizedPnL.Equal(d(200)) {
		t.Errorf("realized pnl = %s, want 200", res.RealizedPnL)
	}
	if !res.Account.CashBalance.Equal(d(10200)) {
		t.Errorf("cash = %s, want 10200", res.Account.CashBalance)
	}
}

func TestTradeErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "alice", 0)

	tests := []struct {
		name   string
		do     func() *httptest.ResponseRecorder
		status int
	}{
		{"insufficient funds", func() *httptest.ResponseRecorder { return env.buy(t, "alice", "MSFT", 26) }, http.StatusUnprocessableEntity},
		{"insufficient shares", func() *httptest.ResponseRecorder { return env.sell(t, "alice", "AAPL", 1) }, http.StatusUnprocessableEntity},
		{"zero quantity", func() *httptest.ResponseRecorder { return env.buy(t, "alice", "AAPL", 0) }, http.StatusBadRequest},
		{"negative quantity", func() *httptest.ResponseRecorder { return env.sell(t, "alice", "AAPL", -3) }, http.StatusBadRequest},
		{"bad symbol", func() *httptest.ResponseRecorder { return env.buy(t, "alice", "$$$", 1) }, http.StatusBadRequest},
		{"unknown symbol", func() *httptest.ResponseRecorder { return env.buy(t, "alice", "ZZZZ", 1) }, http.StatusNotFound},
		{"missing account", func() *httptest.ResponseRecorder { return env.buy(t, "bob", "AAPL", 1) }, http.StatusNotFound},
		{"missing user id", func() *httptest.ResponseRecorder { return env.buy(t, "", "AAPL", 1) }, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.do()
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	// None of the failures may have touched the account.
	w := env.do(t, "GET", "/api/v1/accounts/alice", nil)
	acct := decode[httpapi.AccountResponse](t, w)
	if acct.CashBalance != "10000" || len(acct.Holdings) != 0 || acct.Version != 0 {
		t.Errorf("account changed by failed trades: %+v", acct)
	}
}

func TestTrade_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/trade/buy", strings.NewReader("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetTrades(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "alice", 0)
	env.buy(t, "alice", "AAPL", 1)
	env.buy(t, "alice", "MSFT", 1)
	env.sell(t, "alice", "AAPL", 1)

	w := env.do(t, "GET", "/api/v1/accounts/alice/trades?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	trades := decode[[]model.TradeRecord](t, w)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].Side != model.SideSell || trades[0].Symbol != "AAPL" {
		t.Errorf("newest trade should be the AAPL sell, got %+v", trades[0])
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice/trades?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/accounts/ghost/trades", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing account: expected 404, got %d", w.Code)
	}
}

// --- Valuation tests ---

func TestGetValue_Policies(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "alice", 0)
	env.buy(t, "alice", "AAPL", 10) // 1000 at cost
	env.buy(t, "alice", "MSFT", 5)  // 2000 at cost

	env.prices.Set("AAPL", d(150))
	env.quotes.Invalidate("AAPL")
	env.prices.Remove("MSFT")
	env.quotes.Invalidate("MSFT")

	w := env.do(t, "GET", "/api/v1/accounts/alice/value", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	v := decode[valuation.Valuation](t, w)
	// 7000 cash + 1500 live AAPL + 2000 MSFT at cost.
	if !v.TotalValue.Equal(d(10500)) {
		t.Errorf("stale_cost total = %s, want 10500", v.TotalValue)
	}
	if v.Partial || len(v.Stale) != 1 || v.Stale[0] != "MSFT" {
		t.Errorf("stale_cost flags: partial=%v stale=%v", v.Partial, v.Stale)
	}
	if exact := decode[httpapi.ValueResponse](t, env.do(t, "GET", "/api/v1/accounts/alice/value", nil)).Exact; exact {
		t.Error("a valuation with a stale position should not be exact")
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice/value?policy=indeterminate", nil)
	v = decode[valuation.Valuation](t, w)
	if !v.TotalValue.Equal(d(8500)) {
		t.Errorf("indeterminate total = %s, want 8500", v.TotalValue)
	}
	if !v.Partial || len(v.Indeterminate) != 1 || v.Indeterminate[0] != "MSFT" {
		t.Errorf("indeterminate flags: partial=%v indeterminate=%v", v.Partial, v.Indeterminate)
	}

	env.prices.Set("MSFT", d(400))
	env.quotes.Invalidate("MSFT")
	live := decode[httpapi.ValueResponse](t, env.do(t, "GET", "/api/v1/accounts/alice/value", nil))
	if !live.Exact || !live.TotalValue.Equal(d(10500)) {
		t.Errorf("all-live valuation: exact=%v total=%s", live.Exact, live.TotalValue)
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice/value?policy=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad policy: expected 400, got %d", w.Code)
	}
}

// --- Leaderboard tests ---

func TestGetLeaderboard(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "alice", 1)
	env.open(t, "bob", 1)
	env.open(t, "carol", 2)
	env.buy(t, "alice", "AAPL", 10) // alice cash 9000

	w := env.do(t, "GET", "/api/v1/leaderboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	board := decode[leaderboard.Board](t, w)
	got := make([]string, len(board.Entries))
	for i, e := range board.Entries {
		got[i] = e.UserID
	}
	// bob and carol tie on cash; userId breaks the tie.
	if strings.Join(got, ",") != "bob,carol,alice" {
		t.Errorf("global order = %v", got)
	}

	w = env.do(t, "GET", "/api/v1/leaderboard?level=1&limit=1", nil)
	board = decode[leaderboard.Board](t, w)
	if len(board.Entries) != 1 || board.Entries[0].UserID != "bob" || board.Entries[0].Rank != 1 {
		t.Errorf("level 1 board = %+v", board.Entries)
	}
	if board.Level == nil || *board.Level != 1 {
		t.Errorf("board level = %v", board.Level)
	}

	w = env.do(t, "GET", "/api/v1/leaderboard?level=x", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad level: expected 400, got %d", w.Code)
	}
}

// --- Quote tests ---

func TestGetQuote(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/quotes/msft", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	q := decode[model.Quote](t, w)
	if q.Symbol != "MSFT" || !q.Price.Equal(d(400)) {
		t.Errorf("quote = %+v", q)
	}

	if w := env.do(t, "GET", "/api/v1/quotes/NOPE", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/quotes/a$b", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad symbol: expected 400, got %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(t, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}
	env.open(t, "alice", 0)
	env.buy(t, "alice", "AAPL", 1)

	w := env.do(t, "GET", "/metrics", nil)
	if !strings.Contains(w.Body.String(), "papertrade_trades_total") {
		t.Error("metrics output missing papertrade_trades_total")
	}
}

// --- WebSocket tests ---

func TestWebSocket_BroadcastsTrades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := httpapi.NewWSHub()
	go hub.Run(ctx)

	env := newTestEnv(t, hub)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.open(t, "alice", 0)
	if w := env.buy(t, "alice", "AAPL", 3); w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg httpapi.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "trade_executed" || msg.UserID != "alice" || msg.Symbol != "AAPL" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Quantity != 3 || msg.SharesAfter != 3 || msg.CashAfter != "9700" {
		t.Errorf("message amounts = %+v", msg)
	}
}
