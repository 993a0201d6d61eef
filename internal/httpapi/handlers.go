// Package httpapi exposes the engine over HTTP and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/papertrade/portfolio-engine/internal/leaderboard"
	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/symbol"
	"github.com/papertrade/portfolio-engine/internal/trade"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// Handler serves the account, trade, valuation and leaderboard endpoints.
type Handler struct {
	engine    *trade.Engine
	valuation *valuation.Service
	ranker    *leaderboard.Ranker
	quotes    trade.PriceSource
	hub       *WSHub // optional; nil disables trade broadcasts
}

// NewHandler creates a Handler. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewHandler(engine *trade.Engine, val *valuation.Service, ranker *leaderboard.Ranker, quotes trade.PriceSource, hub *WSHub) *Handler {
	return &Handler{
		engine:    engine,
		valuation: val,
		ranker:    ranker,
		quotes:    quotes,
		hub:       hub,
	}
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
}

// TradeRequest is the JSON body for POST /trade/buy and /trade/sell.
type TradeRequest struct {
	UserID   string `json:"user_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// ValueResponse is a valuation plus whether every position had a live quote.
type ValueResponse struct {
	*valuation.Valuation
	Exact bool `json:"exact"`
}

// AccountResponse is an account snapshot with holdings in symbol order.
type AccountResponse struct {
	UserID      string          `json:"user_id"`
	Level       int             `json:"level"`
	CashBalance string          `json:"cash_balance"`
	DisplayCash string          `json:"display_cash"`
	Holdings    []model.Holding `json:"holdings"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func accountResponse(a *model.Account) AccountResponse {
	holdings := a.SortedHoldings()
	if holdings == nil {
		holdings = []model.Holding{}
	}
	return AccountResponse{
		UserID:      a.UserID,
		Level:       a.Level,
		CashBalance: a.CashBalance.String(),
		DisplayCash: model.DisplayUSD(a.CashBalance),
		Holdings:    holdings,
		Version:     a.Version,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// --- Routing ---

// NewRouter builds the chi router with the standard middleware stack,
// health and metrics endpoints, and the /api/v1 routes.
func NewRouter(h *Handler, requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", h.Routes)
	return r
}

// Routes mounts the API endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/accounts", h.OpenAccount)
	r.Get("/accounts/{userID}", h.GetAccount)
	r.Get("/accounts/{userID}/value", h.GetValue)
	r.Get("/accounts/{userID}/trades", h.GetTrades)

	r.Post("/trade/buy", h.Buy)
	r.Post("/trade/sell", h.Sell)

	r.Get("/leaderboard", h.GetLeaderboard)
	r.Get("/quotes/{symbol}", h.GetQuote)
}

// --- HTTP Handlers ---

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := h.engine.OpenAccount(r.Context(), req.UserID, req.Level)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse(acct))
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.engine.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(acct))
}

// GetValue handles GET /api/v1/accounts/{userID}/value
// An optional ?policy= overrides the configured missing-quote policy.
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policy := h.valuation.Policy()
	if p := r.URL.Query().Get("policy"); p != "" {
		parsed, err := valuation.ParsePolicy(p)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		policy = parsed
	}

	acct, err := h.engine.GetAccount(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	v, err := h.valuation.ValuateWith(ctx, acct, policy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValueResponse{Valuation: v, Exact: v.Exact()})
}

// GetTrades handles GET /api/v1/accounts/{userID}/trades?limit=
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	trades, err := h.engine.History(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// Buy handles POST /api/v1/trade/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.executeTrade(w, r, h.engine.Buy)
}

// Sell handles POST /api/v1/trade/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.executeTrade(w, r, h.engine.Sell)
}

type tradeFunc func(ctx context.Context, userID, sym string, quantity int64) (*trade.TradeResult, error)

func (h *Handler) executeTrade(w http.ResponseWriter, r *http.Request, exec tradeFunc) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := exec(r.Context(), req.UserID, req.Symbol, req.Quantity)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	// Broadcast the fill via WebSocket.
	if h.hub != nil {
		h.hub.Broadcast(tradeMessage(res))
	}
	writeJSON(w, http.StatusOK, res)
}

// GetLeaderboard handles GET /api/v1/leaderboard?level=&limit=
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	var level *int
	if r.URL.Query().Get("level") != "" {
		l, ok := intParam(w, r, "level", 0)
		if !ok {
			return
		}
		level = model.Level(l)
	}
	limit, ok := intParam(w, r, "limit", leaderboard.DefaultLimit)
	if !ok {
		return
	}

	board, err := h.ranker.Rank(r.Context(), level, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := h.quotes.GetPrice(r.Context(), sym)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Helpers ---

// statusFor maps engine, quote and ranking errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trade.ErrInvalidQuantity),
		errors.Is(err, trade.ErrInvalidSymbol),
		errors.Is(err, trade.ErrInvalidAccount),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, valuation.ErrUnknownPolicy):
		return http.StatusBadRequest
	case errors.Is(err, trade.ErrAccountNotFound),
		errors.Is(err, quote.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrAccountExists),
		errors.Is(err, trade.ErrContention):
		return http.StatusConflict
	case errors.Is(err, trade.ErrInsufficientFunds),
		errors.Is(err, trade.ErrInsufficientShares):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, trade.ErrQuoteUnavailable),
		errors.Is(err, quote.ErrUnavailable),
		errors.Is(err, trade.ErrStoreUnavailable),
		errors.Is(err, leaderboard.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	if trade.IsTransient(err) || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, err.Error(), status)
}

// intParam reads an integer query parameter, writing a 400 when it does
// not parse.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, name+" must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
