// Package api exposes the market over HTTP: a JSON REST surface for the web
// frontend and a websocket stream of price ticks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/clock"
	"github.com/zirunbi/zirunbi/internal/engine"
)

const sessionCookie = "session"

// Server is the web frontend. It is a pure collaborator of the engine: every
// request translates to engine calls, no market state lives here.
type Server struct {
	engine   *engine.Engine
	sessions *SessionStore
	clk      clock.Clock
	hub      *Hub
	http     *http.Server
}

func NewServer(addr string, eng *engine.Engine, sessions *SessionStore, clk clock.Clock) *Server {
	s := &Server{
		engine:   eng,
		sessions: sessions,
		clk:      clk,
		hub:      NewHub(),
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	eng.SetTickListener(func(u engine.TickUpdate) {
		s.hub.Broadcast(tickMessage{
			Type:   "tick",
			Time:   u.Time,
			Open:   u.Open,
			Prices: u.Prices,
			Fills:  fillMessages(u.Fills),
		})
	})
	return s
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/logout", s.requireAuth(s.handleLogout)).Methods("POST")
	api.HandleFunc("/me", s.requireAuth(s.handleMe)).Methods("GET")
	api.HandleFunc("/market", s.handleMarket).Methods("GET")
	api.HandleFunc("/assets", s.requireAuth(s.handleAssets)).Methods("GET")
	api.HandleFunc("/trade", s.requireAuth(s.handleTrade)).Methods("POST")
	api.HandleFunc("/orders", s.requireAuth(s.handleOrders)).Methods("GET")
	api.HandleFunc("/orders/{id}", s.requireAuth(s.handleCancel)).Methods("DELETE")
	api.HandleFunc("/orders/{id}/cancel", s.requireAuth(s.handleCancel)).Methods("POST")
	api.HandleFunc("/kline/{symbol}", s.handleKline).Methods("GET")
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET")

	r.HandleFunc("/ws/market", s.hub.ServeWS).Methods("GET")
	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Printf("[web] listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and drops websocket subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.engine.SetTickListener(nil)
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

// -------- wire types --------

type tickMessage struct {
	Type   string             `json:"type"`
	Time   time.Time          `json:"time"`
	Open   bool               `json:"open"`
	Prices map[string]float64 `json:"prices"`
	Fills  []fillMessage      `json:"fills,omitempty"`
}

type fillMessage struct {
	OrderID  string  `json:"order_id"`
	UserID   string  `json:"user_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
}

func fillMessages(fills []engine.Fill) []fillMessage {
	out := make([]fillMessage, len(fills))
	for i, f := range fills {
		out[i] = fillMessage{
			OrderID:  f.Order.ID,
			UserID:   f.Order.UserID,
			Symbol:   f.Order.Symbol,
			Side:     string(f.Order.Side),
			Quantity: f.Order.Quantity,
			Price:    f.Price,
		}
	}
	return out
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type tradeRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Kind       string  `json:"kind"`
	Quantity   int64   `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`
}

type assetHolding struct {
	Symbol    string  `json:"symbol"`
	Quantity  int64   `json:"quantity"`
	Reserved  int64   `json:"reserved"`
	CostBasis float64 `json:"cost_basis"`
	Price     float64 `json:"price"`
	Value     float64 `json:"value"`
}

type assetsResponse struct {
	UserID       string         `json:"user_id"`
	Balance      float64        `json:"balance"`
	ReservedCash float64        `json:"reserved_cash"`
	Holdings     []assetHolding `json:"holdings"`
	Total        float64        `json:"total"`
}

// -------- handlers --------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "open": s.engine.IsOpen()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "user_id and password are required")
		return
	}

	// First login creates the account with the starting balance.
	account := s.engine.EnsureUser(r.Context(), req.UserID)

	token, err := s.sessions.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid user id or password")
			return
		}
		log.Printf("[web] login failed for %s: %v", req.UserID, err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": account.UserID,
		"balance": account.Balance,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ string) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.Logout(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID string) {
	account, err := s.engine.GetAccount(userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"time":    s.clk.Now(),
		"open":    s.engine.IsOpen(),
		"symbols": s.engine.Symbols(),
		"prices":  s.engine.GetPrices(),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request, userID string) {
	account, err := s.engine.GetAccount(userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	holdings, err := s.engine.GetHoldings(userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	prices := s.engine.GetPrices()

	resp := assetsResponse{
		UserID:       account.UserID,
		Balance:      account.Balance,
		ReservedCash: account.ReservedCash,
		Holdings:     make([]assetHolding, 0, len(holdings)),
		Total:        account.Balance,
	}
	for _, h := range holdings {
		value := float64(h.Quantity) * prices[h.Symbol]
		resp.Holdings = append(resp.Holdings, assetHolding{
			Symbol:    h.Symbol,
			Quantity:  h.Quantity,
			Reserved:  h.Reserved,
			CostBasis: h.CostBasis,
			Price:     prices[h.Symbol],
			Value:     value,
		})
		resp.Total += value
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request, userID string) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.PlaceOrder(r.Context(), engine.OrderRequest{
		UserID:     userID,
		Symbol:     req.Symbol,
		Side:       book.Side(req.Side),
		Kind:       book.Kind(req.Kind),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result.Order)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request, userID string) {
	respondJSON(w, http.StatusOK, s.engine.GetOpenOrders(userID))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, userID string) {
	orderID := mux.Vars(r)["id"]
	if err := s.engine.CancelOrder(r.Context(), orderID, userID); err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "order_id": orderID})
}

func (s *Server) handleKline(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	candles, err := s.engine.GetCandles(symbol, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, candles)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	topN := 10
	if v := r.URL.Query().Get("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "n must be an integer")
			return
		}
		topN = n
	}
	respondJSON(w, http.StatusOK, s.engine.Leaderboard(topN))
}

// -------- plumbing --------

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		userID, ok := s.sessions.UserID(c.Value)
		if !ok {
			respondError(w, http.StatusUnauthorized, "session expired")
			return
		}
		next(w, r, userID)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine sentinels onto HTTP statuses. The sentinel
// check order matters: ErrUnknownSymbol wraps ErrNotFound.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrMarketClosed),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientHoldings),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidPrice):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("[web] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
