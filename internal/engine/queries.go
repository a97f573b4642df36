package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/calendar"
	"github.com/zirunbi/zirunbi/internal/candle"
	"github.com/zirunbi/zirunbi/internal/leaderboard"
)

// HoldingView is a read-only snapshot of one position.
type HoldingView struct {
	Symbol    string  `json:"symbol"`
	Quantity  int64   `json:"quantity"`
	Reserved  int64   `json:"reserved"`
	CostBasis float64 `json:"cost_basis"`
}

// AccountView is a read-only snapshot of one user's cash.
type AccountView struct {
	UserID       string  `json:"user_id"`
	Balance      float64 `json:"balance"`
	ReservedCash float64 `json:"reserved_cash"`
}

// Symbols returns the configured instruments in their fixed order.
func (e *Engine) Symbols() []string {
	out := make([]string, len(e.symbols))
	copy(out, e.symbols)
	return out
}

// IsOpen reports whether the market trades right now.
func (e *Engine) IsOpen() bool {
	e.mu.RLock()
	override := e.override
	e.mu.RUnlock()
	return calendar.IsOpenSessions(e.clk.Now(), override, e.cfg.Sessions)
}

// GetPrice returns the current price of symbol.
func (e *Engine) GetPrice(symbol string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	price, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return price, nil
}

// GetPrices returns a snapshot of all current prices.
func (e *Engine) GetPrices() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pricesCopyLocked()
}

// GetCandles returns up to limit recent sealed candles plus the current open
// candle, oldest first.
func (e *Engine) GetCandles(symbol string, limit int) ([]candle.Candle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.prices[symbol]; !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return e.agg.Recent(symbol, limit), nil
}

// GetAccount returns the user's cash snapshot.
func (e *Engine) GetAccount(userID string) (AccountView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acc, ok := e.accounts[userID]
	if !ok {
		return AccountView{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return AccountView{UserID: userID, Balance: acc.balance, ReservedCash: acc.reservedCash}, nil
}

// GetHoldings returns the user's non-empty positions, sorted by symbol.
func (e *Engine) GetHoldings(userID string) ([]HoldingView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acc, ok := e.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	out := make([]HoldingView, 0, len(acc.holdings))
	for sym, h := range acc.holdings {
		if h.quantity == 0 {
			continue
		}
		out = append(out, HoldingView{
			Symbol:    sym,
			Quantity:  h.quantity,
			Reserved:  h.reserved,
			CostBasis: h.costBasis,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetOpenOrders returns the user's resting orders in submission order.
// An empty userID returns every resting order.
func (e *Engine) GetOpenOrders(userID string) []book.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pending := e.book.Pending(userID)
	out := make([]book.Order, len(pending))
	for i, o := range pending {
		out[i] = *o
	}
	return out
}

// EnsureUser creates the user's account with the initial balance if it does
// not exist yet, and returns the resulting snapshot.
func (e *Engine) EnsureUser(ctx context.Context, userID string) AccountView {
	now := e.clk.Now()
	fx := newEffects()

	e.mu.Lock()
	acc := e.getOrCreateAccountLocked(fx, userID, now)
	view := AccountView{UserID: userID, Balance: acc.balance, ReservedCash: acc.reservedCash}
	e.mu.Unlock()

	e.flush(ctx, fx)
	return view
}

// Leaderboard ranks all users by total assets at current prices.
func (e *Engine) Leaderboard(topN int) []leaderboard.Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderboardLocked(topN)
}

// leaderboardLocked computes the ranking. Caller holds the lock (either mode).
func (e *Engine) leaderboardLocked(topN int) []leaderboard.Entry {
	users := make([]leaderboard.UserBalance, 0, len(e.accounts))
	var holdings []leaderboard.HoldingValue
	for userID, acc := range e.accounts {
		users = append(users, leaderboard.UserBalance{UserID: userID, Balance: acc.balance})
		for sym, h := range acc.holdings {
			if h.quantity > 0 {
				holdings = append(holdings, leaderboard.HoldingValue{
					UserID:   userID,
					Symbol:   sym,
					Quantity: h.quantity,
				})
			}
		}
	}
	return leaderboard.Compute(users, holdings, e.pricesCopyLocked(), topN)
}
