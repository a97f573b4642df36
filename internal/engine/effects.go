package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/candle"
	"github.com/zirunbi/zirunbi/internal/db"
	"github.com/zirunbi/zirunbi/internal/journal"
)

// effects collects everything a locked section wants persisted or announced,
// so that storage I/O and notifications happen after the lock is released.
// In-memory state stays authoritative: a failed save is logged, never rolled
// back.
type effects struct {
	candles  []candle.Candle
	orders   []book.Order
	balances map[string]float64
	holdings []db.Holding
	events   []journal.Event
	fills    []Fill
	notices  []string
}

func newEffects() *effects {
	return &effects{balances: make(map[string]float64)}
}

func (fx *effects) journal(t time.Time, typ, desc string, data map[string]any) {
	fx.events = append(fx.events, journal.Event{Time: t, Type: typ, Description: desc, Data: data})
}

func (fx *effects) recordOrder(o book.Order) {
	fx.orders = append(fx.orders, o)
}

// reject journals a refused order with its parameters and the reason, so the
// audit trail covers trades that never made it into the book. Returns fx for
// call-site chaining.
func (fx *effects) reject(req OrderRequest, t time.Time, err error) *effects {
	fx.journal(t, "order", "order_rejected", map[string]any{
		"user_id":  req.UserID,
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"kind":     string(req.Kind),
		"quantity": req.Quantity,
		"limit":    req.LimitPrice,
		"reason":   err.Error(),
	})
	return fx
}

func (fx *effects) recordFill(o book.Order, price float64, t time.Time) {
	fx.orders = append(fx.orders, o)
	fx.fills = append(fx.fills, Fill{Order: o, Price: price, Time: t})
	fx.journal(t, "fill", "order_filled", map[string]any{
		"order_id": o.ID,
		"user_id":  o.UserID,
		"symbol":   o.Symbol,
		"side":     string(o.Side),
		"quantity": o.Quantity,
		"price":    price,
	})
	fx.notices = append(fx.notices, fmt.Sprintf("%s %s %d %s @ %.2f filled for %s",
		o.Side, o.Kind, o.Quantity, o.Symbol, price, o.UserID))
}

// recordAccount snapshots the user's balance and their position in symbol
// for persistence. Persisted figures are totals; reserves are re-derived
// from pending orders at load time.
func (fx *effects) recordAccount(userID string, acc *account, symbol string) {
	fx.balances[userID] = acc.balance
	if symbol == "" {
		return
	}
	h := acc.holding(symbol)
	fx.holdings = append(fx.holdings, db.Holding{
		UserID:    userID,
		Symbol:    symbol,
		Quantity:  h.quantity,
		CostBasis: h.costBasis,
	})
}

// flush applies the collected effects against storage and the notifier,
// best-effort. Must be called without the engine lock held.
func (e *Engine) flush(ctx context.Context, fx *effects) {
	for _, c := range fx.candles {
		if err := e.storage.SaveCandle(ctx, c); err != nil {
			log.Printf("[engine] save candle %s@%s failed: %v", c.Symbol, c.Timestamp, err)
		}
	}
	for _, o := range fx.orders {
		if err := e.storage.SaveOrder(ctx, o); err != nil {
			log.Printf("[engine] save order %s failed: %v", o.ID, err)
		}
	}
	for userID, balance := range fx.balances {
		if err := e.storage.SaveBalance(ctx, userID, balance); err != nil {
			log.Printf("[engine] save balance for %s failed: %v", userID, err)
		}
	}
	for _, h := range fx.holdings {
		if err := e.storage.SaveHolding(ctx, h.UserID, h.Symbol, h.Quantity, h.CostBasis); err != nil {
			log.Printf("[engine] save holding %s/%s failed: %v", h.UserID, h.Symbol, err)
		}
	}
	for _, ev := range fx.events {
		if err := e.storage.LogEvent(ctx, ev); err != nil {
			log.Printf("[engine] journal %s/%s failed: %v", ev.Type, ev.Description, err)
		}
	}
	for _, msg := range fx.notices {
		if err := e.notify.SendWithRetry(msg); err != nil {
			log.Printf("[engine] notify failed: %v", err)
		}
	}
}
