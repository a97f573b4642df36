package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/zirunbi/zirunbi/internal/calendar"
)

// SetOverride installs the admin force-open/force-close switch. The session
// state is re-evaluated immediately so a transition is journaled without
// waiting for the next tick.
func (e *Engine) SetOverride(ctx context.Context, override calendar.Override) {
	now := e.clk.Now()
	fx := newEffects()

	e.mu.Lock()
	e.override = override
	fx.journal(now, "admin", "override_set", map[string]any{"override": int(override)})
	open := calendar.IsOpenSessions(now, e.override, e.cfg.Sessions)
	e.noteSessionLocked(fx, now, open)
	e.mu.Unlock()

	e.flush(ctx, fx)
}

// Override returns the current admin override.
func (e *Engine) Override() calendar.Override {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.override
}

// ForceSetPrice pins an instrument's price for demo/reset purposes. It is
// processed as a synthetic tick: the candle folds the new price and resting
// orders crossed by it fill.
func (e *Engine) ForceSetPrice(ctx context.Context, symbol string, price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("price %v: %w", price, ErrInvalidPrice)
	}

	now := e.clk.Now()
	fx := newEffects()

	e.mu.Lock()
	if _, ok := e.prices[symbol]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	e.prices[symbol] = price
	if sealed := e.agg.IngestTick(symbol, price, now, 0); sealed != nil {
		fx.candles = append(fx.candles, *sealed)
	}
	e.matchSymbolLocked(fx, symbol, price, now)
	fx.journal(now, "admin", "price_forced", map[string]any{"symbol": symbol, "price": price})

	update := TickUpdate{
		Time:   now,
		Open:   calendar.IsOpenSessions(now, e.override, e.cfg.Sessions),
		Prices: e.pricesCopyLocked(),
		Fills:  fx.fills,
	}
	e.mu.Unlock()

	e.flush(ctx, fx)
	e.publish(update)
	return nil
}
