// Package engine implements the market simulation engine: periodic price
// generation, candle aggregation, session gating and order matching under a
// single shared lock.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/calendar"
	"github.com/zirunbi/zirunbi/internal/candle"
	"github.com/zirunbi/zirunbi/internal/clock"
	"github.com/zirunbi/zirunbi/internal/db"
	"github.com/zirunbi/zirunbi/internal/leaderboard"
	"github.com/zirunbi/zirunbi/internal/notifier"
	"github.com/zirunbi/zirunbi/internal/pricing"
)

// SymbolSpec configures one tradable instrument.
type SymbolSpec struct {
	Symbol     string
	StartPrice float64
	Volatility float64 // (0,1], scales the model's max move
}

// Config is the engine's configuration surface.
type Config struct {
	Symbols                  []SymbolSpec
	UpdateInterval           time.Duration
	RecentCandles            int
	InitialBalance           float64
	AllowOffHoursLimitOrders bool
	Sessions                 []calendar.Session
}

// Fill is one executed order, reported after the lock is released.
type Fill struct {
	Order book.Order
	Price float64
	Time  time.Time
}

// TickUpdate is the post-tick snapshot handed to listeners (e.g. the web
// socket hub).
type TickUpdate struct {
	Time   time.Time
	Open   bool
	Prices map[string]float64
	Fills  []Fill
}

type holdingState struct {
	quantity  int64
	reserved  int64 // locked for pending sell orders
	costBasis float64
}

type account struct {
	balance      float64
	reservedCash float64 // locked for pending buy orders
	holdings     map[string]*holdingState
}

func (a *account) availableCash() float64 { return a.balance - a.reservedCash }

func (a *account) holding(symbol string) *holdingState {
	h, ok := a.holdings[symbol]
	if !ok {
		h = &holdingState{}
		a.holdings[symbol] = h
	}
	return h
}

// Engine owns all mutable market state behind one RWMutex. Mutations
// (submit, cancel, tick, admin) hold the write lock for their whole
// read-modify-write window; persistence and notification happen strictly
// after unlock, on snapshots.
type Engine struct {
	cfg     Config
	clk     clock.Clock
	model   *pricing.Model
	storage db.Storage
	notify  notifier.Notifier

	mu       sync.RWMutex
	symbols  []string // fixed iteration order keeps fills deterministic
	prices   map[string]float64
	vols     map[string]float64
	accounts map[string]*account
	agg      *candle.Aggregator
	book     *book.Book
	override calendar.Override
	wasOpen  bool

	listenerMu sync.RWMutex
	listener   func(TickUpdate)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates an engine. Call LoadState before Start to resume from storage.
func New(cfg Config, clk clock.Clock, model *pricing.Model, storage db.Storage, notify notifier.Notifier) *Engine {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 3 * time.Minute
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if len(cfg.Sessions) == 0 {
		cfg.Sessions = calendar.DefaultSessions
	}
	if notify == nil {
		notify = notifier.Nop{}
	}

	e := &Engine{
		cfg:      cfg,
		clk:      clk,
		model:    model,
		storage:  storage,
		notify:   notify,
		prices:   make(map[string]float64),
		vols:     make(map[string]float64),
		accounts: make(map[string]*account),
		agg:      candle.NewAggregator(cfg.UpdateInterval, cfg.RecentCandles),
		book:     book.New(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, s := range cfg.Symbols {
		e.symbols = append(e.symbols, s.Symbol)
		e.prices[s.Symbol] = s.StartPrice
		e.vols[s.Symbol] = s.Volatility
	}
	return e
}

// LoadState restores accounts, candles, prices and resting orders from
// storage. Reserves for pending orders are re-established in submission
// order.
func (e *Engine) LoadState(ctx context.Context) error {
	st, err := e.storage.LoadState(ctx, e.cfg.RecentCandles)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, u := range st.Users {
		e.accounts[u.ID] = &account{
			balance:  u.Balance,
			holdings: make(map[string]*holdingState),
		}
	}
	for _, h := range st.Holdings {
		acc, ok := e.accounts[h.UserID]
		if !ok {
			continue
		}
		acc.holdings[h.Symbol] = &holdingState{quantity: h.Quantity, costBasis: h.CostBasis}
	}

	for sym, cs := range st.RecentCandles {
		e.agg.Restore(sym, cs)
	}
	for sym, price := range st.LastPrices {
		if _, known := e.prices[sym]; known {
			e.prices[sym] = price
		}
	}

	for i := range st.PendingOrders {
		o := st.PendingOrders[i]
		acc, ok := e.accounts[o.UserID]
		if !ok {
			log.Printf("[engine] dropping pending order %s: unknown user %s", o.ID, o.UserID)
			continue
		}
		switch o.Side {
		case book.Buy:
			acc.reservedCash += o.LimitPrice * float64(o.Quantity)
		case book.Sell:
			acc.holding(o.Symbol).reserved += o.Quantity
		}
		e.book.Add(&o)
	}

	log.Printf("[engine] state loaded: %d users, %d pending orders", len(st.Users), len(st.PendingOrders))
	return nil
}

// SetTickListener registers the callback invoked after every tick, outside
// the lock. A nil listener unregisters.
func (e *Engine) SetTickListener(fn func(TickUpdate)) {
	e.listenerMu.Lock()
	e.listener = fn
	e.listenerMu.Unlock()
}

// Start launches the background tick loop. It returns immediately; the loop
// runs until Stop is called or ctx is done.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
	log.Printf("[engine] started, update interval %s", e.cfg.UpdateInterval)
}

// Stop signals the tick loop and waits for the in-flight tick to complete.
// No new tick is scheduled afterwards.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
	log.Printf("[engine] stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one full price-update cycle: gate on the calendar, step every
// instrument's price, fold candles, match resting orders. Exported so tests
// and admin tooling can drive time explicitly.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clk.Now()

	e.mu.Lock()
	fx := newEffects()

	open := calendar.IsOpenSessions(now, e.override, e.cfg.Sessions)
	e.noteSessionLocked(fx, now, open)

	if open {
		for _, sym := range e.symbols {
			if err := e.stepSymbolLocked(fx, sym, now); err != nil {
				// One instrument's failure is non-fatal to the tick.
				log.Printf("[engine] instrument update failed for %s: %v", sym, err)
				fx.journal(now, "error", "instrument_update_failed", map[string]any{
					"symbol": sym, "error": err.Error(),
				})
			}
		}
	}

	update := TickUpdate{
		Time:   now,
		Open:   open,
		Prices: e.pricesCopyLocked(),
		Fills:  fx.fills,
	}
	e.mu.Unlock()

	e.flush(ctx, fx)
	e.publish(update)
}

// stepSymbolLocked advances one instrument: new price, candle fold, match.
// Caller holds the write lock.
func (e *Engine) stepSymbolLocked(fx *effects, sym string, now time.Time) error {
	next := e.model.Next(e.prices[sym], e.vols[sym])
	if next <= 0 || math.IsNaN(next) || math.IsInf(next, 0) {
		return fmt.Errorf("price model produced %v", next)
	}
	e.prices[sym] = next

	if sealed := e.agg.IngestTick(sym, next, now, 0); sealed != nil {
		fx.candles = append(fx.candles, *sealed)
	}
	e.matchSymbolLocked(fx, sym, next, now)
	return nil
}

// matchSymbolLocked fills every resting order crossed by price, settling
// accounts atomically with the status change. Caller holds the write lock.
func (e *Engine) matchSymbolLocked(fx *effects, sym string, price float64, now time.Time) {
	for _, o := range e.book.MatchOnPrice(sym, price) {
		acc := e.accounts[o.UserID]
		switch o.Side {
		case book.Buy:
			// The reserve was taken at the limit price; the fill
			// costs at most that, the difference is released.
			acc.reservedCash -= o.LimitPrice * float64(o.Quantity)
			e.settleBuyLocked(acc, o.Symbol, o.Quantity, price)
		case book.Sell:
			h := acc.holding(o.Symbol)
			h.reserved -= o.Quantity
			e.settleSellLocked(acc, o.Symbol, o.Quantity, price)
		}
		o.Status = book.Filled
		o.FillPrice = price
		o.ResolvedAt = now

		e.agg.AddVolume(sym, o.Quantity)
		fx.recordFill(*o, price, now)
		fx.recordAccount(o.UserID, acc, o.Symbol)
	}
}

// settleBuyLocked debits cash and folds the purchase into the average cost
// basis. Caller holds the write lock and has verified funds.
func (e *Engine) settleBuyLocked(acc *account, sym string, qty int64, price float64) {
	cost := price * float64(qty)
	acc.balance -= cost

	h := acc.holding(sym)
	newQty := h.quantity + qty
	h.costBasis = (h.costBasis*float64(h.quantity) + cost) / float64(newQty)
	h.quantity = newQty
}

// settleSellLocked credits proceeds and reduces the position. Caller holds
// the write lock and has verified the quantity.
func (e *Engine) settleSellLocked(acc *account, sym string, qty int64, price float64) {
	acc.balance += price * float64(qty)

	h := acc.holding(sym)
	h.quantity -= qty
	if h.quantity == 0 {
		h.costBasis = 0
	}
}

// noteSessionLocked journals open/close transitions. A close also posts the
// day's ranking through the notifier. Caller holds the lock.
func (e *Engine) noteSessionLocked(fx *effects, now time.Time, open bool) {
	if open == e.wasOpen {
		return
	}
	e.wasOpen = open
	state := "closed"
	if open {
		state = "open"
	}
	fx.journal(now, "session", "market_"+state, map[string]any{"time": now.Format(time.RFC3339)})
	fx.notices = append(fx.notices, "Market is now "+state)
	if !open {
		if entries := e.leaderboardLocked(10); len(entries) > 0 {
			fx.notices = append(fx.notices, leaderboard.Format(entries, ""))
		}
	}
	log.Printf("[engine] market %s", state)
}

func (e *Engine) pricesCopyLocked() map[string]float64 {
	out := make(map[string]float64, len(e.prices))
	for k, v := range e.prices {
		out[k] = v
	}
	return out
}

// getOrCreateAccountLocked returns the user's account, creating it with the
// initial balance on first use. Caller holds the write lock.
func (e *Engine) getOrCreateAccountLocked(fx *effects, userID string, now time.Time) *account {
	if acc, ok := e.accounts[userID]; ok {
		return acc
	}
	acc := &account{
		balance:  e.cfg.InitialBalance,
		holdings: make(map[string]*holdingState),
	}
	e.accounts[userID] = acc
	fx.balances[userID] = acc.balance
	fx.journal(now, "user", "user_created", map[string]any{"user_id": userID})
	return acc
}

// publish hands the tick snapshot to the registered listener.
func (e *Engine) publish(update TickUpdate) {
	e.listenerMu.RLock()
	fn := e.listener
	e.listenerMu.RUnlock()
	if fn != nil {
		fn(update)
	}
}
