package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/calendar"
)

// OrderRequest is a new order submitted by either frontend.
type OrderRequest struct {
	UserID     string
	Symbol     string
	Side       book.Side
	Kind       book.Kind
	Quantity   int64
	LimitPrice float64 // required iff Kind == Limit
}

// OrderResult reports the accepted order. Market orders come back resolved
// (filled); limit orders come back pending unless rejected.
type OrderResult struct {
	Order book.Order
}

func (r OrderRequest) validate() error {
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity %d: %w", r.Quantity, ErrInvalidQuantity)
	}
	switch r.Side {
	case book.Buy, book.Sell:
	default:
		return fmt.Errorf("side %q: %w", r.Side, ErrInvalidQuantity)
	}
	switch r.Kind {
	case book.Market:
	case book.Limit:
		if r.LimitPrice <= 0 || math.IsNaN(r.LimitPrice) || math.IsInf(r.LimitPrice, 0) {
			return fmt.Errorf("limit price %v: %w", r.LimitPrice, ErrInvalidPrice)
		}
	default:
		return fmt.Errorf("kind %q: %w", r.Kind, ErrInvalidPrice)
	}
	return nil
}

// PlaceOrder validates, gates on the trading calendar and either fills
// (market) or rests (limit) the order. A market order never remains
// pending past this call. Every refusal leaves a journal event.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	now := e.clk.Now()
	fx := newEffects()

	if err := req.validate(); err != nil {
		e.flush(ctx, fx.reject(req, now, err))
		return nil, err
	}

	e.mu.Lock()
	result, err := e.placeOrderLocked(fx, req, now)
	e.mu.Unlock()

	e.flush(ctx, fx)
	return result, err
}

func (e *Engine) placeOrderLocked(fx *effects, req OrderRequest, now time.Time) (*OrderResult, error) {
	price, known := e.prices[req.Symbol]
	if !known {
		err := fmt.Errorf("%s: %w", req.Symbol, ErrUnknownSymbol)
		fx.reject(req, now, err)
		return nil, err
	}

	open := calendar.IsOpenSessions(now, e.override, e.cfg.Sessions)
	if !open {
		if req.Kind == book.Market || !e.cfg.AllowOffHoursLimitOrders {
			fx.reject(req, now, ErrMarketClosed)
			return nil, ErrMarketClosed
		}
	}

	acc := e.getOrCreateAccountLocked(fx, req.UserID, now)
	o := book.NewOrder(req.UserID, req.Symbol, req.Side, req.Kind, req.Quantity, req.LimitPrice, now)

	switch req.Kind {
	case book.Market:
		if err := e.fillMarketLocked(fx, acc, o, price, now); err != nil {
			fx.reject(req, now, err)
			return nil, err
		}
	case book.Limit:
		if err := e.restLimitLocked(fx, acc, o); err != nil {
			fx.reject(req, now, err)
			return nil, err
		}
	}

	fx.recordAccount(req.UserID, acc, req.Symbol)
	return &OrderResult{Order: *o}, nil
}

// fillMarketLocked executes a market order synchronously at the current
// price, or rejects it. Caller holds the write lock.
func (e *Engine) fillMarketLocked(fx *effects, acc *account, o *book.Order, price float64, now time.Time) error {
	switch o.Side {
	case book.Buy:
		cost := price * float64(o.Quantity)
		if acc.availableCash() < cost {
			return fmt.Errorf("need %.2f, available %.2f: %w", cost, acc.availableCash(), ErrInsufficientFunds)
		}
		e.settleBuyLocked(acc, o.Symbol, o.Quantity, price)
	case book.Sell:
		h := acc.holding(o.Symbol)
		if h.quantity-h.reserved < o.Quantity {
			return fmt.Errorf("need %d, available %d: %w", o.Quantity, h.quantity-h.reserved, ErrInsufficientHoldings)
		}
		e.settleSellLocked(acc, o.Symbol, o.Quantity, price)
	}

	o.Status = book.Filled
	o.FillPrice = price
	o.ResolvedAt = now
	e.agg.AddVolume(o.Symbol, o.Quantity)
	fx.recordFill(*o, price, now)
	return nil
}

// restLimitLocked reserves capacity and rests the order in the book.
// Caller holds the write lock.
func (e *Engine) restLimitLocked(fx *effects, acc *account, o *book.Order) error {
	switch o.Side {
	case book.Buy:
		reserve := o.LimitPrice * float64(o.Quantity)
		if acc.availableCash() < reserve {
			return fmt.Errorf("need %.2f reserved, available %.2f: %w", reserve, acc.availableCash(), ErrInsufficientFunds)
		}
		acc.reservedCash += reserve
	case book.Sell:
		h := acc.holding(o.Symbol)
		if h.quantity-h.reserved < o.Quantity {
			return fmt.Errorf("need %d, available %d: %w", o.Quantity, h.quantity-h.reserved, ErrInsufficientHoldings)
		}
		h.reserved += o.Quantity
	}

	e.book.Add(o)
	fx.recordOrder(*o)
	fx.journal(o.CreatedAt, "order", "limit_order_accepted", map[string]any{
		"order_id": o.ID,
		"user_id":  o.UserID,
		"symbol":   o.Symbol,
		"side":     string(o.Side),
		"quantity": o.Quantity,
		"limit":    o.LimitPrice,
	})
	return nil
}

// CancelOrder cancels a pending order owned by userID and releases exactly
// the capacity it reserved.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) error {
	now := e.clk.Now()
	fx := newEffects()

	e.mu.Lock()
	err := e.cancelOrderLocked(fx, orderID, userID, now)
	e.mu.Unlock()

	e.flush(ctx, fx)
	return err
}

func (e *Engine) cancelOrderLocked(fx *effects, orderID, userID string, now time.Time) error {
	o, ok := e.book.Get(orderID)
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.UserID != userID {
		return fmt.Errorf("order %s: %w", orderID, ErrNotOwner)
	}
	e.book.Remove(orderID)

	acc := e.accounts[userID]
	switch o.Side {
	case book.Buy:
		acc.reservedCash -= o.LimitPrice * float64(o.Quantity)
	case book.Sell:
		acc.holding(o.Symbol).reserved -= o.Quantity
	}

	o.Status = book.Cancelled
	o.ResolvedAt = now
	fx.recordOrder(*o)
	fx.recordAccount(userID, acc, o.Symbol)
	fx.journal(now, "order", "order_cancelled", map[string]any{
		"order_id": o.ID, "user_id": userID,
	})
	return nil
}
