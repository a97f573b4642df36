// Package book
package book

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Side represents buy or sell
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Kind represents market or limit
type Kind string

const (
	Market Kind = "market"
	Limit  Kind = "limit"
)

// Status represents order state
type Status string

const (
	Pending   Status = "pending"
	Filled    Status = "filled"
	Cancelled Status = "cancelled"
	Rejected  Status = "rejected"
)

// Order is a single order. Quantity is atomic: a resting order fills in
// full at the triggering price or keeps waiting.
type Order struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Kind       Kind      `json:"kind"`
	Quantity   int64     `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"` // set iff Kind == Limit
	Status     Status    `json:"status"`
	FillPrice  float64   `json:"fill_price,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	seq uint64 // submission order, breaks price ties
}

// NewOrder creates a pending order with a generated id.
func NewOrder(userID, symbol string, side Side, kind Kind, quantity int64, limitPrice float64, createdAt time.Time) *Order {
	return &Order{
		ID:         uuid.New().String(),
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		Kind:       kind,
		Quantity:   quantity,
		LimitPrice: limitPrice,
		Status:     Pending,
		CreatedAt:  createdAt,
	}
}

// Book holds the resting limit orders of all symbols. It carries no lock of
// its own: every mutation happens under the engine's lock, together with the
// price and balance state the matches depend on.
type Book struct {
	bySymbol map[string][]*Order
	byID     map[string]*Order
	nextSeq  uint64
}

// New creates an empty book.
func New() *Book {
	return &Book{
		bySymbol: make(map[string][]*Order),
		byID:     make(map[string]*Order),
	}
}

// Add rests a pending limit order in the book and assigns its time priority.
func (b *Book) Add(o *Order) {
	b.nextSeq++
	o.seq = b.nextSeq
	b.bySymbol[o.Symbol] = append(b.bySymbol[o.Symbol], o)
	b.byID[o.ID] = o
}

// Get returns the resting order with the given id, if any.
func (b *Book) Get(orderID string) (*Order, bool) {
	o, ok := b.byID[orderID]
	return o, ok
}

// Remove takes a resting order out of the book without resolving it.
// The caller decides the terminal status.
func (b *Book) Remove(orderID string) (*Order, bool) {
	o, ok := b.byID[orderID]
	if !ok {
		return nil, false
	}
	delete(b.byID, orderID)

	rest := b.bySymbol[o.Symbol]
	for i, cand := range rest {
		if cand.ID == orderID {
			b.bySymbol[o.Symbol] = append(rest[:i], rest[i+1:]...)
			break
		}
	}
	return o, true
}

// Pending returns all resting orders, optionally filtered by user,
// ordered by submission.
func (b *Book) Pending(userID string) []*Order {
	out := make([]*Order, 0, len(b.byID))
	for _, o := range b.byID {
		if userID == "" || o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.byID) }

// MatchOnPrice finds every resting order of symbol crossed by the new price
// and removes it from the book. A buy limit crosses when price <= limit, a
// sell limit when price >= limit. Matches come back in deterministic
// priority order: buys first (highest limit, then earliest), then sells
// (lowest limit, then earliest). Orders are returned still pending; the
// caller settles accounts and resolves them.
func (b *Book) MatchOnPrice(symbol string, price float64) []*Order {
	rest := b.bySymbol[symbol]
	if len(rest) == 0 {
		return nil
	}

	var buys, sells []*Order
	for _, o := range rest {
		switch o.Side {
		case Buy:
			if price <= o.LimitPrice {
				buys = append(buys, o)
			}
		case Sell:
			if price >= o.LimitPrice {
				sells = append(sells, o)
			}
		}
	}
	if len(buys) == 0 && len(sells) == 0 {
		return nil
	}

	sort.Slice(buys, func(i, j int) bool {
		if buys[i].LimitPrice != buys[j].LimitPrice {
			return buys[i].LimitPrice > buys[j].LimitPrice
		}
		return buys[i].seq < buys[j].seq
	})
	sort.Slice(sells, func(i, j int) bool {
		if sells[i].LimitPrice != sells[j].LimitPrice {
			return sells[i].LimitPrice < sells[j].LimitPrice
		}
		return sells[i].seq < sells[j].seq
	})

	matched := append(buys, sells...)
	for _, o := range matched {
		b.Remove(o.ID)
	}
	return matched
}
