package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/candle"
	"github.com/zirunbi/zirunbi/internal/journal"
)

// MemoryStorage is an in-memory Storage used in tests and as a fallback
// when no database is configured.
type MemoryStorage struct {
	mu sync.RWMutex

	users    map[string]User
	holdings map[string]map[string]Holding // userID -> symbol -> holding
	orders   map[string]book.Order
	candles  map[string][]candle.Candle // symbol -> sealed candles, oldest first
	events   []journal.Event
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		users:    make(map[string]User),
		holdings: make(map[string]map[string]Holding),
		orders:   make(map[string]book.Order),
		candles:  make(map[string][]candle.Candle),
		events:   make([]journal.Event, 0, 1024),
	}
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) LoadState(ctx context.Context, recentWindow int) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &State{
		RecentCandles: make(map[string][]candle.Candle),
		LastPrices:    make(map[string]float64),
	}
	for _, u := range m.users {
		st.Users = append(st.Users, u)
	}
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].ID < st.Users[j].ID })

	for _, bySymbol := range m.holdings {
		for _, h := range bySymbol {
			if h.Quantity > 0 {
				st.Holdings = append(st.Holdings, h)
			}
		}
	}
	sort.Slice(st.Holdings, func(i, j int) bool {
		if st.Holdings[i].UserID != st.Holdings[j].UserID {
			return st.Holdings[i].UserID < st.Holdings[j].UserID
		}
		return st.Holdings[i].Symbol < st.Holdings[j].Symbol
	})

	for _, o := range m.orders {
		if o.Status == book.Pending {
			st.PendingOrders = append(st.PendingOrders, o)
		}
	}
	sort.Slice(st.PendingOrders, func(i, j int) bool {
		return st.PendingOrders[i].CreatedAt.Before(st.PendingOrders[j].CreatedAt)
	})

	for sym, cs := range m.candles {
		if len(cs) == 0 {
			continue
		}
		window := cs
		if len(window) > recentWindow {
			window = window[len(window)-recentWindow:]
		}
		buf := make([]candle.Candle, len(window))
		copy(buf, window)
		st.RecentCandles[sym] = buf
		st.LastPrices[sym] = cs[len(cs)-1].Close
	}

	return st, nil
}

func (m *MemoryStorage) SaveCandle(ctx context.Context, c candle.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.candles[c.Symbol]
	for i := range cs {
		if cs[i].Timestamp.Equal(c.Timestamp) {
			cs[i] = c
			return nil
		}
	}
	m.candles[c.Symbol] = append(cs, c)
	sort.Slice(m.candles[c.Symbol], func(i, j int) bool {
		return m.candles[c.Symbol][i].Timestamp.Before(m.candles[c.Symbol][j].Timestamp)
	})
	return nil
}

func (m *MemoryStorage) GetCandles(ctx context.Context, symbol string, since time.Time, limit int) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []candle.Candle
	for _, c := range m.candles[symbol] {
		if c.Timestamp.After(since) {
			out = append(out, c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStorage) SaveOrder(ctx context.Context, o book.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStorage) SaveBalance(ctx context.Context, userID string, balance float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	u.ID = userID
	u.Balance = balance
	m.users[userID] = u
	return nil
}

func (m *MemoryStorage) SaveHolding(ctx context.Context, userID, symbol string, quantity int64, costBasis float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdings[userID] == nil {
		m.holdings[userID] = make(map[string]Holding)
	}
	m.holdings[userID][symbol] = Holding{
		UserID:    userID,
		Symbol:    symbol,
		Quantity:  quantity,
		CostBasis: costBasis,
	}
	return nil
}

func (m *MemoryStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryStorage) SetPassword(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	u.ID = userID
	u.PasswordHash = passwordHash
	m.users[userID] = u
	return nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Orders returns a snapshot of every stored order. Test helper.
func (m *MemoryStorage) Orders() []book.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]book.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
