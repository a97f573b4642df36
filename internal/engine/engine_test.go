package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/calendar"
	"github.com/zirunbi/zirunbi/internal/clock"
	"github.com/zirunbi/zirunbi/internal/db"
	"github.com/zirunbi/zirunbi/internal/pricing"
)

// 2025-03-10 is a Monday; 10:00 is inside the morning session.
var openTime = time.Date(2025, 3, 10, 10, 0, 0, 0, clock.ChinaTZ)

// 2025-03-10 20:00 is outside any session.
var closedTime = time.Date(2025, 3, 10, 20, 0, 0, 0, clock.ChinaTZ)

func testConfig() Config {
	return Config{
		Symbols:        []SymbolSpec{{Symbol: "ZRB", StartPrice: 100, Volatility: 1}},
		UpdateInterval: 3 * time.Minute,
		RecentCandles:  50,
		InitialBalance: 10000,
	}
}

func newTestEngine(t *testing.T, cfg Config, at time.Time) (*Engine, *db.MemoryStorage, *clock.FixedClock) {
	t.Helper()
	storage := db.NewMemory()
	clk := &clock.FixedClock{T: at}
	model := pricing.NewModel(0.05, 0.01, 42)
	e := New(cfg, clk, model, storage, nil)
	return e, storage, clk
}

func mustBuyMarket(t *testing.T, e *Engine, user string, qty int64) book.Order {
	t.Helper()
	res, err := e.PlaceOrder(context.Background(), OrderRequest{
		UserID: user, Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: qty,
	})
	require.NoError(t, err)
	return res.Order
}

func TestPlaceOrder_MarketBuy(t *testing.T) {
	e, storage, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	t.Run("Fills at current price and conserves value", func(t *testing.T) {
		res, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, book.Filled, res.Order.Status)
		assert.Equal(t, 100.0, res.Order.FillPrice)

		acc, err := e.GetAccount("u1")
		require.NoError(t, err)
		assert.InDelta(t, 10000-100*10, acc.Balance, 1e-9)

		holdings, err := e.GetHoldings("u1")
		require.NoError(t, err)
		require.Len(t, holdings, 1)
		assert.Equal(t, int64(10), holdings[0].Quantity)
		assert.InDelta(t, 100.0, holdings[0].CostBasis, 1e-9)

		// Persisted after the lock was released.
		u, err := storage.GetUser(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.InDelta(t, 9000.0, u.Balance, 1e-9)
	})

	t.Run("Insufficient funds rejected", func(t *testing.T) {
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 1000,
		})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		// Balance unchanged by the rejection.
		acc, _ := e.GetAccount("u1")
		assert.InDelta(t, 9000.0, acc.Balance, 1e-9)
	})
}

func TestPlaceOrder_MarketSell(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	t.Run("Without holdings rejected", func(t *testing.T) {
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Sell, Kind: book.Market, Quantity: 1,
		})
		assert.ErrorIs(t, err, ErrInsufficientHoldings)
	})

	t.Run("Round trip conserves value at a fixed price", func(t *testing.T) {
		mustBuyMarket(t, e, "u1", 10)
		res, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Sell, Kind: book.Market, Quantity: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, book.Filled, res.Order.Status)

		acc, _ := e.GetAccount("u1")
		assert.InDelta(t, 10000.0, acc.Balance, 1e-9)

		holdings, err := e.GetHoldings("u1")
		require.NoError(t, err)
		assert.Empty(t, holdings)
	})
}

func TestPlaceOrder_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	cases := []struct {
		name string
		req  OrderRequest
		want error
	}{
		{"Zero quantity", OrderRequest{UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market}, ErrInvalidQuantity},
		{"Negative quantity", OrderRequest{UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: -2}, ErrInvalidQuantity},
		{"Limit without price", OrderRequest{UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 1}, ErrInvalidPrice},
		{"Negative limit price", OrderRequest{UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 1, LimitPrice: -3}, ErrInvalidPrice},
		{"Unknown symbol", OrderRequest{UserID: "u1", Symbol: "NOPE", Side: book.Buy, Kind: book.Market, Quantity: 1}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.PlaceOrder(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPlaceOrder_MarketClosedGating(t *testing.T) {
	ctx := context.Background()

	t.Run("Market order rejected while closed", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig(), closedTime)
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 1,
		})
		assert.ErrorIs(t, err, ErrMarketClosed)
	})

	t.Run("Off-hours limit rejected by default", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig(), closedTime)
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 1, LimitPrice: 90,
		})
		assert.ErrorIs(t, err, ErrMarketClosed)
	})

	t.Run("Off-hours limit accepted when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowOffHoursLimitOrders = true
		e, _, _ := newTestEngine(t, cfg, closedTime)
		res, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 1, LimitPrice: 90,
		})
		require.NoError(t, err)
		assert.Equal(t, book.Pending, res.Order.Status)
	})

	t.Run("Force-open override admits market orders", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig(), closedTime)
		e.SetOverride(ctx, calendar.ForceOpen)
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 1,
		})
		assert.NoError(t, err)
	})
}

func TestPlaceOrder_LimitReserves(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	res, err := e.PlaceOrder(ctx, OrderRequest{
		UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 50, LimitPrice: 99,
	})
	require.NoError(t, err)
	assert.Equal(t, book.Pending, res.Order.Status)

	acc, _ := e.GetAccount("u1")
	assert.InDelta(t, 10000.0, acc.Balance, 1e-9) // balance untouched
	assert.InDelta(t, 99.0*50, acc.ReservedCash, 1e-9)

	// The reserve is not double-spendable.
	_, err = e.PlaceOrder(ctx, OrderRequest{
		UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 52,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Sell limit reserves holdings.
	mustBuyMarket(t, e, "u2", 10)
	_, err = e.PlaceOrder(ctx, OrderRequest{
		UserID: "u2", Symbol: "ZRB", Side: book.Sell, Kind: book.Limit, Quantity: 8, LimitPrice: 110,
	})
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, OrderRequest{
		UserID: "u2", Symbol: "ZRB", Side: book.Sell, Kind: book.Market, Quantity: 5,
	})
	assert.ErrorIs(t, err, ErrInsufficientHoldings)
}

func TestCancelOrder(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	res, err := e.PlaceOrder(ctx, OrderRequest{
		UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 10, LimitPrice: 95,
	})
	require.NoError(t, err)
	orderID := res.Order.ID

	t.Run("Non-owner cannot cancel", func(t *testing.T) {
		err := e.CancelOrder(ctx, orderID, "intruder")
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("Owner cancel releases exactly the reserve", func(t *testing.T) {
		require.NoError(t, e.CancelOrder(ctx, orderID, "u1"))

		acc, _ := e.GetAccount("u1")
		assert.Zero(t, acc.ReservedCash)
		assert.InDelta(t, 10000.0, acc.Balance, 1e-9)
		assert.Empty(t, e.GetOpenOrders("u1"))
	})

	t.Run("Second cancel fails with NotFound", func(t *testing.T) {
		err := e.CancelOrder(ctx, orderID, "u1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// The canonical price scenario: start 100, forced ticks 101/99/102. A sell
// limit at 99.5 submitted before the second tick stays pending through 99
// and fills on 102, at 102.
func TestLimitOrder_TriggerScenario(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	mustBuyMarket(t, e, "u1", 1)
	require.NoError(t, e.ForceSetPrice(ctx, "ZRB", 101))

	_, err := e.PlaceOrder(ctx, OrderRequest{
		UserID: "u1", Symbol: "ZRB", Side: book.Sell, Kind: book.Limit, Quantity: 1, LimitPrice: 99.5,
	})
	require.NoError(t, err)

	require.NoError(t, e.ForceSetPrice(ctx, "ZRB", 99))
	require.Len(t, e.GetOpenOrders("u1"), 1, "sell limit must not fill below its limit")

	require.NoError(t, e.ForceSetPrice(ctx, "ZRB", 102))
	require.Empty(t, e.GetOpenOrders("u1"))

	acc, _ := e.GetAccount("u1")
	// Bought 1 at 100, sold 1 at 102.
	assert.InDelta(t, 10000-100+102, acc.Balance, 1e-9)
}

func TestLimitOrder_BuyFillRefundsReserveDifference(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	// Reserve at limit 105 but fill at 99.
	_, err := e.PlaceOrder(ctx, OrderRequest{
		UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 10, LimitPrice: 105,
	})
	require.NoError(t, err)

	require.NoError(t, e.ForceSetPrice(ctx, "ZRB", 99))

	acc, _ := e.GetAccount("u1")
	assert.Zero(t, acc.ReservedCash)
	assert.InDelta(t, 10000-99*10, acc.Balance, 1e-9)

	holdings, err := e.GetHoldings("u1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(10), holdings[0].Quantity)
	assert.InDelta(t, 99.0, holdings[0].CostBasis, 1e-9)
}

func TestTick_PriceCandleAndSessionFlow(t *testing.T) {
	e, storage, clk := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	e.Tick(ctx)
	price1, err := e.GetPrice("ZRB")
	require.NoError(t, err)
	assert.Greater(t, price1, 0.0)
	assert.LessOrEqual(t, price1/100.0, 1.05+1e-9)
	assert.GreaterOrEqual(t, price1/100.0, 0.95-1e-9)

	// First open tick journals the session transition.
	events, err := storage.GetEvents(ctx, "session", openTime.Add(-time.Hour), openTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "market_open", events[0].Description)

	// Crossing the interval boundary seals exactly one candle.
	clk.Set(openTime.Add(3 * time.Minute))
	e.Tick(ctx)

	sealed, err := storage.GetCandles(ctx, "ZRB", openTime.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	assert.NoError(t, sealed[0].Validate())
	assert.Equal(t, price1, sealed[0].Close)

	candles, err := e.GetCandles("ZRB", 0)
	require.NoError(t, err)
	require.Len(t, candles, 2) // sealed + open
	assert.True(t, candles[0].Sealed)
	assert.False(t, candles[1].Sealed)
}

func TestTick_ClosedMarketFreezesPrices(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), closedTime)
	e.Tick(context.Background())

	price, err := e.GetPrice("ZRB")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
}

func TestConcurrentSubmissions_Deterministic(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.PlaceOrder(ctx, OrderRequest{
				UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Limit, Quantity: 1, LimitPrice: 50,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "order %d", i)
	}
	assert.Len(t, e.GetOpenOrders("u1"), n)

	acc, _ := e.GetAccount("u1")
	assert.InDelta(t, 50.0*n, acc.ReservedCash, 1e-9)
	assert.InDelta(t, 10000.0, acc.Balance, 1e-9)
}

func TestForceSetPrice(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	assert.ErrorIs(t, e.ForceSetPrice(ctx, "ZRB", -1), ErrInvalidPrice)
	assert.ErrorIs(t, e.ForceSetPrice(ctx, "NOPE", 10), ErrNotFound)

	require.NoError(t, e.ForceSetPrice(ctx, "ZRB", 123.45))
	price, err := e.GetPrice("ZRB")
	require.NoError(t, err)
	assert.Equal(t, 123.45, price)
}

func TestLoadState_RestoresAccountsAndReserves(t *testing.T) {
	cfg := testConfig()
	storage := db.NewMemory()
	clk := &clock.FixedClock{T: openTime}
	ctx := context.Background()

	a := New(cfg, clk, pricing.NewModel(0.05, 0.01, 1), storage, nil)
	mustBuyMarket(t, a, "u1", 10)
	_, err := a.PlaceOrder(ctx, OrderRequest{
		UserID: "u1", Symbol: "ZRB", Side: book.Sell, Kind: book.Limit, Quantity: 4, LimitPrice: 120,
	})
	require.NoError(t, err)

	b := New(cfg, clk, pricing.NewModel(0.05, 0.01, 1), storage, nil)
	require.NoError(t, b.LoadState(ctx))

	acc, err := b.GetAccount("u1")
	require.NoError(t, err)
	assert.InDelta(t, 9000.0, acc.Balance, 1e-9)

	holdings, err := b.GetHoldings("u1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(10), holdings[0].Quantity)
	assert.Equal(t, int64(4), holdings[0].Reserved) // reserve re-derived from the pending order

	pending := b.GetOpenOrders("u1")
	require.Len(t, pending, 1)
	assert.Equal(t, book.Pending, pending[0].Status)

	// A sell beyond the available (unreserved) quantity still fails.
	_, err = b.PlaceOrder(ctx, OrderRequest{
		UserID: "u1", Symbol: "ZRB", Side: book.Sell, Kind: book.Market, Quantity: 7,
	})
	assert.ErrorIs(t, err, ErrInsufficientHoldings)
}

func TestEnsureUser(t *testing.T) {
	e, storage, _ := newTestEngine(t, testConfig(), openTime)
	ctx := context.Background()

	view := e.EnsureUser(ctx, "fresh")
	assert.Equal(t, 10000.0, view.Balance)

	// Idempotent.
	mustBuyMarket(t, e, "fresh", 1)
	view = e.EnsureUser(ctx, "fresh")
	assert.InDelta(t, 9900.0, view.Balance, 1e-9)

	u, err := storage.GetUser(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, u)
}

func TestLeaderboard(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), openTime)

	e.EnsureUser(context.Background(), "rich")
	mustBuyMarket(t, e, "holder", 20) // cash 8000 + 20*100 = 10000 total

	entries := e.Leaderboard(10)
	require.Len(t, entries, 2)
	// Equal totals: tie broken by user id.
	assert.Equal(t, "holder", entries[0].UserID)
	assert.InDelta(t, 10000.0, entries[0].Total, 1e-9)
	assert.Equal(t, "rich", entries[1].UserID)
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateInterval = 10 * time.Millisecond
	e, _, _ := newTestEngine(t, cfg, openTime)

	var mu sync.Mutex
	ticks := 0
	e.SetTickListener(func(TickUpdate) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	ctx := context.Background()
	e.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	e.Stop()

	mu.Lock()
	seen := ticks
	mu.Unlock()
	assert.Greater(t, seen, 0)

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, seen, ticks, "no tick after Stop")
	mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Send(msg string) error { return n.SendWithRetry(msg) }

func (n *recordingNotifier) SendWithRetry(msg string) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func TestPlaceOrder_RejectionJournaled(t *testing.T) {
	ctx := context.Background()

	findRejections := func(t *testing.T, storage *db.MemoryStorage, around time.Time) []map[string]any {
		t.Helper()
		events, err := storage.GetEvents(ctx, "order", around.Add(-time.Hour), around.Add(time.Hour))
		require.NoError(t, err)
		var out []map[string]any
		for _, ev := range events {
			if ev.Description == "order_rejected" {
				out = append(out, ev.Data)
			}
		}
		return out
	}

	t.Run("Insufficient funds", func(t *testing.T) {
		e, storage, _ := newTestEngine(t, testConfig(), openTime)
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 1000,
		})
		require.ErrorIs(t, err, ErrInsufficientFunds)

		rejections := findRejections(t, storage, openTime)
		require.Len(t, rejections, 1)
		assert.Equal(t, "u1", rejections[0]["user_id"])
		assert.Equal(t, "ZRB", rejections[0]["symbol"])
		assert.Equal(t, int64(1000), rejections[0]["quantity"])
		reason, _ := rejections[0]["reason"].(string)
		assert.Contains(t, reason, "insufficient funds")
	})

	t.Run("Market closed", func(t *testing.T) {
		e, storage, _ := newTestEngine(t, testConfig(), closedTime)
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 1,
		})
		require.ErrorIs(t, err, ErrMarketClosed)

		rejections := findRejections(t, storage, closedTime)
		require.Len(t, rejections, 1)
		reason, _ := rejections[0]["reason"].(string)
		assert.Contains(t, reason, "market closed")
	})

	t.Run("Invalid quantity", func(t *testing.T) {
		e, storage, _ := newTestEngine(t, testConfig(), openTime)
		_, err := e.PlaceOrder(ctx, OrderRequest{
			UserID: "u1", Symbol: "ZRB", Side: book.Buy, Kind: book.Market, Quantity: 0,
		})
		require.ErrorIs(t, err, ErrInvalidQuantity)

		rejections := findRejections(t, storage, openTime)
		require.Len(t, rejections, 1)
	})

	t.Run("Accepted order leaves no rejection event", func(t *testing.T) {
		e, storage, _ := newTestEngine(t, testConfig(), openTime)
		mustBuyMarket(t, e, "u1", 1)
		assert.Empty(t, findRejections(t, storage, openTime))
	})
}

func TestSessionClose_PostsRanking(t *testing.T) {
	storage := db.NewMemory()
	clk := &clock.FixedClock{T: openTime}
	notify := &recordingNotifier{}
	e := New(testConfig(), clk, pricing.NewModel(0.05, 0.01, 42), storage, notify)

	ctx := context.Background()
	e.Tick(ctx) // open transition
	mustBuyMarket(t, e, "u1", 5)
	e.EnsureUser(ctx, "u2")

	clk.Set(closedTime)
	e.Tick(ctx) // close transition

	msgs := notify.messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs, "Market is now closed")

	var ranking string
	for _, m := range msgs {
		if strings.Contains(m, "Total asset ranking") {
			ranking = m
		}
	}
	require.NotEmpty(t, ranking, "no ranking posted on close")
	assert.Contains(t, ranking, "u1")
	assert.Contains(t, ranking, "u2")
}
