package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/candle"
	"github.com/zirunbi/zirunbi/internal/journal"
)

func TestMemoryStorage_LoadState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveBalance(ctx, "u1", 9500))
	require.NoError(t, m.SaveHolding(ctx, "u1", "ZRB", 5, 100))
	require.NoError(t, m.SaveHolding(ctx, "u1", "GONE", 0, 0))

	base := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		c := candle.Candle{
			Symbol: "ZRB", Timestamp: base.Add(time.Duration(i) * 3 * time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100 + float64(i), Volume: 1, Sealed: true,
		}
		require.NoError(t, m.SaveCandle(ctx, c))
	}

	pending := book.NewOrder("u1", "ZRB", book.Buy, book.Limit, 2, 95, base)
	require.NoError(t, m.SaveOrder(ctx, *pending))
	filled := book.NewOrder("u1", "ZRB", book.Buy, book.Market, 1, 0, base)
	filled.Status = book.Filled
	require.NoError(t, m.SaveOrder(ctx, *filled))

	st, err := m.LoadState(ctx, 3)
	require.NoError(t, err)

	require.Len(t, st.Users, 1)
	assert.Equal(t, 9500.0, st.Users[0].Balance)

	require.Len(t, st.Holdings, 1) // zero-quantity holding skipped
	assert.Equal(t, int64(5), st.Holdings[0].Quantity)

	require.Len(t, st.PendingOrders, 1)
	assert.Equal(t, pending.ID, st.PendingOrders[0].ID)

	require.Len(t, st.RecentCandles["ZRB"], 3) // capped at window
	assert.Equal(t, 104.0, st.LastPrices["ZRB"])
}

func TestMemoryStorage_SaveCandleUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ts := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	c := candle.Candle{Symbol: "ZRB", Timestamp: ts, Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}
	require.NoError(t, m.SaveCandle(ctx, c))

	c.Close = 99
	c.Low = 99
	require.NoError(t, m.SaveCandle(ctx, c))

	got, err := m.GetCandles(ctx, "ZRB", ts.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 99.0, got[0].Close)
}

func TestMemoryStorage_SaveCandleRejectsInvalid(t *testing.T) {
	m := NewMemory()
	bad := candle.Candle{Symbol: "ZRB", Timestamp: time.Now(), Open: 100, High: 90, Low: 95, Close: 92}
	assert.Error(t, m.SaveCandle(context.Background(), bad))
}

func TestMemoryStorage_UserPassword(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, err := m.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)

	require.NoError(t, m.SaveBalance(ctx, "u1", 10000))
	require.NoError(t, m.SetPassword(ctx, "u1", "hash"))

	u, err = m.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "hash", u.PasswordHash)
	assert.Equal(t, 10000.0, u.Balance)
}

func TestMemoryStorage_Events(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base, Type: "fill", Description: "a"}))
	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base.Add(time.Hour), Type: "fill", Description: "b"}))
	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base, Type: "session", Description: "c"}))

	got, err := m.GetEvents(ctx, "fill", base, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Description)
}
