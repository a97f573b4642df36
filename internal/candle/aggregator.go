package candle

import (
	"time"
)

// Aggregator folds price ticks into fixed-interval candles. It holds one
// open candle per symbol plus a bounded window of recent sealed candles for
// charting; the full history lives in storage. The aggregator is not
// goroutine-safe: the engine calls it under its own lock.
type Aggregator struct {
	interval time.Duration
	window   int

	open   map[string]*Candle
	recent map[string][]Candle
}

// NewAggregator creates an aggregator with the given candle interval and
// in-memory window of sealed candles per symbol.
func NewAggregator(interval time.Duration, window int) *Aggregator {
	if window <= 0 {
		window = 200
	}
	return &Aggregator{
		interval: interval,
		window:   window,
		open:     make(map[string]*Candle),
		recent:   make(map[string][]Candle),
	}
}

// Interval returns the configured candle interval.
func (a *Aggregator) Interval() time.Duration { return a.interval }

// intervalStart truncates ts to the containing interval boundary.
func (a *Aggregator) intervalStart(ts time.Time) time.Time {
	return ts.Truncate(a.interval)
}

// IngestTick folds one price observation into the symbol's open candle.
// Crossing an interval boundary seals the previous candle and returns it;
// otherwise the return is nil.
func (a *Aggregator) IngestTick(symbol string, price float64, ts time.Time, volumeDelta int64) *Candle {
	start := a.intervalStart(ts)

	cur, ok := a.open[symbol]
	if ok && cur.Timestamp.Equal(start) {
		if price > cur.High {
			cur.High = price
		}
		if price < cur.Low {
			cur.Low = price
		}
		cur.Close = price
		cur.Volume += volumeDelta
		return nil
	}

	var sealed *Candle
	if ok {
		cur.Sealed = true
		sealed = cur
		a.remember(*cur)
	}

	a.open[symbol] = &Candle{
		Symbol:    symbol,
		Timestamp: start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volumeDelta,
	}
	return sealed
}

// AddVolume accumulates fill volume into the symbol's open candle without
// touching the price. No-op when no candle is open yet.
func (a *Aggregator) AddVolume(symbol string, delta int64) {
	if cur, ok := a.open[symbol]; ok {
		cur.Volume += delta
	}
}

// Open returns a copy of the symbol's current open candle.
func (a *Aggregator) Open(symbol string) (Candle, bool) {
	cur, ok := a.open[symbol]
	if !ok {
		return Candle{}, false
	}
	return *cur, true
}

// Recent returns up to limit sealed candles for symbol, oldest first,
// followed by the current open candle. limit <= 0 means the whole window.
func (a *Aggregator) Recent(symbol string, limit int) []Candle {
	sealed := a.recent[symbol]
	if limit > 0 && len(sealed) > limit {
		sealed = sealed[len(sealed)-limit:]
	}

	out := make([]Candle, 0, len(sealed)+1)
	out = append(out, sealed...)
	if cur, ok := a.open[symbol]; ok {
		out = append(out, *cur)
	}
	return out
}

// Restore preloads the sealed window for a symbol, oldest first. Used when
// loading state from storage at startup.
func (a *Aggregator) Restore(symbol string, candles []Candle) {
	if len(candles) > a.window {
		candles = candles[len(candles)-a.window:]
	}
	buf := make([]Candle, len(candles))
	copy(buf, candles)
	for i := range buf {
		buf[i].Sealed = true
	}
	a.recent[symbol] = buf
}

func (a *Aggregator) remember(c Candle) {
	buf := append(a.recent[c.Symbol], c)
	if len(buf) > a.window {
		buf = buf[len(buf)-a.window:]
	}
	a.recent[c.Symbol] = buf
}
