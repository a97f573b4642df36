// Package pricing
package pricing

import (
	"math"
	"math/rand"
	"time"
)

// Model produces the next simulated price for an instrument as a bounded
// random walk step. It is not safe for concurrent use; the engine calls it
// under its own lock.
type Model struct {
	// MaxMove is the hard cap on the relative move per tick (e.g. 0.05
	// for ±5%). Per-symbol volatility is scaled into this cap.
	MaxMove float64
	// MinPrice is the floor a step can never breach.
	MinPrice float64

	rng *rand.Rand
}

// NewModel creates a model with the given cap and floor. A non-zero seed
// makes the walk reproducible; seed 0 seeds from the clock so restarts do
// not replay the same path. A zero maxMove or minPrice falls back to
// defaults.
func NewModel(maxMove, minPrice float64, seed int64) *Model {
	if maxMove <= 0 {
		maxMove = 0.05
	}
	if minPrice <= 0 {
		minPrice = 0.01
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Model{
		MaxMove:  maxMove,
		MinPrice: minPrice,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next price given the current one. volatility scales the
// step within (0, 1]; values outside that range are clamped. The result is
// always finite and >= MinPrice.
func (m *Model) Next(current, volatility float64) float64 {
	if current < m.MinPrice || math.IsNaN(current) || math.IsInf(current, 0) {
		current = m.MinPrice
	}
	if volatility <= 0 || volatility > 1 {
		volatility = 1
	}

	// Symmetric step in [-MaxMove*vol, +MaxMove*vol].
	step := (m.rng.Float64()*2 - 1) * m.MaxMove * volatility
	next := current * (1 + step)

	if next < m.MinPrice || math.IsNaN(next) {
		next = m.MinPrice
	}
	return next
}
