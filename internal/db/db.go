// Package db
package db

import (
	"context"
	"time"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/candle"
	"github.com/zirunbi/zirunbi/internal/journal"
)

// User is the persisted account record.
type User struct {
	ID           string
	PasswordHash string // web login; empty until set
	Balance      float64
}

// Holding is the persisted position of one user in one symbol.
type Holding struct {
	UserID    string
	Symbol    string
	Quantity  int64
	CostBasis float64 // average cost per unit
}

// State is everything the engine needs to resume after a restart.
type State struct {
	Users         []User
	Holdings      []Holding
	PendingOrders []book.Order
	// RecentCandles maps symbol to its most recent sealed candles,
	// oldest first, capped at the window passed to LoadState.
	RecentCandles map[string][]candle.Candle
	// LastPrices maps symbol to the close of its latest stored candle.
	LastPrices map[string]float64
}

// Storage is the interface for all persistent storage. The engine calls it
// strictly outside its lock; implementations carry their own synchronization.
type Storage interface {
	LoadState(ctx context.Context, recentWindow int) (*State, error)

	SaveCandle(ctx context.Context, c candle.Candle) error
	SaveOrder(ctx context.Context, o book.Order) error
	SaveBalance(ctx context.Context, userID string, balance float64) error
	SaveHolding(ctx context.Context, userID, symbol string, quantity int64, costBasis float64) error

	GetCandles(ctx context.Context, symbol string, since time.Time, limit int) ([]candle.Candle, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	SetPassword(ctx context.Context, userID, passwordHash string) error

	journal.Journaler

	Close() error
}
