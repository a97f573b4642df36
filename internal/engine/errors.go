package engine

import (
	"errors"
	"fmt"
)

// Caller-facing error kinds. Every rejected operation returns one of these
// (possibly wrapped); callers discriminate with errors.Is.
var (
	ErrMarketClosed         = errors.New("market closed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidPrice         = errors.New("invalid price")
	ErrNotFound             = errors.New("not found")
	ErrNotOwner             = errors.New("not order owner")
)

// ErrUnknownSymbol wraps ErrNotFound so both checks hold.
var ErrUnknownSymbol = fmt.Errorf("unknown symbol: %w", ErrNotFound)
