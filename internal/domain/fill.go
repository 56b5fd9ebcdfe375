package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidFill is returned when a fill violates a basic invariant (quantity, side, price).
var ErrInvalidFill = errors.New("invalid fill")

// CycleID is the opaque token scoping every fill of one open->close position cycle.
// The empty value means "absent" (fills recorded before cycle identifiers existed).
type CycleID string

// IsZero reports whether the identifier is absent.
func (c CycleID) IsZero() bool { return c == "" }

// Fill represents one execution (partial or full) of an order on the exchange.
type Fill struct {
	StrategyID      string
	Symbol          string
	Side            OrderSide
	Quantity        float64   // Executed quantity, always > 0
	Price           float64   // Execution price
	OrderID         int64     // Exchange order ID
	TradeID         int64     // Exchange trade (execution) ID, 0 if unknown
	Timestamp       time.Time // Execution time (zero if missing)
	UpdateTime      time.Time // Order update time, used when Timestamp is missing
	Commission      *float64  // Commission in quote currency, nil when the exchange did not report it
	CommissionAsset string
	Leverage        int // 0 when not recorded
	MarginType      string
	InitialMargin   float64
	NotionalValue   float64
	PositionCycleID CycleID

	// OrderType is the exchange order type of the order that produced the fill, if known.
	OrderType string
	// ExitReason is an explicit reason attached to the order by the strategy, if any.
	ExitReason CloseReason
}

// Validate checks the invariants of a single fill.
func (f Fill) Validate() error {
	if !f.Side.Valid() {
		return fmt.Errorf("%w: order %d has unknown side %q", ErrInvalidFill, f.OrderID, f.Side)
	}
	if !(f.Quantity > 0) || math.IsInf(f.Quantity, 0) {
		return fmt.Errorf("%w: order %d has non-positive quantity %v", ErrInvalidFill, f.OrderID, f.Quantity)
	}
	if f.Price < 0 || math.IsNaN(f.Price) || math.IsInf(f.Price, 0) {
		return fmt.Errorf("%w: order %d has invalid price %v", ErrInvalidFill, f.OrderID, f.Price)
	}
	return nil
}

// FundingEvent is one funding-fee settlement reported by the exchange.
// Amount is signed from the account's perspective: negative means paid.
type FundingEvent struct {
	StrategyID string
	Symbol     string
	Amount     float64
	Asset      string
	Time       time.Time
	TranID     int64
}
