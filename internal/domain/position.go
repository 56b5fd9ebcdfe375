package domain

import "time"

// PositionSummary is the per-strategy view of the current position, shared across
// the database, the cache and the in-process memory store.
type PositionSummary struct {
	StrategyID      string
	Symbol          string
	Leverage        int    // Strategy default leverage
	MarginType      string // e.g. "cross", "isolated"
	Size            float64
	Side            PositionSide
	EntryPrice      float64
	CurrentPrice    float64
	UnrealizedPNL   float64
	PositionCycleID CycleID
	Status          PositionStatus

	// Protective orders tracked for the open position (nil when none).
	TakeProfitOrderID *int64
	StopLossOrderID   *int64
	LastExitReason    CloseReason

	UpdatedAt time.Time
}

// NewPositionSummary returns the summary of a freshly registered strategy with no position.
func NewPositionSummary(strategyID, symbol string, leverage int, marginType string) PositionSummary {
	return PositionSummary{
		StrategyID: strategyID,
		Symbol:     symbol,
		Leverage:   leverage,
		MarginType: marginType,
		Status:     StatusFlat,
	}
}

// IsOpen reports whether the strategy currently holds a position.
func (p *PositionSummary) IsOpen() bool {
	return p.Size > 0
}

// HasProtectiveOrders reports whether take-profit or stop-loss orders are tracked.
func (p *PositionSummary) HasProtectiveOrders() bool {
	return p.TakeProfitOrderID != nil || p.StopLossOrderID != nil
}

// Clone returns a deep copy, so callers never share the order-id pointers.
func (p PositionSummary) Clone() PositionSummary {
	if p.TakeProfitOrderID != nil {
		v := *p.TakeProfitOrderID
		p.TakeProfitOrderID = &v
	}
	if p.StopLossOrderID != nil {
		v := *p.StopLossOrderID
		p.StopLossOrderID = &v
	}
	return p
}

// StateUpdate is a partial update of a PositionSummary. Nil fields are left untouched.
type StateUpdate struct {
	Size           *float64
	Side           *PositionSide
	EntryPrice     *float64
	CurrentPrice   *float64
	UnrealizedPNL  *float64
	CycleID        *CycleID
	Status         *PositionStatus
	LastExitReason *CloseReason

	TakeProfitOrderID *int64
	StopLossOrderID   *int64
	// ClearProtectiveOrders drops both tracked order ids. Applied before the ids above.
	ClearProtectiveOrders bool

	UpdatedAt time.Time
}

// IsEmpty reports whether the update changes nothing.
func (u StateUpdate) IsEmpty() bool {
	return u.Size == nil && u.Side == nil && u.EntryPrice == nil && u.CurrentPrice == nil &&
		u.UnrealizedPNL == nil && u.CycleID == nil && u.Status == nil && u.LastExitReason == nil &&
		u.TakeProfitOrderID == nil && u.StopLossOrderID == nil && !u.ClearProtectiveOrders
}

// Apply writes the set fields of the update into p.
func (u StateUpdate) Apply(p *PositionSummary) {
	if u.Size != nil {
		p.Size = *u.Size
	}
	if u.Side != nil {
		p.Side = *u.Side
	}
	if u.EntryPrice != nil {
		p.EntryPrice = *u.EntryPrice
	}
	if u.CurrentPrice != nil {
		p.CurrentPrice = *u.CurrentPrice
	}
	if u.UnrealizedPNL != nil {
		p.UnrealizedPNL = *u.UnrealizedPNL
	}
	if u.CycleID != nil {
		p.PositionCycleID = *u.CycleID
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.LastExitReason != nil {
		p.LastExitReason = *u.LastExitReason
	}
	if u.ClearProtectiveOrders {
		p.TakeProfitOrderID = nil
		p.StopLossOrderID = nil
	}
	if u.TakeProfitOrderID != nil {
		v := *u.TakeProfitOrderID
		p.TakeProfitOrderID = &v
	}
	if u.StopLossOrderID != nil {
		v := *u.StopLossOrderID
		p.StopLossOrderID = &v
	}
	if !u.UpdatedAt.IsZero() {
		p.UpdatedAt = u.UpdatedAt
	}
}

// CycleRecord is the lifetime of one position cycle as recorded in the database.
type CycleRecord struct {
	ID         CycleID
	StrategyID string
	OpenedAt   time.Time
	ClosedAt   time.Time // Zero while the cycle is open
}
