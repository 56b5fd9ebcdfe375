package domain

import "time"

// CompletedTrade is one matched entry/exit pair produced by the fill-matching engine.
type CompletedTrade struct {
	ID              int64 // Unique identifier (usually from DB)
	StrategyID      string
	Symbol          string
	Side            PositionSide
	PositionCycleID CycleID

	EntryOrderID int64
	ExitOrderID  int64
	EntryPrice   float64
	ExitPrice    float64
	EntryTime    time.Time
	ExitTime     time.Time
	Quantity     float64

	// Margin metadata, taken from the entry lot.
	Leverage      int
	MarginType    string
	InitialMargin float64
	NotionalValue float64

	Fee          float64 // Prorated entry fee + prorated exit fee
	FeeEstimated bool    // True when any part of Fee came from a notional-based estimate
	FundingFee   float64 // Attributed after matching; negative means paid
	PNL          float64 // Net realized PnL in quote currency (after fees)
	PNLPercent   float64 // PNL / (EntryPrice * Quantity) * 100
	CloseReason  CloseReason
}

// OpenLot is still-open entry quantity awaiting a matching exit.
// Lots only live for one matching pass and are never persisted directly.
type OpenLot struct {
	Side             PositionSide
	Quantity         float64 // Remaining quantity
	OriginalQuantity float64 // Quantity when the lot was opened
	EntryPrice       float64
	EntryTime        time.Time
	EntryOrderID     int64
	EntryFee         float64 // Fee for OriginalQuantity, prorated from the entry fill
	FeeEstimated     bool
	Leverage         int
	MarginType       string
	InitialMargin    float64 // For OriginalQuantity
	NotionalValue    float64 // For OriginalQuantity
	CycleID          CycleID
	ExitReason       CloseReason // Legacy reason carried on the opening order
}
