package domain

// OrderSide represents the side of an order or execution (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Valid reports whether the side is one of the known order sides.
func (s OrderSide) Valid() bool {
	return s == Buy || s == Sell
}

// Opens returns the position side a fill on this order side opens when no opposite lot exists.
func (s OrderSide) Opens() PositionSide {
	if s == Sell {
		return SideShort
	}
	return SideLong
}

// PositionSide represents the direction of an open position.
type PositionSide string

const (
	SideNone  PositionSide = "" // No position
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Opposite returns the other side of the position. SideNone stays SideNone.
func (s PositionSide) Opposite() PositionSide {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideNone
	}
}

// PositionStatus represents the status of a strategy's position.
type PositionStatus string

const (
	StatusOpen PositionStatus = "open"
	StatusFlat PositionStatus = "flat"
)

// CloseReason indicates why a position (or part of it) was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonUnknown    CloseReason = "UNKNOWN"
)

// Exchange native order types relevant for exit-reason inference.
const (
	OrderTypeMarket             = "MARKET"
	OrderTypeLimit              = "LIMIT"
	OrderTypeStop               = "STOP"
	OrderTypeStopMarket         = "STOP_MARKET"
	OrderTypeTakeProfit         = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket   = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket = "TRAILING_STOP_MARKET"
)

// CloseReasonForOrderType maps an exchange order type to the exit reason it implies.
// It returns an empty reason when the order type carries no exit semantics.
func CloseReasonForOrderType(orderType string) CloseReason {
	switch orderType {
	case OrderTypeTakeProfit, OrderTypeTakeProfitMarket:
		return CloseReasonTakeProfit
	case OrderTypeStop, OrderTypeStopMarket, OrderTypeTrailingStopMarket:
		return CloseReasonStopLoss
	default:
		return ""
	}
}
