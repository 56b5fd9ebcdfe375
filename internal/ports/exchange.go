package ports

import (
	"context"
	"time"

	"positionSyncBot/internal/domain"
)

// OrderResponse represents the essential details returned after placing or cancelling an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	Price         float64   // Price of the order
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	Type          string    // Order type (e.g., MARKET, LIMIT, STOP_MARKET)
	Side          string    // Order side (BUY, SELL)
	Timestamp     time.Time // Time the order response was generated
}

// OrderInfo is a still-open (or looked-up) order on the exchange.
type OrderInfo struct {
	OrderID   int64
	Symbol    string
	Type      string // Native order type (e.g., TAKE_PROFIT_MARKET)
	Side      string
	Status    string
	StopPrice float64
	UpdatedAt time.Time
}

// PositionRisk represents the exchange's view of an open position.
type PositionRisk struct {
	Symbol           string  // Symbol of the position
	PositionAmt      float64 // Current position amount (positive for long, negative for short)
	EntryPrice       float64 // Average entry price of the position
	MarkPrice        float64 // Current mark price
	UnRealizedProfit float64 // Unrealized profit/loss
	LiquidationPrice float64 // Estimated liquidation price
	Leverage         int     // Current leverage for the position
	MarginType       string  // cross or isolated
	IsolatedMargin   float64 // Isolated margin (if applicable)
}

// PositionExchange is the narrow slice of the exchange the reconciliation engine needs.
type PositionExchange interface {
	// GetPositionRisk retrieves the current position for a symbol.
	// Returns nil, nil when the exchange reports no position (amount zero).
	GetPositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)

	// GetOpenOrders lists the orders still open for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error)

	// CancelOrder cancels an existing open order by its ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
}

// ExchangeClient defines the full interface for interacting with a derivatives exchange.
// This abstraction allows decoupling the core bot logic from specific exchange implementations.
type ExchangeClient interface {
	PositionExchange

	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetOrder looks up a single order, open or not.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderInfo, error)

	// ListAccountTrades returns the account's executions for a symbol from since (inclusive), oldest first.
	ListAccountTrades(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error)

	// ListFundingFees returns funding-fee settlements for a symbol from since (inclusive), oldest first.
	ListFundingFees(ctx context.Context, symbol string, since time.Time) ([]domain.FundingEvent, error)
}
