package redisstore

import (
	"encoding/json"
	"fmt"
	"time"

	"positionSyncBot/internal/domain"
)

// record is the cached wire form of a position summary.
type record struct {
	StrategyID        string    `json:"strategy_id"`
	Symbol            string    `json:"symbol"`
	Leverage          int       `json:"leverage"`
	MarginType        string    `json:"margin_type,omitempty"`
	Size              float64   `json:"size"`
	Side              string    `json:"side,omitempty"`
	EntryPrice        float64   `json:"entry_price"`
	CurrentPrice      float64   `json:"current_price"`
	UnrealizedPNL     float64   `json:"unrealized_pnl"`
	PositionCycleID   string    `json:"position_cycle_id,omitempty"`
	Status            string    `json:"status"`
	TakeProfitOrderID *int64    `json:"take_profit_order_id,omitempty"`
	StopLossOrderID   *int64    `json:"stop_loss_order_id,omitempty"`
	LastExitReason    string    `json:"last_exit_reason,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func fromSummary(p domain.PositionSummary) record {
	p = p.Clone()
	return record{
		StrategyID:        p.StrategyID,
		Symbol:            p.Symbol,
		Leverage:          p.Leverage,
		MarginType:        p.MarginType,
		Size:              p.Size,
		Side:              string(p.Side),
		EntryPrice:        p.EntryPrice,
		CurrentPrice:      p.CurrentPrice,
		UnrealizedPNL:     p.UnrealizedPNL,
		PositionCycleID:   string(p.PositionCycleID),
		Status:            string(p.Status),
		TakeProfitOrderID: p.TakeProfitOrderID,
		StopLossOrderID:   p.StopLossOrderID,
		LastExitReason:    string(p.LastExitReason),
		UpdatedAt:         p.UpdatedAt,
	}
}

func (r record) toSummary() *domain.PositionSummary {
	return &domain.PositionSummary{
		StrategyID:        r.StrategyID,
		Symbol:            r.Symbol,
		Leverage:          r.Leverage,
		MarginType:        r.MarginType,
		Size:              r.Size,
		Side:              domain.PositionSide(r.Side),
		EntryPrice:        r.EntryPrice,
		CurrentPrice:      r.CurrentPrice,
		UnrealizedPNL:     r.UnrealizedPNL,
		PositionCycleID:   domain.CycleID(r.PositionCycleID),
		Status:            domain.PositionStatus(r.Status),
		TakeProfitOrderID: r.TakeProfitOrderID,
		StopLossOrderID:   r.StopLossOrderID,
		LastExitReason:    domain.CloseReason(r.LastExitReason),
		UpdatedAt:         r.UpdatedAt,
	}
}

func decode(data []byte) (*domain.PositionSummary, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding cached summary: %w", err)
	}
	if r.StrategyID == "" {
		return nil, fmt.Errorf("decoding cached summary: missing strategy_id")
	}
	return r.toSummary(), nil
}
