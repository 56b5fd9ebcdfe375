package ports

import (
	"context"
	"time"

	"positionSyncBot/internal/domain"
)

// StateRepository is the system of record for per-strategy position state.
type StateRepository interface {
	// RegisterStrategy creates the strategy row with a flat position if it does not exist yet.
	RegisterStrategy(ctx context.Context, summary domain.PositionSummary) error
	// GetStrategyState retrieves the stored summary. Returns an error wrapping ErrNotFound if absent.
	GetStrategyState(ctx context.Context, strategyID string) (*domain.PositionSummary, error)
	// UpdateStrategyState applies a partial update atomically.
	UpdateStrategyState(ctx context.Context, strategyID string, update domain.StateUpdate) error
	// ListStrategyStates returns every registered strategy.
	ListStrategyStates(ctx context.Context) ([]*domain.PositionSummary, error)
	// ListCycles returns the position cycles of a strategy, oldest first.
	ListCycles(ctx context.Context, strategyID string) ([]domain.CycleRecord, error)
}

// StateCache is the best-effort cache layer in front of the database.
type StateCache interface {
	SaveToCache(ctx context.Context, strategyID string, state domain.PositionSummary) error
	// GetCachedStrategy returns nil, nil when the strategy is not cached.
	GetCachedStrategy(ctx context.Context, strategyID string) (*domain.PositionSummary, error)
	GetAllCachedStrategies(ctx context.Context) (map[string]*domain.PositionSummary, error)
	// DeleteFromCache drops a strategy's cached copy. Deleting an absent key is not an error.
	DeleteFromCache(ctx context.Context, strategyID string) error
}

// TradeRepository stores completed trades produced by the matching engine.
type TradeRepository interface {
	// SaveCompletedTrades replaces the strategy's completed trades with the given list.
	SaveCompletedTrades(ctx context.Context, strategyID string, trades []*domain.CompletedTrade) error
	// FindTradesByStrategy retrieves the most recent trades of a strategy, up to a limit.
	FindTradesByStrategy(ctx context.Context, strategyID string, limit int) ([]*domain.CompletedTrade, error)
}

// FillRepository is the fill source for the matching engine.
type FillRepository interface {
	// SaveFills stores fills, skipping ones already recorded. Returns the number inserted.
	SaveFills(ctx context.Context, strategyID string, fills []domain.Fill) (int, error)
	// ListFills returns the strategy's fills in [from, to]; zero bounds are open.
	ListFills(ctx context.Context, strategyID string, from, to time.Time) ([]domain.Fill, error)
	// LatestFillTime returns the time of the newest stored fill (zero if none).
	LatestFillTime(ctx context.Context, strategyID string) (time.Time, error)
	// AssignFillCycles sets the position cycle of stored fills that have none yet, keyed by
	// trade ID. Fills that already carry a cycle are left alone. Returns the rows updated.
	AssignFillCycles(ctx context.Context, strategyID string, fills []domain.Fill) (int, error)
}

// FundingRepository stores funding-fee settlements.
type FundingRepository interface {
	SaveFundingEvents(ctx context.Context, strategyID string, events []domain.FundingEvent) (int, error)
	ListFundingEvents(ctx context.Context, strategyID string, from, to time.Time) ([]domain.FundingEvent, error)
	LatestFundingTime(ctx context.Context, strategyID string) (time.Time, error)
}
