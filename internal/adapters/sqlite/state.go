package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"
)

const stateColumns = `strategy_id, symbol, leverage, margin_type, size, side, entry_price, current_price,
	unrealized_pnl, position_cycle_id, status, take_profit_order_id, stop_loss_order_id,
	last_exit_reason, updated_at`

// --- StateRepository Implementation ---

// RegisterStrategy creates the strategy row with a flat position. For a strategy that already
// exists only its static configuration is refreshed; the position columns are left alone.
func (r *Repository) RegisterStrategy(ctx context.Context, summary domain.PositionSummary) error {
	const query = `
	INSERT INTO strategy_state (strategy_id, symbol, leverage, margin_type, status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (strategy_id) DO UPDATE SET
		symbol = excluded.symbol,
		leverage = excluded.leverage,
		margin_type = excluded.margin_type`

	status := summary.Status
	if status == "" {
		status = domain.StatusFlat
	}
	_, err := r.db.ExecContext(ctx, query,
		summary.StrategyID, summary.Symbol, summary.Leverage, summary.MarginType, status, toMillis(r.now()))
	if err != nil {
		return fmt.Errorf("failed to register strategy %s: %w: %w", summary.StrategyID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Strategy registered", map[string]interface{}{"strategyID": summary.StrategyID, "symbol": summary.Symbol})
	return nil
}

// GetStrategyState retrieves the stored summary of a strategy.
func (r *Repository) GetStrategyState(ctx context.Context, strategyID string) (*domain.PositionSummary, error) {
	query := `SELECT ` + stateColumns + ` FROM strategy_state WHERE strategy_id = ?`
	s, err := scanState(r.db.QueryRowContext(ctx, query, strategyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query state for strategy %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}
	return s, nil
}

// ListStrategyStates returns every registered strategy ordered by ID.
func (r *Repository) ListStrategyStates(ctx context.Context) ([]*domain.PositionSummary, error) {
	query := `SELECT ` + stateColumns + ` FROM strategy_state ORDER BY strategy_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy states: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	states := make([]*domain.PositionSummary, 0)
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy state: %w", err)
		}
		states = append(states, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategy state rows: %w", err)
	}
	return states, nil
}

// UpdateStrategyState applies a partial update in one transaction. Changing the cycle
// identifier closes the previous cycle record and opens the new one.
func (r *Repository) UpdateStrategyState(ctx context.Context, strategyID string, update domain.StateUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin state update for %s: %w: %w", strategyID, ports.ErrDBConnection, err)
	}
	defer rollback(tx)

	query := `SELECT ` + stateColumns + ` FROM strategy_state WHERE strategy_id = ?`
	current, err := scanState(tx.QueryRowContext(ctx, query, strategyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
		}
		return fmt.Errorf("failed to read state for %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}

	previousCycle := current.PositionCycleID
	update.Apply(current)
	if update.UpdatedAt.IsZero() {
		current.UpdatedAt = r.now()
	}

	const updateQuery = `
	UPDATE strategy_state
	SET size = ?, side = ?, entry_price = ?, current_price = ?, unrealized_pnl = ?,
	    position_cycle_id = ?, status = ?, take_profit_order_id = ?, stop_loss_order_id = ?,
	    last_exit_reason = ?, updated_at = ?
	WHERE strategy_id = ?`
	_, err = tx.ExecContext(ctx, updateQuery,
		current.Size, string(current.Side), current.EntryPrice, current.CurrentPrice, current.UnrealizedPNL,
		nullString(string(current.PositionCycleID)), string(current.Status),
		nullInt64Ptr(current.TakeProfitOrderID), nullInt64Ptr(current.StopLossOrderID),
		string(current.LastExitReason), toMillis(current.UpdatedAt),
		strategyID)
	if err != nil {
		return fmt.Errorf("failed to update state for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
	}

	if current.PositionCycleID != previousCycle {
		if !previousCycle.IsZero() {
			_, err = tx.ExecContext(ctx,
				`UPDATE position_cycles SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
				toMillis(current.UpdatedAt), string(previousCycle))
			if err != nil {
				return fmt.Errorf("failed to close cycle %s: %w: %w", previousCycle, ports.ErrUpdateFailed, err)
			}
		}
		if !current.PositionCycleID.IsZero() {
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO position_cycles (id, strategy_id, opened_at) VALUES (?, ?, ?)`,
				string(current.PositionCycleID), strategyID, toMillis(current.UpdatedAt))
			if err != nil {
				return fmt.Errorf("failed to open cycle %s: %w: %w", current.PositionCycleID, ports.ErrUpdateFailed, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state update for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Strategy state updated", map[string]interface{}{
		"strategyID": strategyID,
		"size":       current.Size,
		"status":     current.Status,
		"cycleID":    current.PositionCycleID,
	})
	return nil
}

// ListCycles returns the position cycles of a strategy, oldest first.
func (r *Repository) ListCycles(ctx context.Context, strategyID string) ([]domain.CycleRecord, error) {
	const query = `
	SELECT id, strategy_id, opened_at, closed_at
	FROM position_cycles
	WHERE strategy_id = ?
	ORDER BY opened_at, id`

	rows, err := r.db.QueryContext(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles for %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var cycles []domain.CycleRecord
	for rows.Next() {
		var (
			c        domain.CycleRecord
			id       string
			opened   sql.NullInt64
			closedAt sql.NullInt64
		)
		if err := rows.Scan(&id, &c.StrategyID, &opened, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		c.ID = domain.CycleID(id)
		c.OpenedAt = fromMillis(opened)
		c.ClosedAt = fromMillis(closedAt)
		cycles = append(cycles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle rows: %w", err)
	}
	return cycles, nil
}

// scanState scans a row into a domain.PositionSummary.
func scanState(s scanner) (*domain.PositionSummary, error) {
	p := &domain.PositionSummary{}
	var (
		side, status, exitReason string
		cycleID                  sql.NullString
		tpID, slID, updatedAt    sql.NullInt64
	)
	err := s.Scan(
		&p.StrategyID, &p.Symbol, &p.Leverage, &p.MarginType, &p.Size, &side, &p.EntryPrice, &p.CurrentPrice,
		&p.UnrealizedPNL, &cycleID, &status, &tpID, &slID, &exitReason, &updatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	p.LastExitReason = domain.CloseReason(exitReason)
	if cycleID.Valid {
		p.PositionCycleID = domain.CycleID(cycleID.String)
	}
	p.TakeProfitOrderID = int64PtrFromNull(tpID)
	p.StopLossOrderID = int64PtrFromNull(slID)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}
