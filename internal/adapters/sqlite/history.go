package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"
)

// --- FillRepository Implementation ---

// SaveFills stores fills, skipping executions already recorded for the strategy.
// Fills without a trade ID are never deduplicated.
func (r *Repository) SaveFills(ctx context.Context, strategyID string, fills []domain.Fill) (int, error) {
	if len(fills) == 0 {
		return 0, nil
	}
	const query = `
	INSERT OR IGNORE INTO fills (strategy_id, symbol, side, quantity, price, order_id, trade_id, ts,
	                             update_time, commission, commission_asset, leverage, margin_type,
	                             initial_margin, notional_value, position_cycle_id, order_type, exit_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin fill insert for %s: %w: %w", strategyID, ports.ErrDBConnection, err)
	}
	defer rollback(tx)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare fill insert: %w: %w", ports.ErrUpdateFailed, err)
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range fills {
		var tradeID sql.NullInt64
		if f.TradeID != 0 {
			tradeID = sql.NullInt64{Int64: f.TradeID, Valid: true}
		}
		var commission sql.NullFloat64
		if f.Commission != nil {
			commission = sql.NullFloat64{Float64: *f.Commission, Valid: true}
		}
		res, err := stmt.ExecContext(ctx,
			strategyID, f.Symbol, string(f.Side), f.Quantity, f.Price, f.OrderID, tradeID, toMillis(f.Timestamp),
			toMillis(f.UpdateTime), commission, f.CommissionAsset, f.Leverage, f.MarginType,
			f.InitialMargin, f.NotionalValue, nullString(string(f.PositionCycleID)), f.OrderType, string(f.ExitReason))
		if err != nil {
			return 0, fmt.Errorf("failed to insert fill %d/%d: %w: %w", f.OrderID, f.TradeID, ports.ErrUpdateFailed, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected for fill insert: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit fills for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Fills saved", map[string]interface{}{"strategyID": strategyID, "received": len(fills), "inserted": inserted})
	return inserted, nil
}

// AssignFillCycles sets position_cycle_id on stored fills that have none. Fills are found by
// trade ID, or by order ID and time when the exchange gave no trade ID.
func (r *Repository) AssignFillCycles(ctx context.Context, strategyID string, fills []domain.Fill) (int, error) {
	if len(fills) == 0 {
		return 0, nil
	}
	const (
		byTrade = `
	UPDATE fills SET position_cycle_id = ?
	WHERE strategy_id = ? AND trade_id = ? AND position_cycle_id IS NULL`
		byOrder = `
	UPDATE fills SET position_cycle_id = ?
	WHERE strategy_id = ? AND trade_id IS NULL AND order_id = ? AND ts = ? AND position_cycle_id IS NULL`
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin fill cycle update for %s: %w: %w", strategyID, ports.ErrDBConnection, err)
	}
	defer rollback(tx)

	updated := 0
	for _, f := range fills {
		if f.PositionCycleID.IsZero() {
			continue
		}
		var res sql.Result
		if f.TradeID != 0 {
			res, err = tx.ExecContext(ctx, byTrade, string(f.PositionCycleID), strategyID, f.TradeID)
		} else {
			res, err = tx.ExecContext(ctx, byOrder, string(f.PositionCycleID), strategyID, f.OrderID, toMillis(f.Timestamp))
		}
		if err != nil {
			return 0, fmt.Errorf("failed to assign cycle to fill %d/%d: %w: %w", f.OrderID, f.TradeID, ports.ErrUpdateFailed, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected for fill cycle update: %w", err)
		}
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit fill cycles for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Fill cycles assigned", map[string]interface{}{"strategyID": strategyID, "received": len(fills), "updated": updated})
	return updated, nil
}

// ListFills returns the strategy's fills in [from, to] ordered by time. Zero bounds are open.
func (r *Repository) ListFills(ctx context.Context, strategyID string, from, to time.Time) ([]domain.Fill, error) {
	const query = `
	SELECT strategy_id, symbol, side, quantity, price, order_id, trade_id, ts, update_time, commission,
	       commission_asset, leverage, margin_type, initial_margin, notional_value, position_cycle_id,
	       order_type, exit_reason
	FROM fills
	WHERE strategy_id = ?
	  AND (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	ORDER BY ts, order_id, trade_id`

	lo, hi := toMillis(from), toMillis(to)
	rows, err := r.db.QueryContext(ctx, query, strategyID, lo, lo, hi, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills for %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fill rows: %w", err)
	}
	return fills, nil
}

// LatestFillTime returns the time of the newest stored fill, zero if none.
func (r *Repository) LatestFillTime(ctx context.Context, strategyID string) (time.Time, error) {
	var latest sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM fills WHERE strategy_id = ?`, strategyID).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest fill for %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}
	return fromMillis(latest), nil
}

func scanFill(s scanner) (domain.Fill, error) {
	var (
		f                      domain.Fill
		side, exitReason       string
		tradeID, ts, updatedAt sql.NullInt64
		commission             sql.NullFloat64
		cycleID                sql.NullString
	)
	err := s.Scan(
		&f.StrategyID, &f.Symbol, &side, &f.Quantity, &f.Price, &f.OrderID, &tradeID, &ts, &updatedAt, &commission,
		&f.CommissionAsset, &f.Leverage, &f.MarginType, &f.InitialMargin, &f.NotionalValue, &cycleID,
		&f.OrderType, &exitReason)
	if err != nil {
		return f, err
	}
	f.Side = domain.OrderSide(side)
	f.ExitReason = domain.CloseReason(exitReason)
	if tradeID.Valid {
		f.TradeID = tradeID.Int64
	}
	f.Timestamp = fromMillis(ts)
	f.UpdateTime = fromMillis(updatedAt)
	if commission.Valid {
		c := commission.Float64
		f.Commission = &c
	}
	if cycleID.Valid {
		f.PositionCycleID = domain.CycleID(cycleID.String)
	}
	return f, nil
}

// --- FundingRepository Implementation ---

// SaveFundingEvents stores funding settlements, skipping ones already recorded.
func (r *Repository) SaveFundingEvents(ctx context.Context, strategyID string, events []domain.FundingEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	const query = `
	INSERT OR IGNORE INTO funding_events (strategy_id, symbol, amount, asset, time, tran_id)
	VALUES (?, ?, ?, ?, ?, ?)`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin funding insert for %s: %w: %w", strategyID, ports.ErrDBConnection, err)
	}
	defer rollback(tx)

	inserted := 0
	for _, ev := range events {
		res, err := tx.ExecContext(ctx, query, strategyID, ev.Symbol, ev.Amount, ev.Asset, ev.Time.UnixMilli(), ev.TranID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert funding event %d: %w: %w", ev.TranID, ports.ErrUpdateFailed, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected for funding insert: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit funding events for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
	}
	return inserted, nil
}

// ListFundingEvents returns the strategy's funding settlements in [from, to]. Zero bounds are open.
func (r *Repository) ListFundingEvents(ctx context.Context, strategyID string, from, to time.Time) ([]domain.FundingEvent, error) {
	const query = `
	SELECT strategy_id, symbol, amount, asset, time, tran_id
	FROM funding_events
	WHERE strategy_id = ?
	  AND (? IS NULL OR time >= ?)
	  AND (? IS NULL OR time <= ?)
	ORDER BY time, tran_id`

	lo, hi := toMillis(from), toMillis(to)
	rows, err := r.db.QueryContext(ctx, query, strategyID, lo, lo, hi, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding events for %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var events []domain.FundingEvent
	for rows.Next() {
		var ev domain.FundingEvent
		var at int64
		if err := rows.Scan(&ev.StrategyID, &ev.Symbol, &ev.Amount, &ev.Asset, &at, &ev.TranID); err != nil {
			return nil, fmt.Errorf("failed to scan funding event: %w", err)
		}
		ev.Time = time.UnixMilli(at).UTC()
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating funding rows: %w", err)
	}
	return events, nil
}

// LatestFundingTime returns the time of the newest stored funding event, zero if none.
func (r *Repository) LatestFundingTime(ctx context.Context, strategyID string) (time.Time, error) {
	var latest sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(time) FROM funding_events WHERE strategy_id = ?`, strategyID).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest funding for %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}
	return fromMillis(latest), nil
}

// --- TradeRepository Implementation ---

// SaveCompletedTrades replaces the strategy's completed trades in one transaction, so a
// rebuild never leaves a half-written trade list behind.
func (r *Repository) SaveCompletedTrades(ctx context.Context, strategyID string, trades []*domain.CompletedTrade) error {
	const insert = `
	INSERT INTO completed_trades (strategy_id, symbol, side, position_cycle_id, entry_order_id, exit_order_id,
	                              entry_price, exit_price, entry_time, exit_time, quantity, leverage,
	                              margin_type, initial_margin, notional_value, fee, fee_estimated,
	                              funding_fee, pnl, pnl_percent, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trade rebuild for %s: %w: %w", strategyID, ports.ErrDBConnection, err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM completed_trades WHERE strategy_id = ?`, strategyID); err != nil {
		return fmt.Errorf("failed to clear trades for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
	}

	for _, t := range trades {
		res, err := tx.ExecContext(ctx, insert,
			strategyID, t.Symbol, string(t.Side), nullString(string(t.PositionCycleID)), t.EntryOrderID, t.ExitOrderID,
			t.EntryPrice, t.ExitPrice, t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(), t.Quantity, t.Leverage,
			t.MarginType, t.InitialMargin, t.NotionalValue, t.Fee, t.FeeEstimated,
			t.FundingFee, t.PNL, t.PNLPercent, string(t.CloseReason))
		if err != nil {
			return fmt.Errorf("failed to insert trade for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID for trade: %w", err)
		}
		t.ID = id
		t.StrategyID = strategyID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trades for %s: %w: %w", strategyID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Completed trades saved", map[string]interface{}{"strategyID": strategyID, "count": len(trades)})
	return nil
}

// FindTradesByStrategy retrieves the most recent trades of a strategy, newest first.
// A non-positive limit returns all trades.
func (r *Repository) FindTradesByStrategy(ctx context.Context, strategyID string, limit int) ([]*domain.CompletedTrade, error) {
	const query = `
	SELECT id, strategy_id, symbol, side, position_cycle_id, entry_order_id, exit_order_id,
	       entry_price, exit_price, entry_time, exit_time, quantity, leverage, margin_type,
	       initial_margin, notional_value, fee, fee_estimated, funding_fee, pnl, pnl_percent, close_reason
	FROM completed_trades
	WHERE strategy_id = ?
	ORDER BY exit_time DESC, id DESC
	LIMIT ?`

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := r.db.QueryContext(ctx, query, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w: %w", strategyID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.CompletedTrade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindTradesByStrategy: %w", err)
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// scanTrade scans a row into a domain.CompletedTrade struct.
func scanTrade(s scanner) (*domain.CompletedTrade, error) {
	t := &domain.CompletedTrade{}
	var (
		side, reason        string
		cycleID             sql.NullString
		entryTime, exitTime int64
	)
	err := s.Scan(
		&t.ID, &t.StrategyID, &t.Symbol, &side, &cycleID, &t.EntryOrderID, &t.ExitOrderID,
		&t.EntryPrice, &t.ExitPrice, &entryTime, &exitTime, &t.Quantity, &t.Leverage, &t.MarginType,
		&t.InitialMargin, &t.NotionalValue, &t.Fee, &t.FeeEstimated, &t.FundingFee, &t.PNL, &t.PNLPercent, &reason)
	if err != nil {
		return nil, err
	}
	t.Side = domain.PositionSide(side)
	t.CloseReason = domain.CloseReason(reason)
	if cycleID.Valid {
		t.PositionCycleID = domain.CycleID(cycleID.String)
	}
	t.EntryTime = time.UnixMilli(entryTime).UTC()
	t.ExitTime = time.UnixMilli(exitTime).UTC()
	return t, nil
}
