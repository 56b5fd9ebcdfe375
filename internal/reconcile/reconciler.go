// Package reconcile keeps the per-strategy position state consistent with the exchange.
//
// The exchange is ground truth, the database is the system of record, the cache is a
// best-effort copy and the memory store is what the execution loop reads. Every write goes
// database first, then cache, then memory.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"positionSyncBot/internal/adapters/memory"
	"positionSyncBot/internal/cycle"
	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/metrics"
	"positionSyncBot/internal/ports"
)

// DefaultSizeEpsilon is the tolerance below which sizes and prices are considered equal.
const DefaultSizeEpsilon = 1e-8

// Field names reported in Result.Fields and consistency reports.
const (
	FieldSize       = "size"
	FieldSide       = "side"
	FieldEntryPrice = "entry_price"
	FieldCycleID    = "position_cycle_id"
	FieldStatus     = "status"
)

// Result is the outcome of one reconciliation pass.
type Result struct {
	StrategyID string
	Summary    domain.PositionSummary // State after the pass
	Mismatch   bool                   // Stored state diverged from the exchange
	Fields     []string               // Which fields diverged
	Updated    bool                   // Anything was written
	Skipped    bool                   // Dropped because a pass was already in flight
	// FallbackUsed is set when the exchange read failed and PnL was recomputed locally.
	FallbackUsed bool
	Reason       string
	// ExitReason is set when the pass observed the position closing.
	ExitReason domain.CloseReason
	// CacheRepaired is set when a missing or drifted cache copy was rewritten.
	CacheRepaired bool
}

// Config holds the collaborators of the reconciler.
type Config struct {
	Exchange    ports.PositionExchange
	States      ports.StateRepository
	Cache       ports.StateCache // Optional
	Memory      *memory.Store
	Allocator   *cycle.Allocator
	Logger      ports.Logger
	Metrics     *metrics.Recorder // Optional
	SizeEpsilon float64
	Now         func() time.Time
}

// Reconciler compares the exchange position with the stored summaries and repairs divergence.
type Reconciler struct {
	exchange  ports.PositionExchange
	states    ports.StateRepository
	cache     ports.StateCache
	memory    *memory.Store
	allocator *cycle.Allocator
	logger    ports.Logger
	metrics   *metrics.Recorder
	guard     *InFlightGuard
	checker   *Checker
	eps       float64
	now       func() time.Time
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Exchange == nil || cfg.States == nil || cfg.Memory == nil || cfg.Allocator == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Reconciler")
	}
	eps := cfg.SizeEpsilon
	if eps <= 0 {
		eps = DefaultSizeEpsilon
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		exchange:  cfg.Exchange,
		states:    cfg.States,
		cache:     cfg.Cache,
		memory:    cfg.Memory,
		allocator: cfg.Allocator,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		guard:     NewInFlightGuard(),
		checker:   NewChecker(cfg.States, cfg.Cache, cfg.Memory, eps),
		eps:       eps,
		now:       now,
	}, nil
}

// CheckConsistency reports field-level divergence across memory, database and cache.
// It never mutates anything.
func (r *Reconciler) CheckConsistency(ctx context.Context, strategyID string) (*ConsistencyReport, error) {
	return r.checker.Check(ctx, strategyID)
}

// Reconcile brings one strategy's stored state in line with the exchange.
// Exchange read failures are not errors: PnL is recomputed locally and FallbackUsed is set.
// Errors are returned for database write failures and invariant violations; they concern
// this strategy only.
func (r *Reconciler) Reconcile(ctx context.Context, strategyID string) (*Result, error) {
	op := "Reconcile"
	if !r.guard.TryAcquire(strategyID) {
		r.metrics.Skipped()
		r.logger.Debug(ctx, op+": pass already in flight, dropping", map[string]interface{}{"strategyID": strategyID})
		return &Result{StrategyID: strategyID, Skipped: true, Reason: "reconciliation already in flight"}, nil
	}
	defer r.guard.Release(strategyID)

	current, err := r.load(ctx, strategyID)
	if err != nil {
		r.metrics.ReconcileRun("error")
		return nil, err
	}

	risk, err := r.exchange.GetPositionRisk(ctx, current.Symbol)
	if err != nil {
		return r.fallback(ctx, current, err)
	}
	if err := r.validate(risk); err != nil {
		r.metrics.ReconcileRun("error")
		r.logger.Error(ctx, err, op+": exchange position failed validation", map[string]interface{}{"strategyID": strategyID, "symbol": current.Symbol})
		return nil, fmt.Errorf("strategy %s: %w", strategyID, err)
	}

	res := &Result{StrategyID: strategyID}
	var update domain.StateUpdate
	if risk != nil && math.Abs(risk.PositionAmt) > r.eps {
		r.planOpen(ctx, current, risk, &update, res)
	} else {
		r.planClose(ctx, current, &update, res)
	}
	res.Mismatch = len(res.Fields) > 0

	if update.IsEmpty() {
		res.Summary = current
		res.CacheRepaired = r.repairCache(ctx, current)
		r.metrics.ReconcileRun("ok")
		return res, nil
	}

	summary, err := r.persist(ctx, current, update)
	if err != nil {
		r.metrics.ReconcileRun("error")
		return nil, err
	}
	res.Summary = summary
	res.Updated = true

	if res.Mismatch {
		r.metrics.ReconcileRun("mismatch")
		r.metrics.Mismatch(res.Fields)
		r.logger.Info(ctx, op+": repaired state from exchange", map[string]interface{}{
			"strategyID": strategyID,
			"fields":     res.Fields,
			"size":       summary.Size,
			"side":       summary.Side,
			"cycleID":    summary.PositionCycleID,
		})
	} else {
		r.metrics.ReconcileRun("ok")
	}
	return res, nil
}

// ApplyUpdate writes a caller-supplied partial update through the same database, cache,
// memory order as a reconciliation pass. Used to record protective orders after placement.
func (r *Reconciler) ApplyUpdate(ctx context.Context, strategyID string, update domain.StateUpdate) (domain.PositionSummary, error) {
	current, err := r.load(ctx, strategyID)
	if err != nil {
		return domain.PositionSummary{}, err
	}
	if update.IsEmpty() {
		return current, nil
	}
	return r.persist(ctx, current, update)
}

// load returns the memory copy of the summary, seeding memory from the database when absent.
func (r *Reconciler) load(ctx context.Context, strategyID string) (domain.PositionSummary, error) {
	if s, ok := r.memory.Get(strategyID); ok {
		return s, nil
	}
	stored, err := r.states.GetStrategyState(ctx, strategyID)
	if err != nil {
		return domain.PositionSummary{}, fmt.Errorf("failed to load state for strategy %s: %w", strategyID, err)
	}
	r.memory.Put(*stored)
	return stored.Clone(), nil
}

func (r *Reconciler) validate(risk *ports.PositionRisk) error {
	if risk == nil {
		return nil
	}
	for _, v := range []float64{risk.PositionAmt, risk.EntryPrice, risk.MarkPrice, risk.UnRealizedProfit} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in position for %s", ports.ErrInconsistentPosition, risk.Symbol)
		}
	}
	if math.Abs(risk.PositionAmt) > r.eps && risk.EntryPrice <= 0 {
		return fmt.Errorf("%w: amount %v with entry price %v for %s", ports.ErrInconsistentPosition, risk.PositionAmt, risk.EntryPrice, risk.Symbol)
	}
	return nil
}

// planOpen handles NoPosition -> PositionOpen and changes of an open position.
func (r *Reconciler) planOpen(ctx context.Context, current domain.PositionSummary, risk *ports.PositionRisk, u *domain.StateUpdate, res *Result) {
	size := math.Abs(risk.PositionAmt)
	side := domain.SideLong
	if risk.PositionAmt < 0 {
		side = domain.SideShort
	}

	cycleID := current.PositionCycleID
	if current.IsOpen() && current.Side != side {
		// Flipped between two reads without us seeing zero: the old cycle is over.
		r.logger.Warn(ctx, "Position side flipped between reconciliations, starting a new cycle", map[string]interface{}{
			"strategyID": current.StrategyID,
			"from":       current.Side,
			"to":         side,
			"oldCycleID": cycleID,
		})
		cycleID = r.allocator.Release(cycleID)
	}
	cycleID, issued := r.allocator.Acquire(cycleID)
	if issued {
		r.logger.Info(ctx, "Allocated position cycle", map[string]interface{}{"strategyID": current.StrategyID, "cycleID": cycleID})
	}

	r.diffFloat(current.Size, size, FieldSize, &u.Size, res)
	r.diffSide(current.Side, side, u, res)
	r.diffFloat(current.EntryPrice, risk.EntryPrice, FieldEntryPrice, &u.EntryPrice, res)
	r.diffCycle(current.PositionCycleID, cycleID, u, res)
	r.diffStatus(current.Status, domain.StatusOpen, u, res)
	r.refreshFloat(current.CurrentPrice, risk.MarkPrice, &u.CurrentPrice)
	r.refreshFloat(current.UnrealizedPNL, risk.UnRealizedProfit, &u.UnrealizedPNL)
}

// planClose handles PositionOpen -> PositionClosing -> NoPosition.
func (r *Reconciler) planClose(ctx context.Context, current domain.PositionSummary, u *domain.StateUpdate, res *Result) {
	wasOpen := current.IsOpen()

	r.diffFloat(current.Size, 0, FieldSize, &u.Size, res)
	r.diffSide(current.Side, domain.SideNone, u, res)
	r.diffFloat(current.EntryPrice, 0, FieldEntryPrice, &u.EntryPrice, res)
	r.diffCycle(current.PositionCycleID, r.allocator.Release(current.PositionCycleID), u, res)
	r.diffStatus(current.Status, domain.StatusFlat, u, res)
	r.refreshFloat(current.UnrealizedPNL, 0, &u.UnrealizedPNL)

	if !wasOpen && !current.HasProtectiveOrders() {
		return
	}

	reason := domain.CloseReasonManual
	if current.HasProtectiveOrders() {
		reason = r.settleProtectiveOrders(ctx, current)
		u.ClearProtectiveOrders = true
	}
	if wasOpen {
		res.ExitReason = reason
		u.LastExitReason = &reason
		r.logger.Info(ctx, "Position closed on exchange", map[string]interface{}{
			"strategyID": current.StrategyID,
			"symbol":     current.Symbol,
			"exitReason": reason,
			"cycleID":    current.PositionCycleID,
		})
	}
}

// settleProtectiveOrders infers which protective order closed the position and cancels the
// survivors. The inference is heuristic: an order that is no longer open is treated as
// filled, so a protective order cancelled by hand before a manual close is misread as TP/SL.
func (r *Reconciler) settleProtectiveOrders(ctx context.Context, current domain.PositionSummary) domain.CloseReason {
	tracked := map[int64]string{}
	if current.TakeProfitOrderID != nil {
		tracked[*current.TakeProfitOrderID] = "TP"
	}
	if current.StopLossOrderID != nil {
		tracked[*current.StopLossOrderID] = "SL"
	}

	openOrders, err := r.exchange.GetOpenOrders(ctx, current.Symbol)
	if err != nil {
		r.logger.Warn(ctx, "Could not list open orders, exit reason unknown", map[string]interface{}{
			"strategyID": current.StrategyID,
			"error":      err.Error(),
		})
		for id, kind := range tracked {
			r.cancelOrderWarn(ctx, current, id, kind)
		}
		return domain.CloseReasonUnknown
	}

	stillOpen := make(map[int64]bool, len(openOrders))
	for _, o := range openOrders {
		stillOpen[o.OrderID] = true
	}
	tpGone := current.TakeProfitOrderID != nil && !stillOpen[*current.TakeProfitOrderID]
	slGone := current.StopLossOrderID != nil && !stillOpen[*current.StopLossOrderID]

	var reason domain.CloseReason
	switch {
	case tpGone && slGone:
		reason = domain.CloseReasonUnknown
	case tpGone:
		reason = domain.CloseReasonTakeProfit
	case slGone:
		reason = domain.CloseReasonStopLoss
	default:
		reason = domain.CloseReasonManual
	}

	for id, kind := range tracked {
		if stillOpen[id] {
			r.cancelOrderWarn(ctx, current, id, kind)
		}
	}
	return reason
}

// cancelOrderWarn attempts to cancel an order and logs a warning on failure.
func (r *Reconciler) cancelOrderWarn(ctx context.Context, current domain.PositionSummary, orderID int64, kind string) {
	op := "cancelOrderWarn"
	fields := map[string]interface{}{"strategyID": current.StrategyID, "symbol": current.Symbol, "orderID": orderID, "type": kind}
	_, err := r.exchange.CancelOrder(ctx, current.Symbol, orderID)
	if err == nil {
		r.logger.Info(ctx, op+": Order cancelled successfully", fields)
		return
	}
	if errors.Is(err, ports.ErrOrderNotFound) {
		r.logger.Warn(ctx, op+": Order not found, likely already filled or cancelled", fields)
		return
	}
	r.logger.Error(ctx, err, op+": Failed to cancel order", fields)
}

// fallback keeps size and side untouched after a failed exchange read and only refreshes
// the locally derivable unrealized PnL.
func (r *Reconciler) fallback(ctx context.Context, current domain.PositionSummary, readErr error) (*Result, error) {
	r.logger.Warn(ctx, "Exchange position read failed, using local PnL", map[string]interface{}{
		"strategyID": current.StrategyID,
		"symbol":     current.Symbol,
		"error":      readErr.Error(),
	})
	res := &Result{StrategyID: current.StrategyID, Summary: current, FallbackUsed: true, Reason: readErr.Error()}

	pnl, ok := localPNL(current)
	if !ok || math.Abs(pnl-current.UnrealizedPNL) <= r.eps {
		res.CacheRepaired = r.repairCache(ctx, current)
		r.metrics.ReconcileRun("fallback")
		return res, nil
	}

	summary, err := r.persist(ctx, current, domain.StateUpdate{UnrealizedPNL: &pnl})
	if err != nil {
		r.metrics.ReconcileRun("error")
		return nil, err
	}
	res.Summary = summary
	res.Updated = true
	r.metrics.ReconcileRun("fallback")
	return res, nil
}

// localPNL recomputes unrealized PnL from the last known entry and current price.
func localPNL(p domain.PositionSummary) (float64, bool) {
	if !p.IsOpen() || p.EntryPrice <= 0 || p.CurrentPrice <= 0 {
		return 0, false
	}
	switch p.Side {
	case domain.SideLong:
		return (p.CurrentPrice - p.EntryPrice) * p.Size, true
	case domain.SideShort:
		return (p.EntryPrice - p.CurrentPrice) * p.Size, true
	default:
		return 0, false
	}
}

// persist writes the update database first, then cache, then memory. A database failure
// abandons the whole update; a cache failure is logged and tolerated.
func (r *Reconciler) persist(ctx context.Context, current domain.PositionSummary, update domain.StateUpdate) (domain.PositionSummary, error) {
	update.UpdatedAt = r.now()
	if err := r.states.UpdateStrategyState(ctx, current.StrategyID, update); err != nil {
		r.logger.Error(ctx, err, "Database update failed, leaving cache and memory untouched", map[string]interface{}{"strategyID": current.StrategyID})
		return domain.PositionSummary{}, fmt.Errorf("strategy %s: %w: %w", current.StrategyID, ports.ErrUpdateFailed, err)
	}

	next := current.Clone()
	update.Apply(&next)

	if r.cache != nil {
		if err := r.cache.SaveToCache(ctx, current.StrategyID, next); err != nil {
			r.metrics.CacheFailure()
			r.logger.Warn(ctx, "Cache write failed, next reconciliation will repair it", map[string]interface{}{
				"strategyID": current.StrategyID,
				"error":      err.Error(),
			})
		}
	}

	summary, ok := r.memory.Update(current.StrategyID, update.Apply)
	if !ok {
		r.memory.Put(next)
		summary = next
	}
	return summary, nil
}

// repairCache rewrites the cache copy when it is missing (failed write, TTL expiry) or has
// drifted from memory. Memory already matches the database at this point.
func (r *Reconciler) repairCache(ctx context.Context, current domain.PositionSummary) bool {
	if r.cache == nil {
		return false
	}
	fields := map[string]interface{}{"strategyID": current.StrategyID}
	cached, err := r.cache.GetCachedStrategy(ctx, current.StrategyID)
	if err != nil {
		r.metrics.CacheFailure()
		fields["error"] = err.Error()
		r.logger.Warn(ctx, "Cache read failed, skipping cache repair", fields)
		return false
	}
	if cached != nil && !r.cacheDrifted(*cached, current) {
		return false
	}
	if err := r.cache.SaveToCache(ctx, current.StrategyID, current); err != nil {
		r.metrics.CacheFailure()
		fields["error"] = err.Error()
		r.logger.Warn(ctx, "Cache repair failed, will retry next pass", fields)
		return false
	}
	fields["missing"] = cached == nil
	r.logger.Info(ctx, "Repaired cache copy", fields)
	return true
}

func (r *Reconciler) cacheDrifted(cached, current domain.PositionSummary) bool {
	if len(r.checker.compare([]tierCopy{{name: "memory", summary: &current}, {name: "cache", summary: &cached}})) > 0 {
		return true
	}
	return math.Abs(cached.EntryPrice-current.EntryPrice) > r.eps ||
		!sameOrderID(cached.TakeProfitOrderID, current.TakeProfitOrderID) ||
		!sameOrderID(cached.StopLossOrderID, current.StopLossOrderID)
}

func sameOrderID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *Reconciler) diffFloat(have, want float64, field string, dst **float64, res *Result) {
	if math.Abs(have-want) <= r.eps {
		return
	}
	v := want
	*dst = &v
	res.Fields = append(res.Fields, field)
}

func (r *Reconciler) refreshFloat(have, want float64, dst **float64) {
	if math.Abs(have-want) <= r.eps {
		return
	}
	v := want
	*dst = &v
}

func (r *Reconciler) diffSide(have, want domain.PositionSide, u *domain.StateUpdate, res *Result) {
	if have == want {
		return
	}
	u.Side = &want
	res.Fields = append(res.Fields, FieldSide)
}

func (r *Reconciler) diffCycle(have, want domain.CycleID, u *domain.StateUpdate, res *Result) {
	if have == want {
		return
	}
	u.CycleID = &want
	res.Fields = append(res.Fields, FieldCycleID)
}

func (r *Reconciler) diffStatus(have, want domain.PositionStatus, u *domain.StateUpdate, res *Result) {
	if have == want {
		return
	}
	u.Status = &want
	res.Fields = append(res.Fields, FieldStatus)
}
