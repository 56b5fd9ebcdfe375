// Package matching turns a stream of exchange fills into completed round-trip trades.
//
// Matching is FIFO per position side inside one position cycle. It is a pure function of
// its input and may run concurrently for different strategies.
package matching

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"
)

const (
	// DefaultFallbackFeeRate is the taker fee applied to notional when no commission was recorded.
	DefaultFallbackFeeRate = 0.0004

	quantityEpsilon = 1e-12
	outputDecimals  = 4
)

// Options configures one matching run.
type Options struct {
	StrategyID      string
	Symbol          string
	DefaultLeverage int
	// FallbackFeeRate is the per-venue fee rate used for estimated fees. Zero means DefaultFallbackFeeRate.
	FallbackFeeRate float64
	// Now returns the call time, the last-resort fill timestamp. Defaults to time.Now.
	Now    func() time.Time
	Logger ports.Logger // Optional
}

// Fallback records one data-quality fallback applied to a fill.
type Fallback struct {
	OrderID int64
	Field   string // "timestamp", "fee" or "leverage"
	Source  string // Name of the source that supplied the value
}

// Result is the outcome of a matching run.
type Result struct {
	Trades    []*domain.CompletedTrade
	OpenLots  []domain.OpenLot
	Fallbacks []Fallback
}

// EstimatedFeeCount returns how many completed trades carry an estimated fee.
func (r *Result) EstimatedFeeCount() int {
	n := 0
	for _, t := range r.Trades {
		if t.FeeEstimated {
			n++
		}
	}
	return n
}

// OpenQuantity returns the remaining open quantity for a side across all cycles.
func (r *Result) OpenQuantity(side domain.PositionSide) float64 {
	total := 0.0
	for _, lot := range r.OpenLots {
		if lot.Side == side {
			total += lot.Quantity
		}
	}
	return total
}

type preparedFill struct {
	domain.Fill
	at           time.Time
	fee          float64
	feeEstimated bool
	leverage     int
}

// book holds the FIFO lot queues of one position cycle.
type book struct {
	long  []*domain.OpenLot
	short []*domain.OpenLot
}

func (b *book) queue(side domain.PositionSide) *[]*domain.OpenLot {
	if side == domain.SideShort {
		return &b.short
	}
	return &b.long
}

// Match converts fills for one strategy/symbol into completed trades plus the lots still open.
// Fills are sorted internally, so input order does not matter. Fills with different
// position-cycle identifiers are never matched against each other; fills without an
// identifier only match other fills without one.
func Match(ctx context.Context, fills []domain.Fill, opts Options) (*Result, error) {
	if opts.FallbackFeeRate <= 0 {
		opts.FallbackFeeRate = DefaultFallbackFeeRate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = ports.NopLogger{}
	}
	now := opts.Now()
	res := &Result{}

	prepared := make([]preparedFill, 0, len(fills))
	for _, f := range fills {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("strategy %s: %w", opts.StrategyID, err)
		}
		p := preparedFill{Fill: f}

		var tsrc timeSource
		p.at, tsrc = resolveTime(f, now)
		if tsrc.estimated {
			res.fallback(ctx, opts, f, "timestamp", tsrc.name)
		}

		var fsrc feeSource
		p.fee, fsrc = resolveFee(f, opts.FallbackFeeRate)
		p.feeEstimated = fsrc.estimated
		if fsrc.estimated {
			res.fallback(ctx, opts, f, "fee", fsrc.name)
		}

		var lsrc leverageSource
		p.leverage, lsrc = resolveLeverage(f, opts.DefaultLeverage)
		if lsrc.estimated {
			res.fallback(ctx, opts, f, "leverage", lsrc.name)
		}
		prepared = append(prepared, p)
	}

	sort.SliceStable(prepared, func(i, j int) bool {
		a, b := prepared[i], prepared[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if a.OrderID != b.OrderID {
			return a.OrderID < b.OrderID
		}
		return a.TradeID < b.TradeID
	})

	books := make(map[domain.CycleID]*book)
	var cycles []domain.CycleID
	for _, p := range prepared {
		b, ok := books[p.PositionCycleID]
		if !ok {
			b = &book{}
			books[p.PositionCycleID] = b
			cycles = append(cycles, p.PositionCycleID)
		}
		res.Trades = append(res.Trades, b.apply(p, opts)...)
	}

	for _, id := range cycles {
		b := books[id]
		for _, lot := range b.long {
			res.OpenLots = append(res.OpenLots, *lot)
		}
		for _, lot := range b.short {
			res.OpenLots = append(res.OpenLots, *lot)
		}
	}

	for _, t := range res.Trades {
		t.Fee = Round(t.Fee)
		t.PNL = Round(t.PNL)
		t.PNLPercent = Round(t.PNLPercent)
	}
	return res, nil
}

// apply closes opposite lots oldest-first and opens a new lot with any leftover quantity.
func (b *book) apply(p preparedFill, opts Options) []*domain.CompletedTrade {
	opens := p.Side.Opens()
	queue := b.queue(opens.Opposite())

	var trades []*domain.CompletedTrade
	remaining := p.Quantity
	for remaining > quantityEpsilon && len(*queue) > 0 {
		lot := (*queue)[0]
		qty := math.Min(lot.Quantity, remaining)
		trades = append(trades, closeLeg(lot, p, qty, opts))
		lot.Quantity -= qty
		remaining -= qty
		if lot.Quantity <= quantityEpsilon {
			*queue = (*queue)[1:]
		}
	}

	if remaining > quantityEpsilon {
		// A flip's closing reason belongs to the legs it closed, not to the new lot.
		reason := p.ExitReason
		if len(trades) > 0 {
			reason = ""
		}
		share := remaining / p.Quantity
		notional := p.NotionalValue * share
		if notional <= 0 {
			notional = p.Price * remaining
		}
		initialMargin := p.InitialMargin * share
		if initialMargin <= 0 && p.leverage > 0 {
			initialMargin = notional / float64(p.leverage)
		}
		lot := &domain.OpenLot{
			Side:             opens,
			Quantity:         remaining,
			OriginalQuantity: remaining,
			EntryPrice:       p.Price,
			EntryTime:        p.at,
			EntryOrderID:     p.OrderID,
			EntryFee:         p.fee * share,
			FeeEstimated:     p.feeEstimated,
			Leverage:         p.leverage,
			MarginType:       p.MarginType,
			InitialMargin:    initialMargin,
			NotionalValue:    notional,
			CycleID:          p.PositionCycleID,
			ExitReason:       reason,
		}
		q := b.queue(opens)
		*q = append(*q, lot)
	}
	return trades
}

func closeLeg(lot *domain.OpenLot, exit preparedFill, qty float64, opts Options) *domain.CompletedTrade {
	lotShare := qty / lot.OriginalQuantity
	entryFee := lot.EntryFee * lotShare
	exitFee := exit.fee * (qty / exit.Quantity)

	gross := (exit.Price - lot.EntryPrice) * qty
	if lot.Side == domain.SideShort {
		gross = (lot.EntryPrice - exit.Price) * qty
	}
	net := gross - entryFee - exitFee

	return &domain.CompletedTrade{
		StrategyID:      opts.StrategyID,
		Symbol:          symbolOf(opts, exit.Fill),
		Side:            lot.Side,
		PositionCycleID: lot.CycleID,
		EntryOrderID:    lot.EntryOrderID,
		ExitOrderID:     exit.OrderID,
		EntryPrice:      lot.EntryPrice,
		ExitPrice:       exit.Price,
		EntryTime:       lot.EntryTime,
		ExitTime:        exit.at,
		Quantity:        qty,
		Leverage:        lot.Leverage,
		MarginType:      lot.MarginType,
		InitialMargin:   lot.InitialMargin * lotShare,
		NotionalValue:   lot.NotionalValue * lotShare,
		Fee:             entryFee + exitFee,
		FeeEstimated:    lot.FeeEstimated || exit.feeEstimated,
		PNL:             net,
		PNLPercent:      percent(net, lot.EntryPrice*qty),
		CloseReason:     resolveExitReason(exit.Fill, lot),
	}
}

func symbolOf(opts Options, f domain.Fill) string {
	if f.Symbol != "" {
		return f.Symbol
	}
	return opts.Symbol
}

// percent returns pnl relative to notional in percent, 0 when notional is 0.
func percent(pnl, notional float64) float64 {
	if notional == 0 {
		return 0
	}
	return pnl / notional * 100
}

// Round rounds a monetary value to the output precision. Only call at output boundaries.
func Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(outputDecimals).InexactFloat64()
}

func (r *Result) fallback(ctx context.Context, opts Options, f domain.Fill, field, source string) {
	r.Fallbacks = append(r.Fallbacks, Fallback{OrderID: f.OrderID, Field: field, Source: source})
	opts.Logger.Warn(ctx, "Fill "+field+" missing, using fallback", map[string]interface{}{
		"strategyID": opts.StrategyID,
		"symbol":     symbolOf(opts, f),
		"orderID":    f.OrderID,
		"source":     source,
	})
}
