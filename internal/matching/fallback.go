package matching

import (
	"time"

	"positionSyncBot/internal/domain"
)

// Each data-quality fallback is an ordered list of sources evaluated top to bottom; the
// first that yields a value wins. Sources marked estimated are flagged in the output so
// accounting consumers can tell them apart from values the exchange actually recorded.

type timeSource struct {
	name      string
	estimated bool
	resolve   func(f domain.Fill, now time.Time) (time.Time, bool)
}

var timeSources = []timeSource{
	{name: "timestamp", resolve: func(f domain.Fill, _ time.Time) (time.Time, bool) {
		return f.Timestamp, !f.Timestamp.IsZero()
	}},
	{name: "update_time", estimated: true, resolve: func(f domain.Fill, _ time.Time) (time.Time, bool) {
		return f.UpdateTime, !f.UpdateTime.IsZero()
	}},
	{name: "call_time", estimated: true, resolve: func(_ domain.Fill, now time.Time) (time.Time, bool) {
		return now, true
	}},
}

func resolveTime(f domain.Fill, now time.Time) (time.Time, timeSource) {
	for _, src := range timeSources {
		if t, ok := src.resolve(f, now); ok {
			return t, src
		}
	}
	return now, timeSources[len(timeSources)-1]
}

type feeSource struct {
	name      string
	estimated bool
	resolve   func(f domain.Fill, rate float64) (float64, bool)
}

var feeSources = []feeSource{
	{name: "commission", resolve: func(f domain.Fill, _ float64) (float64, bool) {
		if f.Commission == nil {
			return 0, false
		}
		return *f.Commission, true
	}},
	{name: "notional_estimate", estimated: true, resolve: func(f domain.Fill, rate float64) (float64, bool) {
		return f.NotionalValue * rate, f.NotionalValue > 0
	}},
	{name: "price_estimate", estimated: true, resolve: func(f domain.Fill, rate float64) (float64, bool) {
		return f.Price * f.Quantity * rate, true
	}},
}

func resolveFee(f domain.Fill, rate float64) (float64, feeSource) {
	for _, src := range feeSources {
		if fee, ok := src.resolve(f, rate); ok {
			return fee, src
		}
	}
	return 0, feeSources[len(feeSources)-1]
}

type leverageSource struct {
	name      string
	estimated bool
	resolve   func(f domain.Fill, def int) (int, bool)
}

var leverageSources = []leverageSource{
	{name: "fill", resolve: func(f domain.Fill, _ int) (int, bool) {
		return f.Leverage, f.Leverage > 0
	}},
	{name: "strategy_default", estimated: true, resolve: func(_ domain.Fill, def int) (int, bool) {
		return def, true
	}},
}

func resolveLeverage(f domain.Fill, def int) (int, leverageSource) {
	for _, src := range leverageSources {
		if lev, ok := src.resolve(f, def); ok {
			return lev, src
		}
	}
	return def, leverageSources[len(leverageSources)-1]
}

// exitReasonSources resolve why a closing leg happened, highest priority first.
var exitReasonSources = []func(exit domain.Fill, lot *domain.OpenLot) domain.CloseReason{
	func(exit domain.Fill, _ *domain.OpenLot) domain.CloseReason { return exit.ExitReason },
	func(exit domain.Fill, _ *domain.OpenLot) domain.CloseReason {
		return domain.CloseReasonForOrderType(exit.OrderType)
	},
	func(_ domain.Fill, lot *domain.OpenLot) domain.CloseReason { return lot.ExitReason },
	func(domain.Fill, *domain.OpenLot) domain.CloseReason { return domain.CloseReasonManual },
}

func resolveExitReason(exit domain.Fill, lot *domain.OpenLot) domain.CloseReason {
	for _, src := range exitReasonSources {
		if r := src(exit, lot); r != "" {
			return r
		}
	}
	return domain.CloseReasonManual
}
