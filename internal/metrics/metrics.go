// Package metrics exposes Prometheus collectors for reconciliation and trade matching.
//
//   - reconcile_runs_total{result}        – reconcile passes by outcome (ok|mismatch|fallback|error)
//   - reconcile_mismatch_total{field}     – fields found diverged from the exchange
//   - reconcile_skipped_total             – passes dropped by the in-flight guard
//   - cache_write_failures_total          – best-effort cache writes that failed
//   - matching_completed_trades_total{side}
//   - matching_fee_estimated_total        – completed trades whose fee is an estimate
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"positionSyncBot/internal/domain"
)

// Recorder groups the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	reconcileRuns     *prometheus.CounterVec
	reconcileMismatch *prometheus.CounterVec
	reconcileSkipped  prometheus.Counter
	cacheFailures     prometheus.Counter
	completedTrades   *prometheus.CounterVec
	estimatedFees     prometheus.Counter
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_runs_total",
				Help: "Reconciliation passes by result",
			},
			[]string{"result"},
		),
		reconcileMismatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_mismatch_total",
				Help: "Position fields found diverged from the exchange",
			},
			[]string{"field"},
		),
		reconcileSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconcile_skipped_total",
				Help: "Reconciliation passes dropped because one was already in flight",
			},
		),
		cacheFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_write_failures_total",
				Help: "Best-effort cache writes that failed",
			},
		),
		completedTrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matching_completed_trades_total",
				Help: "Completed trades produced by the matching engine",
			},
			[]string{"side"},
		),
		estimatedFees: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "matching_fee_estimated_total",
				Help: "Completed trades whose fee is a notional-based estimate",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		r.reconcileRuns, r.reconcileMismatch, r.reconcileSkipped,
		r.cacheFailures, r.completedTrades, r.estimatedFees,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ReconcileRun counts one finished reconciliation pass.
func (r *Recorder) ReconcileRun(result string) {
	if r == nil {
		return
	}
	r.reconcileRuns.WithLabelValues(result).Inc()
}

// Mismatch counts diverged fields.
func (r *Recorder) Mismatch(fields []string) {
	if r == nil {
		return
	}
	for _, f := range fields {
		r.reconcileMismatch.WithLabelValues(f).Inc()
	}
}

// Skipped counts a pass dropped by the in-flight guard.
func (r *Recorder) Skipped() {
	if r == nil {
		return
	}
	r.reconcileSkipped.Inc()
}

// CacheFailure counts a failed cache write.
func (r *Recorder) CacheFailure() {
	if r == nil {
		return
	}
	r.cacheFailures.Inc()
}

// Trades counts completed trades of one matching run.
func (r *Recorder) Trades(trades []*domain.CompletedTrade) {
	if r == nil {
		return
	}
	for _, t := range trades {
		r.completedTrades.WithLabelValues(string(t.Side)).Inc()
		if t.FeeEstimated {
			r.estimatedFees.Inc()
		}
	}
}
