package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionSyncBot/internal/domain"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.ReconcileRun("ok")
	r.ReconcileRun("mismatch")
	r.ReconcileRun("mismatch")
	r.Mismatch([]string{"size", "side"})
	r.Skipped()
	r.CacheFailure()
	r.Trades([]*domain.CompletedTrade{
		{Side: domain.SideLong, FeeEstimated: true},
		{Side: domain.SideShort},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.reconcileRuns.WithLabelValues("mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconcileMismatch.WithLabelValues("size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconcileSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.completedTrades.WithLabelValues("SHORT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.estimatedFees))

	_, err = NewRecorder(reg)
	assert.Error(t, err, "registering twice on one registry fails")
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ReconcileRun("ok")
		r.Mismatch([]string{"size"})
		r.Skipped()
		r.CacheFailure()
		r.Trades(nil)
	})
}
