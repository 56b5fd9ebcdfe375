package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionSyncBot/internal/adapters/memory"
	"positionSyncBot/internal/cycle"
	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockExchange struct {
	positionRisk    *ports.PositionRisk
	positionRiskErr error
	openOrders      []ports.OrderInfo
	openOrdersErr   error
	cancelErrors    map[int64]error
	cancelled       []int64
}

func (m *mockExchange) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	return m.positionRisk, m.positionRiskErr
}

func (m *mockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]ports.OrderInfo, error) {
	return m.openOrders, m.openOrdersErr
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	m.cancelled = append(m.cancelled, orderID)
	if err := m.cancelErrors[orderID]; err != nil {
		return nil, err
	}
	return &ports.OrderResponse{OrderID: orderID, Symbol: symbol, Status: "CANCELED"}, nil
}

type mockStates struct {
	mu        sync.Mutex
	states    map[string]domain.PositionSummary
	updateErr error
	updates   int
}

func newMockStates(summaries ...domain.PositionSummary) *mockStates {
	m := &mockStates{states: make(map[string]domain.PositionSummary)}
	for _, s := range summaries {
		m.states[s.StrategyID] = s.Clone()
	}
	return m
}

func (m *mockStates) RegisterStrategy(ctx context.Context, summary domain.PositionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[summary.StrategyID]; !ok {
		m.states[summary.StrategyID] = summary.Clone()
	}
	return nil
}

func (m *mockStates) GetStrategyState(ctx context.Context, strategyID string) (*domain.PositionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[strategyID]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
	}
	c := s.Clone()
	return &c, nil
}

func (m *mockStates) UpdateStrategyState(ctx context.Context, strategyID string, update domain.StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	s := m.states[strategyID]
	update.Apply(&s)
	m.states[strategyID] = s
	m.updates++
	return nil
}

func (m *mockStates) ListStrategyStates(ctx context.Context) ([]*domain.PositionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PositionSummary
	for _, s := range m.states {
		c := s.Clone()
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockStates) ListCycles(ctx context.Context, strategyID string) ([]domain.CycleRecord, error) {
	return nil, nil
}

func (m *mockStates) get(id string) domain.PositionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id].Clone()
}

type mockCache struct {
	mu      sync.Mutex
	saved   map[string]domain.PositionSummary
	saveErr error
}

func newMockCache() *mockCache {
	return &mockCache{saved: make(map[string]domain.PositionSummary)}
}

func (m *mockCache) SaveToCache(ctx context.Context, strategyID string, state domain.PositionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved[strategyID] = state.Clone()
	return nil
}

func (m *mockCache) GetCachedStrategy(ctx context.Context, strategyID string) (*domain.PositionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[strategyID]
	if !ok {
		return nil, nil
	}
	c := s.Clone()
	return &c, nil
}

func (m *mockCache) GetAllCachedStrategies(ctx context.Context) (map[string]*domain.PositionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*domain.PositionSummary, len(m.saved))
	for id, s := range m.saved {
		c := s.Clone()
		out[id] = &c
	}
	return out, nil
}

func (m *mockCache) DeleteFromCache(ctx context.Context, strategyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, strategyID)
	return nil
}

type fixture struct {
	exchange *mockExchange
	states   *mockStates
	cache    *mockCache
	memory   *memory.Store
	logger   *mockLogger
	rec      *Reconciler
}

func newFixture(t *testing.T, initial domain.PositionSummary) *fixture {
	t.Helper()
	f := &fixture{
		exchange: &mockExchange{},
		states:   newMockStates(initial),
		cache:    newMockCache(),
		memory:   memory.NewStore(),
		logger:   &mockLogger{},
	}
	rec, err := New(Config{
		Exchange:  f.exchange,
		States:    f.states,
		Cache:     f.cache,
		Memory:    f.memory,
		Allocator: cycle.NewAllocator(),
		Logger:    f.logger,
		Now:       func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	f.rec = rec
	return f
}

func flat(id string) domain.PositionSummary {
	return domain.NewPositionSummary(id, "BTCUSDT", 10, "cross")
}

func openLong(id string, size, entry float64, cycleID domain.CycleID) domain.PositionSummary {
	s := flat(id)
	s.Size = size
	s.Side = domain.SideLong
	s.EntryPrice = entry
	s.CurrentPrice = entry
	s.PositionCycleID = cycleID
	s.Status = domain.StatusOpen
	return s
}

func int64Ptr(v int64) *int64 { return &v }

func assertUUID(t *testing.T, id domain.CycleID) {
	t.Helper()
	_, err := uuid.Parse(string(id))
	assert.NoError(t, err, "cycle id %q", id)
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestReconcile_OpenAllocatesCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, flat("s1"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 0.5, EntryPrice: 100, MarkPrice: 101, UnRealizedProfit: 0.5}

	res, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)

	assert.True(t, res.Mismatch)
	assert.True(t, res.Updated)
	assert.ElementsMatch(t, []string{FieldSize, FieldSide, FieldEntryPrice, FieldCycleID, FieldStatus}, res.Fields)
	assert.Equal(t, 0.5, res.Summary.Size)
	assert.Equal(t, domain.SideLong, res.Summary.Side)
	assert.Equal(t, domain.StatusOpen, res.Summary.Status)
	assertUUID(t, res.Summary.PositionCycleID)

	db := f.states.get("s1")
	mem, ok := f.memory.Get("s1")
	require.True(t, ok)
	cached, err := f.cache.GetCachedStrategy(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cached)

	for _, s := range []domain.PositionSummary{db, mem, *cached} {
		assert.Equal(t, 0.5, s.Size)
		assert.Equal(t, res.Summary.PositionCycleID, s.PositionCycleID)
		assert.Equal(t, 101.0, s.CurrentPrice)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, flat("s1"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: -2, EntryPrice: 50, MarkPrice: 49, UnRealizedProfit: 2}

	first, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)
	require.True(t, first.Updated)
	assert.Equal(t, domain.SideShort, first.Summary.Side)
	updates := f.states.updates

	second, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, second.Mismatch)
	assert.False(t, second.Updated)
	assert.Equal(t, first.Summary.PositionCycleID, second.Summary.PositionCycleID)
	assert.Equal(t, updates, f.states.updates)
}

func TestReconcile_SizeChangeKeepsCycle(t *testing.T) {
	f := newFixture(t, openLong("s1", 0.5, 100, "cycle-a"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 0.8, EntryPrice: 100, MarkPrice: 100}

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{FieldSize}, res.Fields)
	assert.Equal(t, domain.CycleID("cycle-a"), res.Summary.PositionCycleID)
	assert.Equal(t, 0.8, f.states.get("s1").Size)
}

func TestReconcile_PriceOnlyIsRefreshNotMismatch(t *testing.T) {
	f := newFixture(t, openLong("s1", 0.5, 100, "cycle-a"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 0.5, EntryPrice: 100, MarkPrice: 105, UnRealizedProfit: 2.5}

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Mismatch)
	assert.True(t, res.Updated)
	assert.Equal(t, 2.5, f.states.get("s1").UnrealizedPNL)
}

func TestReconcile_SideFlipStartsNewCycle(t *testing.T) {
	f := newFixture(t, openLong("s1", 0.5, 100, "cycle-a"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: -0.3, EntryPrice: 98, MarkPrice: 98}

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SideShort, res.Summary.Side)
	assert.NotEqual(t, domain.CycleID("cycle-a"), res.Summary.PositionCycleID)
	assertUUID(t, res.Summary.PositionCycleID)
	assert.Contains(t, res.Fields, FieldCycleID)
}

func TestReconcile_CloseInfersExitReason(t *testing.T) {
	tests := []struct {
		name          string
		openOrders    []ports.OrderInfo
		openOrdersErr error
		wantReason    domain.CloseReason
		wantCancelled []int64
	}{
		{
			name:          "take profit filled",
			openOrders:    []ports.OrderInfo{{OrderID: 12}},
			wantReason:    domain.CloseReasonTakeProfit,
			wantCancelled: []int64{12},
		},
		{
			name:          "stop loss filled",
			openOrders:    []ports.OrderInfo{{OrderID: 11}, {OrderID: 99}},
			wantReason:    domain.CloseReasonStopLoss,
			wantCancelled: []int64{11},
		},
		{
			name:       "both gone",
			wantReason: domain.CloseReasonUnknown,
		},
		{
			name:          "both still open",
			openOrders:    []ports.OrderInfo{{OrderID: 11}, {OrderID: 12}},
			wantReason:    domain.CloseReasonManual,
			wantCancelled: []int64{11, 12},
		},
		{
			name:          "open orders unavailable",
			openOrdersErr: ports.ErrExchangeUnavailable,
			wantReason:    domain.CloseReasonUnknown,
			wantCancelled: []int64{11, 12},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := openLong("s1", 1, 100, "cycle-a")
			initial.TakeProfitOrderID = int64Ptr(11)
			initial.StopLossOrderID = int64Ptr(12)
			f := newFixture(t, initial)
			f.exchange.openOrders = tt.openOrders
			f.exchange.openOrdersErr = tt.openOrdersErr

			res, err := f.rec.Reconcile(context.Background(), "s1")
			require.NoError(t, err)

			assert.Equal(t, tt.wantReason, res.ExitReason)
			assert.ElementsMatch(t, tt.wantCancelled, f.exchange.cancelled)

			db := f.states.get("s1")
			assert.Equal(t, 0.0, db.Size)
			assert.Equal(t, domain.SideNone, db.Side)
			assert.Equal(t, domain.StatusFlat, db.Status)
			assert.True(t, db.PositionCycleID.IsZero())
			assert.Nil(t, db.TakeProfitOrderID)
			assert.Nil(t, db.StopLossOrderID)
			assert.Equal(t, tt.wantReason, db.LastExitReason)
		})
	}
}

func TestReconcile_CloseWithoutProtectiveOrdersIsManual(t *testing.T) {
	f := newFixture(t, openLong("s1", 1, 100, "cycle-a"))

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonManual, res.ExitReason)
	assert.Empty(t, f.exchange.cancelled)
	assert.Equal(t, domain.StatusFlat, res.Summary.Status)
}

func TestReconcile_CancelOrderNotFoundTolerated(t *testing.T) {
	initial := openLong("s1", 1, 100, "cycle-a")
	initial.TakeProfitOrderID = int64Ptr(11)
	initial.StopLossOrderID = int64Ptr(12)
	f := newFixture(t, initial)
	f.exchange.openOrders = []ports.OrderInfo{{OrderID: 12}}
	f.exchange.cancelErrors = map[int64]error{12: ports.ErrOrderNotFound}

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonTakeProfit, res.ExitReason)
	assert.Empty(t, f.logger.errorMsgs)
}

func TestReconcile_ExchangeFailureUsesLocalPNL(t *testing.T) {
	initial := openLong("s1", 2, 100, "cycle-a")
	initial.CurrentPrice = 110
	f := newFixture(t, initial)
	f.exchange.positionRiskErr = fmt.Errorf("GetPositionRisk failed: %w", ports.ErrExchangeUnavailable)

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.True(t, res.Updated)
	assert.InDelta(t, 20.0, res.Summary.UnrealizedPNL, 1e-9)

	db := f.states.get("s1")
	assert.Equal(t, 2.0, db.Size)
	assert.Equal(t, domain.StatusOpen, db.Status)
	assert.InDelta(t, 20.0, db.UnrealizedPNL, 1e-9)
}

func TestReconcile_ExchangeFailureShortPNL(t *testing.T) {
	initial := openLong("s1", 2, 100, "cycle-a")
	initial.Side = domain.SideShort
	initial.CurrentPrice = 90
	f := newFixture(t, initial)
	f.exchange.positionRiskErr = ports.ErrTimeout

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, res.Summary.UnrealizedPNL, 1e-9)
}

func TestReconcile_ExchangeFailureNeverClosesFlatPosition(t *testing.T) {
	f := newFixture(t, flat("s1"))
	f.exchange.positionRiskErr = ports.ErrTimeout

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.False(t, res.Updated)
	assert.Equal(t, 0, f.states.updates)
}

func TestReconcile_DatabaseFailureLeavesOtherTiersUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, flat("s1"))
	f.states.updateErr = errors.New("disk I/O error")
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}

	_, err := f.rec.Reconcile(ctx, "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrUpdateFailed)

	cached, err := f.cache.GetCachedStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cached)

	mem, ok := f.memory.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 0.0, mem.Size)
	assert.Equal(t, domain.StatusFlat, mem.Status)
}

func TestReconcile_CacheFailureTolerated(t *testing.T) {
	f := newFixture(t, flat("s1"))
	f.cache.saveErr = ports.ErrCacheUnavailable
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.Updated)

	mem, ok := f.memory.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 1.0, mem.Size)
	assert.Equal(t, 1.0, f.states.get("s1").Size)
	assert.NotEmpty(t, f.logger.warnMsgs)
}

func TestReconcile_RepairsCacheAfterFailedWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, flat("s1"))
	f.cache.saveErr = ports.ErrCacheUnavailable
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}

	_, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)
	cached, err := f.cache.GetCachedStrategy(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, cached)

	f.cache.saveErr = nil
	res, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.False(t, res.Mismatch)
	assert.True(t, res.CacheRepaired)

	cached, err = f.cache.GetCachedStrategy(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 1.0, cached.Size)
	assert.Equal(t, res.Summary.PositionCycleID, cached.PositionCycleID)

	report, err := f.rec.CheckConsistency(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Empty(t, report.Missing)
}

func TestReconcile_RepairsDriftedOrExpiredCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, flat("s1"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}
	_, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)

	stale := f.states.get("s1")
	stale.StopLossOrderID = int64Ptr(7)
	require.NoError(t, f.cache.SaveToCache(ctx, "s1", stale))

	res, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, res.CacheRepaired)
	cached, err := f.cache.GetCachedStrategy(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Nil(t, cached.StopLossOrderID)

	// TTL expiry looks like a missing key.
	f.cache.mu.Lock()
	delete(f.cache.saved, "s1")
	f.cache.mu.Unlock()
	res, err = f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, res.CacheRepaired)

	res, err = f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, res.CacheRepaired)
}

func TestReconcile_InvalidExchangePosition(t *testing.T) {
	f := newFixture(t, flat("s1"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 0}

	_, err := f.rec.Reconcile(context.Background(), "s1")
	assert.ErrorIs(t, err, ports.ErrInconsistentPosition)
	assert.Equal(t, 0, f.states.updates)
}

func TestReconcile_UnknownStrategy(t *testing.T) {
	f := newFixture(t, flat("s1"))
	_, err := f.rec.Reconcile(context.Background(), "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestReconcile_SkipsWhenInFlight(t *testing.T) {
	f := newFixture(t, flat("s1"))
	require.True(t, f.rec.guard.TryAcquire("s1"))

	res, err := f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	f.rec.guard.Release("s1")
	res, err = f.rec.Reconcile(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestCheckConsistency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, flat("s1"))
	f.exchange.positionRisk = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 1, EntryPrice: 100, MarkPrice: 100}
	_, err := f.rec.Reconcile(ctx, "s1")
	require.NoError(t, err)

	report, err := f.rec.CheckConsistency(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Empty(t, report.Mismatches)

	stale := f.states.get("s1")
	stale.Size = 3
	require.NoError(t, f.cache.SaveToCache(ctx, "s1", stale))

	report, err = f.rec.CheckConsistency(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, FieldSize, report.Mismatches[0].Field)
	assert.Equal(t, 1.0, report.Mismatches[0].Database)
	assert.Equal(t, 3.0, report.Mismatches[0].Cache)
	assert.Equal(t, 1.0, report.Mismatches[0].Memory)
}

func TestChecker_MissingTiers(t *testing.T) {
	states := newMockStates(flat("s1"))
	checker := NewChecker(states, newMockCache(), nil, 0)

	report, err := checker.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, []string{"cache"}, report.Missing)
	assert.Empty(t, report.Mismatches)
}
