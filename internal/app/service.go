package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"positionSyncBot/config"
	"positionSyncBot/internal/adapters/memory"
	"positionSyncBot/internal/cycle"
	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/matching"
	"positionSyncBot/internal/metrics"
	"positionSyncBot/internal/ports"
	"positionSyncBot/internal/reconcile"
)

// Repository is the persistence the service needs: position state plus the fill, funding
// and trade history.
type Repository interface {
	ports.StateRepository
	ports.FillRepository
	ports.FundingRepository
	ports.TradeRepository
}

// SyncService keeps every configured strategy's position state in line with the exchange and
// rebuilds its completed trades from recorded fills.
type SyncService struct {
	cfg        *config.Config
	logger     ports.Logger
	exchange   ports.ExchangeClient
	repo       Repository
	cache      ports.StateCache
	memory     *memory.Store
	metrics    *metrics.Recorder
	reconciler *reconcile.Reconciler
	scheduler  *reconcile.Scheduler

	strategies   map[string]config.StrategyConfig
	syncRequests chan string
	now          func() time.Time
}

// NewSyncService creates a new application service instance. cache and rec may be nil.
func NewSyncService(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.ExchangeClient,
	repo Repository,
	cache ports.StateCache,
	mem *memory.Store,
	rec *metrics.Recorder,
) (*SyncService, error) {
	if cfg == nil || logger == nil || exchange == nil || repo == nil || mem == nil {
		return nil, fmt.Errorf("missing required dependencies for SyncService")
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("configuration must list at least one strategy")
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("configuration ReconcileInterval must be positive")
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Exchange:    exchange,
		States:      repo,
		Cache:       cache,
		Memory:      mem,
		Allocator:   cycle.NewAllocator(),
		Logger:      logger,
		Metrics:     rec,
		SizeEpsilon: cfg.SizeEpsilon,
	})
	if err != nil {
		return nil, err
	}

	strategies := make(map[string]config.StrategyConfig, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies[s.ID] = s
	}

	s := &SyncService{
		cfg:          cfg,
		logger:       logger,
		exchange:     exchange,
		repo:         repo,
		cache:        cache,
		memory:       mem,
		metrics:      rec,
		reconciler:   reconciler,
		scheduler:    reconcile.NewScheduler(reconciler, logger, cfg.ReconcileInterval, cfg.StrategyIDs(), cfg.ReconcileConcurrency),
		strategies:   strategies,
		syncRequests: make(chan string, len(cfg.Strategies)),
		now:          func() time.Time { return time.Now().UTC() },
	}
	s.scheduler.OnReconciled(s.onReconciled)
	return s, nil
}

// Start runs the service until ctx is cancelled or a shutdown signal arrives.
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Position Sync Service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.exchange.Ping(ctx); err != nil {
		s.logger.Error(ctx, err, "Exchange not reachable")
		return fmt.Errorf("failed to reach exchange: %w", err)
	}

	if err := s.exchange.SetServerTime(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}
	s.logger.Info(ctx, "Server time synchronized")

	if err := s.RegisterStrategies(ctx); err != nil {
		return err
	}
	if err := s.Warmup(ctx); err != nil {
		return err
	}

	results := s.scheduler.ReconcileAll(ctx)
	s.logger.Info(ctx, "Initial reconciliation finished", map[string]interface{}{
		"succeeded": len(results),
		"total":     len(s.strategies),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.syncLoop(gctx) })

	err := g.Wait()
	s.logger.Info(context.Background(), "Position Sync Service stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RegisterStrategies ensures every configured strategy has a state row.
func (s *SyncService) RegisterStrategies(ctx context.Context) error {
	for _, sc := range s.cfg.Strategies {
		summary := domain.NewPositionSummary(sc.ID, sc.Symbol, sc.Leverage, sc.MarginType)
		if err := s.repo.RegisterStrategy(ctx, summary); err != nil {
			s.logger.Error(ctx, err, "Failed to register strategy", map[string]interface{}{"strategyID": sc.ID})
			return fmt.Errorf("failed to register strategy %s: %w", sc.ID, err)
		}
	}
	s.logger.Info(ctx, "Strategies registered", map[string]interface{}{"count": len(s.cfg.Strategies)})
	return nil
}

// Warmup loads memory from the database, drops cached strategies that are no longer
// configured and reports where the cache disagrees with the database.
func (s *SyncService) Warmup(ctx context.Context) error {
	for _, id := range s.cfg.StrategyIDs() {
		state, err := s.repo.GetStrategyState(ctx, id)
		if err != nil {
			s.logger.Error(ctx, err, "Failed to load strategy state", map[string]interface{}{"strategyID": id})
			return fmt.Errorf("failed to load state for %s: %w", id, err)
		}
		s.memory.Put(*state)
	}
	s.pruneCache(ctx)

	for _, id := range s.cfg.StrategyIDs() {
		report, err := s.reconciler.CheckConsistency(ctx, id)
		if err != nil {
			s.logger.Warn(ctx, "Startup consistency check failed", map[string]interface{}{"strategyID": id, "error": err.Error()})
			continue
		}
		if !report.Consistent {
			s.logger.Warn(ctx, "Stored state diverges at startup, reconciliation will repair it", map[string]interface{}{
				"strategyID": id,
				"mismatches": report.Mismatches,
				"missing":    report.Missing,
				"errors":     report.Errors,
			})
		}
	}
	s.logger.Info(ctx, "Memory store warmed up", map[string]interface{}{"strategies": len(s.memory.IDs())})
	return nil
}

// pruneCache removes cached summaries of strategies that are not configured. Nothing else
// repairs them since the reconciler only visits configured strategies.
func (s *SyncService) pruneCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.GetAllCachedStrategies(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Could not list cached strategies", map[string]interface{}{"error": err.Error()})
		return
	}
	for id := range cached {
		if _, ok := s.strategies[id]; ok {
			continue
		}
		fields := map[string]interface{}{"strategyID": id}
		if err := s.cache.DeleteFromCache(ctx, id); err != nil {
			fields["error"] = err.Error()
			s.logger.Warn(ctx, "Failed to drop orphaned cache entry", fields)
			continue
		}
		s.logger.Info(ctx, "Dropped cache entry of unconfigured strategy", fields)
	}
}

// Reconcile runs one reconciliation pass for a strategy.
func (s *SyncService) Reconcile(ctx context.Context, strategyID string) (*reconcile.Result, error) {
	return s.reconciler.Reconcile(ctx, strategyID)
}

// CheckConsistency reports divergence between memory, database and cache for a strategy.
func (s *SyncService) CheckConsistency(ctx context.Context, strategyID string) (*reconcile.ConsistencyReport, error) {
	return s.reconciler.CheckConsistency(ctx, strategyID)
}

// TrackProtectiveOrders records the take-profit and stop-loss orders placed for a strategy's
// open position and asks for an immediate reconciliation. Nil IDs leave the tracked value alone.
func (s *SyncService) TrackProtectiveOrders(ctx context.Context, strategyID string, takeProfitID, stopLossID *int64) error {
	if _, ok := s.strategies[strategyID]; !ok {
		return fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
	}
	update := domain.StateUpdate{TakeProfitOrderID: takeProfitID, StopLossOrderID: stopLossID}
	if _, err := s.reconciler.ApplyUpdate(ctx, strategyID, update); err != nil {
		return err
	}
	s.logger.Info(ctx, "Protective orders tracked", map[string]interface{}{
		"strategyID": strategyID,
		"takeProfit": takeProfitID,
		"stopLoss":   stopLossID,
	})
	s.scheduler.Trigger(strategyID)
	return nil
}

// TriggerReconcile asks for an immediate reconciliation, e.g. right after an order was placed.
func (s *SyncService) TriggerReconcile(strategyID string) bool {
	return s.scheduler.Trigger(strategyID)
}

// IngestFills pulls new executions from the exchange and stores them as fills. Each fill is
// stamped with the strategy's margin type, the order type of its order and its position
// cycle when one is recorded already. Leverage is left for matching to resolve since the
// exchange does not report it per execution.
func (s *SyncService) IngestFills(ctx context.Context, strategyID string) (int, error) {
	sc, ok := s.strategies[strategyID]
	if !ok {
		return 0, fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
	}

	since, err := s.repo.LatestFillTime(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	fills, err := s.exchange.ListAccountTrades(ctx, sc.Symbol, since)
	if err != nil {
		return 0, err
	}
	if len(fills) == 0 {
		return 0, nil
	}

	orderTypes := make(map[int64]string)
	for i := range fills {
		f := &fills[i]
		f.StrategyID = strategyID
		f.MarginType = sc.MarginType
		if f.NotionalValue <= 0 {
			f.NotionalValue = f.Price * f.Quantity
		}
		f.OrderType = s.orderType(ctx, sc.Symbol, f.OrderID, orderTypes)
	}

	cycles, err := s.repo.ListCycles(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	fills = cycle.Assign(fills, cycles)

	inserted, err := s.repo.SaveFills(ctx, strategyID, fills)
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.logger.Info(ctx, "Fills ingested", map[string]interface{}{"strategyID": strategyID, "fetched": len(fills), "inserted": inserted})
	}
	return inserted, nil
}

// orderType looks the order up once per ingestion pass. Lookup failures leave it unknown,
// which only weakens exit-reason inference.
func (s *SyncService) orderType(ctx context.Context, symbol string, orderID int64, seen map[int64]string) string {
	if t, ok := seen[orderID]; ok {
		return t
	}
	info, err := s.exchange.GetOrder(ctx, symbol, orderID)
	if err != nil || info == nil {
		s.logger.Warn(ctx, "Order lookup failed, order type unknown", map[string]interface{}{"symbol": symbol, "orderID": orderID})
		seen[orderID] = ""
		return ""
	}
	seen[orderID] = info.Type
	return info.Type
}

// IngestFunding pulls new funding settlements from the exchange.
func (s *SyncService) IngestFunding(ctx context.Context, strategyID string) (int, error) {
	sc, ok := s.strategies[strategyID]
	if !ok {
		return 0, fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
	}
	since, err := s.repo.LatestFundingTime(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	events, err := s.exchange.ListFundingFees(ctx, sc.Symbol, since)
	if err != nil {
		return 0, err
	}
	for i := range events {
		events[i].StrategyID = strategyID
	}
	return s.repo.SaveFundingEvents(ctx, strategyID, events)
}

// RebuildTrades re-matches every stored fill of a strategy, attributes funding and replaces
// the stored completed trades. Fills stored before their cycle was recorded get it first.
func (s *SyncService) RebuildTrades(ctx context.Context, strategyID string) (*matching.Result, error) {
	sc, ok := s.strategies[strategyID]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, ports.ErrNotFound)
	}

	fills, err := s.repo.ListFills(ctx, strategyID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	fills, err = s.restampFills(ctx, strategyID, fills)
	if err != nil {
		return nil, err
	}
	res, err := matching.Match(ctx, fills, matching.Options{
		StrategyID:      strategyID,
		Symbol:          sc.Symbol,
		DefaultLeverage: sc.Leverage,
		FallbackFeeRate: s.cfg.FallbackFeeRate,
		Now:             s.now,
		Logger:          s.logger,
	})
	if err != nil {
		s.logger.Error(ctx, err, "Trade matching failed", map[string]interface{}{"strategyID": strategyID})
		return nil, err
	}

	events, err := s.repo.ListFundingEvents(ctx, strategyID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	unattributed := matching.AttributeFunding(res.Trades, events)

	previous, err := s.repo.FindTradesByStrategy(ctx, strategyID, 0)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveCompletedTrades(ctx, strategyID, res.Trades); err != nil {
		return nil, err
	}
	if len(res.Trades) > len(previous) {
		s.metrics.Trades(res.Trades[len(previous):])
	}

	s.logger.Info(ctx, "Completed trades rebuilt", map[string]interface{}{
		"strategyID":          strategyID,
		"trades":              len(res.Trades),
		"openLots":            len(res.OpenLots),
		"estimatedFees":       res.EstimatedFeeCount(),
		"fallbacks":           len(res.Fallbacks),
		"unattributedFunding": len(unattributed),
	})
	return res, nil
}

// restampFills assigns cycles recorded since the fills were ingested and persists them.
func (s *SyncService) restampFills(ctx context.Context, strategyID string, fills []domain.Fill) ([]domain.Fill, error) {
	cycles, err := s.repo.ListCycles(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	stamped := cycle.Assign(fills, cycles)
	changed := cycle.Restamped(fills, stamped)
	if len(changed) == 0 {
		return stamped, nil
	}
	updated, err := s.repo.AssignFillCycles(ctx, strategyID, changed)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to store fill cycles", map[string]interface{}{"strategyID": strategyID})
		return nil, err
	}
	s.logger.Info(ctx, "Assigned cycles to earlier fills", map[string]interface{}{"strategyID": strategyID, "fills": len(changed), "updated": updated})
	return stamped, nil
}

// SyncTrades ingests fills and funding, then rebuilds completed trades.
func (s *SyncService) SyncTrades(ctx context.Context, strategyID string) error {
	if _, err := s.IngestFills(ctx, strategyID); err != nil {
		return fmt.Errorf("ingest fills: %w", err)
	}
	if _, err := s.IngestFunding(ctx, strategyID); err != nil {
		// Funding only refines trades; matching can proceed without the newest events.
		s.logger.Warn(ctx, "Funding ingestion failed", map[string]interface{}{"strategyID": strategyID, "error": err.Error()})
	}
	if _, err := s.RebuildTrades(ctx, strategyID); err != nil {
		return fmt.Errorf("rebuild trades: %w", err)
	}
	return nil
}

// onReconciled requests a trade sync once a position was seen closing.
func (s *SyncService) onReconciled(ctx context.Context, strategyID string, res *reconcile.Result) {
	if res == nil || res.ExitReason == "" {
		return
	}
	select {
	case s.syncRequests <- strategyID:
	default:
	}
}

// syncLoop syncs trades for all strategies on the rebuild interval and for single strategies
// on request. Failures are per strategy and retried on the next tick.
func (s *SyncService) syncLoop(ctx context.Context) error {
	interval := s.cfg.TradeRebuildInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	syncOne := func(id string) {
		if err := s.SyncTrades(ctx, id); err != nil && ctx.Err() == nil {
			s.logger.Error(ctx, err, "Trade sync failed", map[string]interface{}{"strategyID": id})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.syncRequests:
			syncOne(id)
		case <-ticker.C:
			for _, id := range s.cfg.StrategyIDs() {
				if ctx.Err() != nil {
					return nil
				}
				syncOne(id)
			}
		}
	}
}
