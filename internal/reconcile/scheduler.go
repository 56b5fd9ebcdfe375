package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"positionSyncBot/internal/ports"
)

// Runner performs one reconciliation pass.
type Runner interface {
	Reconcile(ctx context.Context, strategyID string) (*Result, error)
}

// Hook is called after every completed pass.
type Hook func(ctx context.Context, strategyID string, res *Result)

// Scheduler runs reconciliation for every strategy on a fixed interval and on demand.
// Each strategy has its own loop; a trigger or tick arriving while a pass runs is dropped,
// never queued.
type Scheduler struct {
	runner      Runner
	logger      ports.Logger
	interval    time.Duration
	strategyIDs []string
	concurrency int

	triggers map[string]chan struct{}

	mu    sync.RWMutex
	hooks []Hook
}

// NewScheduler creates a scheduler. concurrency bounds ReconcileAll; zero means unbounded.
func NewScheduler(runner Runner, logger ports.Logger, interval time.Duration, strategyIDs []string, concurrency int) *Scheduler {
	triggers := make(map[string]chan struct{}, len(strategyIDs))
	for _, id := range strategyIDs {
		triggers[id] = make(chan struct{}, 1)
	}
	return &Scheduler{
		runner:      runner,
		logger:      logger,
		interval:    interval,
		strategyIDs: append([]string(nil), strategyIDs...),
		concurrency: concurrency,
		triggers:    triggers,
	}
}

// OnReconciled registers a hook called after each pass.
func (s *Scheduler) OnReconciled(h Hook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Trigger asks for an immediate pass for one strategy. It returns false when the strategy is
// unknown or a request is already pending.
func (s *Scheduler) Trigger(strategyID string) bool {
	ch, ok := s.triggers[strategyID]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run starts one loop per strategy and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", s.interval)
	}
	s.logger.Info(ctx, "Reconciliation scheduler started", map[string]interface{}{
		"interval":   s.interval.String(),
		"strategies": len(s.strategyIDs),
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range s.strategyIDs {
		id := id
		g.Go(func() error {
			s.loop(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info(ctx, "Reconciliation scheduler stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, strategyID string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	trigger := s.triggers[strategyID]

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		s.runOnce(ctx, strategyID)

		// Whatever piled up during the pass is obsolete.
		select {
		case <-ticker.C:
		default:
		}
		select {
		case <-trigger:
		default:
		}
	}
}

// ReconcileAll runs one pass for every strategy and waits for all of them. A failure for one
// strategy never stops the others; failed strategies are absent from the result.
func (s *Scheduler) ReconcileAll(ctx context.Context) map[string]*Result {
	var (
		mu  sync.Mutex
		out = make(map[string]*Result, len(s.strategyIDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for _, id := range s.strategyIDs {
		id := id
		g.Go(func() error {
			if res := s.runOnce(gctx, id); res != nil {
				mu.Lock()
				out[id] = res
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Scheduler) runOnce(ctx context.Context, strategyID string) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "Reconciliation panicked", map[string]interface{}{"strategyID": strategyID})
			res = nil
		}
	}()

	res, err := s.runner.Reconcile(ctx, strategyID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, err, "Reconciliation failed", map[string]interface{}{"strategyID": strategyID})
		}
		return nil
	}

	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, strategyID, res)
	}
	return res
}
