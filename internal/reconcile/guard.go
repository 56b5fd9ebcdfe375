package reconcile

import "sync"

// InFlightGuard rejects a second concurrent run for the same strategy.
type InFlightGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewInFlightGuard creates an empty guard.
func NewInFlightGuard() *InFlightGuard {
	return &InFlightGuard{active: make(map[string]struct{})}
}

// TryAcquire marks strategyID as running. It returns false if a run is already in flight.
func (g *InFlightGuard) TryAcquire(strategyID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[strategyID]; busy {
		return false
	}
	g.active[strategyID] = struct{}{}
	return true
}

// Release marks strategyID as idle.
func (g *InFlightGuard) Release(strategyID string) {
	g.mu.Lock()
	delete(g.active, strategyID)
	g.mu.Unlock()
}
