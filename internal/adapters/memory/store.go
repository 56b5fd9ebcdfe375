// Package memory holds the in-process Position Summary map used by the execution loop.
package memory

import (
	"sort"
	"sync"

	"positionSyncBot/internal/domain"
)

// Store is a map of position summaries keyed by strategy ID. Each entry has its own lock,
// so a read-modify-write on one strategy never blocks another.
type Store struct {
	mu      sync.RWMutex // Guards the map itself, not the entries
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	summary domain.PositionSummary
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) lookup(strategyID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[strategyID]
}

// Get returns a copy of the summary for a strategy.
func (s *Store) Get(strategyID string) (domain.PositionSummary, bool) {
	e := s.lookup(strategyID)
	if e == nil {
		return domain.PositionSummary{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary.Clone(), true
}

// Put stores a copy of the summary, replacing any previous value.
func (s *Store) Put(summary domain.PositionSummary) {
	if e := s.lookup(summary.StrategyID); e != nil {
		e.mu.Lock()
		e.summary = summary.Clone()
		e.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[summary.StrategyID]; ok {
		e.mu.Lock()
		e.summary = summary.Clone()
		e.mu.Unlock()
		return
	}
	s.entries[summary.StrategyID] = &entry{summary: summary.Clone()}
}

// Update runs fn on the strategy's summary under that strategy's lock and returns the result.
// fn must not block on I/O. Returns false when the strategy is unknown.
func (s *Store) Update(strategyID string, fn func(*domain.PositionSummary)) (domain.PositionSummary, bool) {
	e := s.lookup(strategyID)
	if e == nil {
		return domain.PositionSummary{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.summary)
	return e.summary.Clone(), true
}

// IDs returns the known strategy IDs in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
