package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"positionSyncBot/internal/adapters/memory"
	"positionSyncBot/internal/domain"
	"positionSyncBot/internal/ports"
)

// FieldMismatch is one field that differs between tiers. Absent tiers are left nil.
type FieldMismatch struct {
	Field    string      `json:"field"`
	Memory   interface{} `json:"memory,omitempty"`
	Database interface{} `json:"database,omitempty"`
	Cache    interface{} `json:"cache,omitempty"`
}

// ConsistencyReport describes how the stored copies of one strategy compare.
type ConsistencyReport struct {
	StrategyID string          `json:"strategy_id"`
	Consistent bool            `json:"consistent"`
	Mismatches []FieldMismatch `json:"mismatches,omitempty"`
	Missing    []string        `json:"missing,omitempty"` // Tiers holding no copy
	Errors     []string        `json:"errors,omitempty"`  // Tiers that could not be read
	CheckedAt  time.Time       `json:"checked_at"`
}

// Checker compares memory, database and cache without writing to any of them.
type Checker struct {
	states ports.StateRepository
	cache  ports.StateCache // Optional
	memory *memory.Store    // Optional; absent in out-of-process tools
	eps    float64
	now    func() time.Time
}

// NewChecker creates a checker. cache and mem may be nil.
func NewChecker(states ports.StateRepository, cache ports.StateCache, mem *memory.Store, eps float64) *Checker {
	if eps <= 0 {
		eps = DefaultSizeEpsilon
	}
	return &Checker{
		states: states,
		cache:  cache,
		memory: mem,
		eps:    eps,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type tierCopy struct {
	name    string
	summary *domain.PositionSummary
}

// Check builds a report for one strategy. An error is returned only when no tier could be
// read at all.
func (c *Checker) Check(ctx context.Context, strategyID string) (*ConsistencyReport, error) {
	report := &ConsistencyReport{StrategyID: strategyID, CheckedAt: c.now()}
	var copies []tierCopy

	if c.memory != nil {
		if s, ok := c.memory.Get(strategyID); ok {
			copies = append(copies, tierCopy{name: "memory", summary: &s})
		} else {
			report.Missing = append(report.Missing, "memory")
		}
	}

	stored, err := c.states.GetStrategyState(ctx, strategyID)
	switch {
	case err == nil:
		copies = append(copies, tierCopy{name: "database", summary: stored})
	case errors.Is(err, ports.ErrNotFound):
		report.Missing = append(report.Missing, "database")
	default:
		report.Errors = append(report.Errors, fmt.Sprintf("database: %v", err))
	}

	if c.cache != nil {
		cached, err := c.cache.GetCachedStrategy(ctx, strategyID)
		switch {
		case err != nil:
			report.Errors = append(report.Errors, fmt.Sprintf("cache: %v", err))
		case cached == nil:
			report.Missing = append(report.Missing, "cache")
		default:
			copies = append(copies, tierCopy{name: "cache", summary: cached})
		}
	}

	if len(copies) == 0 && len(report.Errors) > 0 {
		return nil, fmt.Errorf("consistency check for %s: no tier readable: %v", strategyID, report.Errors)
	}

	report.Mismatches = c.compare(copies)
	report.Consistent = len(report.Mismatches) == 0 && len(report.Missing) == 0 && len(report.Errors) == 0
	return report, nil
}

func (c *Checker) compare(copies []tierCopy) []FieldMismatch {
	if len(copies) < 2 {
		return nil
	}
	type fieldCheck struct {
		name  string
		value func(*domain.PositionSummary) interface{}
		equal func(a, b *domain.PositionSummary) bool
	}
	checks := []fieldCheck{
		{
			name:  FieldSize,
			value: func(s *domain.PositionSummary) interface{} { return s.Size },
			equal: func(a, b *domain.PositionSummary) bool { return math.Abs(a.Size-b.Size) <= c.eps },
		},
		{
			name:  FieldSide,
			value: func(s *domain.PositionSummary) interface{} { return s.Side },
			equal: func(a, b *domain.PositionSummary) bool { return a.Side == b.Side },
		},
		{
			name:  FieldStatus,
			value: func(s *domain.PositionSummary) interface{} { return s.Status },
			equal: func(a, b *domain.PositionSummary) bool { return a.Status == b.Status },
		},
		{
			name:  FieldCycleID,
			value: func(s *domain.PositionSummary) interface{} { return s.PositionCycleID },
			equal: func(a, b *domain.PositionSummary) bool { return a.PositionCycleID == b.PositionCycleID },
		},
	}

	var out []FieldMismatch
	for _, fc := range checks {
		diverged := false
		for _, other := range copies[1:] {
			if !fc.equal(copies[0].summary, other.summary) {
				diverged = true
				break
			}
		}
		if !diverged {
			continue
		}
		m := FieldMismatch{Field: fc.name}
		for _, tc := range copies {
			v := fc.value(tc.summary)
			switch tc.name {
			case "memory":
				m.Memory = v
			case "database":
				m.Database = v
			case "cache":
				m.Cache = v
			}
		}
		out = append(out, m)
	}
	return out
}
