package cycle

import (
	"sort"
	"time"

	"positionSyncBot/internal/domain"
)

// Assign stamps each fill that has no identifier yet with the cycle it belongs to.
// Cycles are ordered by OpenedAt; each one owns the fills after the previous cycle closed,
// up to and including its own ClosedAt, and the first cycle also owns everything before
// it. OpenedAt is when the reconciler first observed the position, so entry fills
// routinely precede it.
//
// Fills after the last closed cycle keep an absent identifier until the next cycle is
// recorded. Callers re-run Assign over stored fills to pick those up.
func Assign(fills []domain.Fill, cycles []domain.CycleRecord) []domain.Fill {
	sorted := make([]domain.CycleRecord, len(cycles))
	copy(sorted, cycles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenedAt.Before(sorted[j].OpenedAt) })

	out := make([]domain.Fill, len(fills))
	for i, f := range fills {
		out[i] = f
		if !f.PositionCycleID.IsZero() || f.Timestamp.IsZero() {
			continue
		}
		var prevClose time.Time
		for _, c := range sorted {
			afterPrev := prevClose.IsZero() || f.Timestamp.After(prevClose)
			notAfterClose := c.ClosedAt.IsZero() || !f.Timestamp.After(c.ClosedAt)
			if afterPrev && notAfterClose {
				out[i].PositionCycleID = c.ID
				break
			}
			prevClose = c.ClosedAt
		}
	}
	return out
}

// Restamped returns the fills that Assign gave an identifier they did not have before.
// before and after must be index-aligned.
func Restamped(before, after []domain.Fill) []domain.Fill {
	var out []domain.Fill
	for i := range after {
		if before[i].PositionCycleID.IsZero() && !after[i].PositionCycleID.IsZero() {
			out = append(out, after[i])
		}
	}
	return out
}
