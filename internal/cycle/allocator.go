// Package cycle issues and scopes position-cycle identifiers.
//
// A cycle starts when a strategy goes from zero to non-zero position size and ends when
// the size returns to zero. Every fill inside the cycle carries the same identifier, so the
// matching engine can never pair an entry from one cycle with an exit from the next.
package cycle

import (
	"github.com/google/uuid"

	"positionSyncBot/internal/domain"
)

// Allocator hands out position-cycle identifiers.
type Allocator struct {
	newID func() string
}

// NewAllocator returns an allocator backed by random (v4) UUIDs.
func NewAllocator() *Allocator {
	return &Allocator{newID: uuid.NewString}
}

// Acquire returns the identifier to use for an open position. An existing identifier is
// reused unchanged; a new one is issued only when current is absent. The boolean reports
// whether a new identifier was issued.
func (a *Allocator) Acquire(current domain.CycleID) (domain.CycleID, bool) {
	if !current.IsZero() {
		return current, false
	}
	return domain.CycleID(a.newID()), true
}

// Release retires an identifier when the position returns to zero.
func (a *Allocator) Release(domain.CycleID) domain.CycleID {
	return ""
}
