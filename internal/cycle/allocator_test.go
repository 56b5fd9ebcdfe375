package cycle

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"positionSyncBot/internal/domain"
)

func TestAllocator_AcquireIssuesOnlyWhenAbsent(t *testing.T) {
	a := NewAllocator()

	id, issued := a.Acquire("")
	assert.True(t, issued)
	_, err := uuid.Parse(string(id))
	assert.NoError(t, err)

	again, issued := a.Acquire(id)
	assert.False(t, issued)
	assert.Equal(t, id, again)

	other, _ := a.Acquire("")
	assert.NotEqual(t, id, other)
}

func TestAllocator_Release(t *testing.T) {
	a := NewAllocator()
	id, _ := a.Acquire("")
	assert.Equal(t, domain.CycleID(""), a.Release(id))
}
