package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionSyncBot/internal/domain"
)

func TestStore_PutGetUpdate(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Put(domain.NewPositionSummary("s1", "BTCUSDT", 5, "cross"))
	got, ok := s.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", got.Symbol)

	updated, ok := s.Update("s1", func(p *domain.PositionSummary) { p.Size = 2 })
	require.True(t, ok)
	assert.Equal(t, 2.0, updated.Size)

	_, ok = s.Update("missing", func(p *domain.PositionSummary) {})
	assert.False(t, ok)
	assert.Equal(t, []string{"s1"}, s.IDs())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	tp := int64(5)
	p := domain.NewPositionSummary("s1", "BTCUSDT", 5, "cross")
	p.TakeProfitOrderID = &tp
	s.Put(p)

	got, _ := s.Get("s1")
	*got.TakeProfitOrderID = 99
	got.Size = 10

	again, _ := s.Get("s1")
	assert.Equal(t, int64(5), *again.TakeProfitOrderID)
	assert.Zero(t, again.Size)
}

func TestStore_ConcurrentUpdatesPerKey(t *testing.T) {
	s := NewStore()
	s.Put(domain.NewPositionSummary("a", "BTCUSDT", 5, "cross"))
	s.Put(domain.NewPositionSummary("b", "ETHUSDT", 5, "cross"))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Update("a", func(p *domain.PositionSummary) { p.Size++ })
		}()
		go func() {
			defer wg.Done()
			s.Update("b", func(p *domain.PositionSummary) { p.Size += 2 })
		}()
	}
	wg.Wait()

	a, _ := s.Get("a")
	b, _ := s.Get("b")
	assert.Equal(t, 100.0, a.Size)
	assert.Equal(t, 200.0, b.Size)
}
