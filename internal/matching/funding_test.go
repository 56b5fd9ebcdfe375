package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionSyncBot/internal/domain"
)

func TestAttributeFunding(t *testing.T) {
	trades := []*domain.CompletedTrade{
		{Symbol: "BTCUSDT", Quantity: 0.75, EntryTime: t0, ExitTime: t0.Add(10 * time.Hour)},
		{Symbol: "BTCUSDT", Quantity: 0.25, EntryTime: t0, ExitTime: t0.Add(20 * time.Hour)},
	}
	events := []domain.FundingEvent{
		{Symbol: "BTCUSDT", Amount: -1.0, Time: t0.Add(8 * time.Hour), TranID: 1},
		{Symbol: "BTCUSDT", Amount: -0.5, Time: t0.Add(16 * time.Hour), TranID: 2},
		{Symbol: "BTCUSDT", Amount: 0.3, Time: t0.Add(24 * time.Hour), TranID: 3},
		{Symbol: "ETHUSDT", Amount: -9, Time: t0.Add(8 * time.Hour), TranID: 4},
	}

	unattributed := AttributeFunding(trades, events)

	assert.Equal(t, -0.75, trades[0].FundingFee)
	assert.Equal(t, -0.75, trades[1].FundingFee)
	require.Len(t, unattributed, 2)
	assert.Equal(t, int64(3), unattributed[0].TranID)
	assert.Equal(t, int64(4), unattributed[1].TranID)
}

func TestAttributeFunding_NoTrades(t *testing.T) {
	events := []domain.FundingEvent{{Amount: -1, Time: t0}}
	assert.Len(t, AttributeFunding(nil, events), 1)
}
