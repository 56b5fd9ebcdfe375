package matching

import (
	"positionSyncBot/internal/domain"
)

// AttributeFunding spreads each funding event over the completed trades that were held when
// it settled, i.e. EntryTime <= event time <= ExitTime on the same symbol. An event shared by
// several trades is split by quantity. Events no trade was holding are returned unattributed.
func AttributeFunding(trades []*domain.CompletedTrade, events []domain.FundingEvent) []domain.FundingEvent {
	var unattributed []domain.FundingEvent
	touched := make(map[*domain.CompletedTrade]struct{})

	for _, ev := range events {
		var holders []*domain.CompletedTrade
		total := 0.0
		for _, t := range trades {
			if ev.Symbol != "" && t.Symbol != "" && ev.Symbol != t.Symbol {
				continue
			}
			if ev.Time.Before(t.EntryTime) || ev.Time.After(t.ExitTime) {
				continue
			}
			holders = append(holders, t)
			total += t.Quantity
		}
		if len(holders) == 0 || total <= 0 {
			unattributed = append(unattributed, ev)
			continue
		}
		for _, t := range holders {
			t.FundingFee += ev.Amount * t.Quantity / total
			touched[t] = struct{}{}
		}
	}

	for t := range touched {
		t.FundingFee = Round(t.FundingFee)
	}
	return unattributed
}
