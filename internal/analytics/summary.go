// Package analytics summarizes completed trades for reporting.
package analytics

import (
	"sort"
	"time"

	"positionSyncBot/internal/domain"
)

// Summary holds aggregate results for a set of completed trades.
type Summary struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	NetPNL        float64
	AverageWin    float64
	AverageLoss   float64
	ProfitFactor  float64 // Gross profit / gross loss, 0 when there are no losses
	TotalFees     float64
	TotalFunding  float64

	// EstimatedFeeTrades counts trades whose fee was estimated from notional.
	EstimatedFeeTrades int

	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageHoldTime      time.Duration

	// MaxDrawdown is the largest peak-to-trough fall of cumulative PnL, in quote currency.
	MaxDrawdown float64

	ByCloseReason map[domain.CloseReason]ReasonStats
	MonthlyPNL    map[string]float64 // keyed by exit month, "2006-01"
}

// ReasonStats aggregates the trades closed for one reason.
type ReasonStats struct {
	Count int
	PNL   float64
}

// Average returns the mean PnL per trade.
func (r ReasonStats) Average() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.PNL / float64(r.Count)
}

// Summarize computes a Summary. The input slice is not modified.
func Summarize(trades []*domain.CompletedTrade) *Summary {
	s := &Summary{
		ByCloseReason: make(map[domain.CloseReason]ReasonStats),
		MonthlyPNL:    make(map[string]float64),
	}
	if len(trades) == 0 {
		return s
	}

	// Sort by exit time
	ordered := make([]*domain.CompletedTrade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExitTime.Before(ordered[j].ExitTime)
	})

	var grossProfit, grossLoss float64
	var equity, peak float64
	var consecutiveWins, consecutiveLosses int
	var totalHold time.Duration

	for _, t := range ordered {
		s.TotalTrades++
		s.NetPNL += t.PNL
		s.TotalFees += t.Fee
		s.TotalFunding += t.FundingFee
		if t.FeeEstimated {
			s.EstimatedFeeTrades++
		}
		totalHold += t.ExitTime.Sub(t.EntryTime)

		if t.PNL > 0 {
			s.WinningTrades++
			grossProfit += t.PNL
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			s.LosingTrades++
			grossLoss -= t.PNL
			consecutiveLosses++
			consecutiveWins = 0
		}
		if consecutiveWins > s.MaxConsecutiveWins {
			s.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > s.MaxConsecutiveLosses {
			s.MaxConsecutiveLosses = consecutiveLosses
		}

		equity += t.PNL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}

		rs := s.ByCloseReason[t.CloseReason]
		rs.Count++
		rs.PNL += t.PNL
		s.ByCloseReason[t.CloseReason] = rs

		s.MonthlyPNL[t.ExitTime.UTC().Format("2006-01")] += t.PNL
	}

	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	if s.WinningTrades > 0 {
		s.AverageWin = grossProfit / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = -grossLoss / float64(s.LosingTrades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossProfit / grossLoss
	}
	s.AverageHoldTime = totalHold / time.Duration(s.TotalTrades)
	return s
}

// CloseReasons returns the reasons present in the summary, sorted.
func (s *Summary) CloseReasons() []domain.CloseReason {
	reasons := make([]domain.CloseReason, 0, len(s.ByCloseReason))
	for r := range s.ByCloseReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	return reasons
}

// MonthlyReturn is the net PnL of trades exiting in one month.
type MonthlyReturn struct {
	Month time.Time
	PNL   float64
}

// Months returns the monthly PnL in chronological order.
func (s *Summary) Months() []MonthlyReturn {
	out := make([]MonthlyReturn, 0, len(s.MonthlyPNL))
	for month, pnl := range s.MonthlyPNL {
		date, _ := time.Parse("2006-01", month)
		out = append(out, MonthlyReturn{Month: date, PNL: pnl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}
