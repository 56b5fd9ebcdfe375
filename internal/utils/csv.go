package utils

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"positionSyncBot/internal/domain"
)

var tradeHeader = []string{
	"id", "strategy_id", "symbol", "side", "position_cycle_id",
	"entry_order_id", "exit_order_id", "entry_time", "exit_time",
	"entry_price", "exit_price", "quantity", "leverage", "margin_type",
	"fee", "fee_estimated", "funding_fee", "pnl", "pnl_percent", "close_reason",
}

// WriteTradesToCSV writes completed trades to filename, one row per trade.
func WriteTradesToCSV(trades []*domain.CompletedTrade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return WriteTrades(file, trades)
}

// WriteTrades writes the CSV header and one row per trade to w.
func WriteTrades(w io.Writer, trades []*domain.CompletedTrade) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	// Write header
	writer.Write(tradeHeader)

	for _, t := range trades {
		writer.Write([]string{
			strconv.FormatInt(t.ID, 10),
			t.StrategyID,
			t.Symbol,
			string(t.Side),
			string(t.PositionCycleID),
			strconv.FormatInt(t.EntryOrderID, 10),
			strconv.FormatInt(t.ExitOrderID, 10),
			t.EntryTime.Format(time.RFC3339),
			t.ExitTime.Format(time.RFC3339),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.Quantity),
			strconv.Itoa(t.Leverage),
			t.MarginType,
			formatFloat(t.Fee),
			strconv.FormatBool(t.FeeEstimated),
			formatFloat(t.FundingFee),
			formatFloat(t.PNL),
			formatFloat(t.PNLPercent),
			string(t.CloseReason),
		})
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
