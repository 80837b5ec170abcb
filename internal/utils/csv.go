package utils

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"
	"time"

	"hypertrader/internal/domain"
)

// WriteTradesToCSV exports the trade set to a CSV file, ordered by creation
// time so the output is stable across runs.
func WriteTradesToCSV(trades map[string]*domain.Trade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{
		"id", "currency", "timeframe", "side", "status", "leverage",
		"entry_price", "exit_price", "qty_usd", "original_qty", "remaining_qty",
		"tp1_achieved", "tp2_achieved", "sl_triggered_by", "realized_pnl_usd",
		"created_at", "closed_at",
	})

	ordered := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	for _, t := range ordered {
		exitPrice := ""
		if t.ExitPrice != nil {
			exitPrice = formatFloat(*t.ExitPrice)
		}
		slSource := ""
		if t.SLTriggeredBy != nil {
			slSource = string(*t.SLTriggeredBy)
		}
		closedAt := ""
		if t.ClosedAt != nil {
			closedAt = t.ClosedAt.Format(time.RFC3339)
		}
		writer.Write([]string{
			t.ID,
			t.Currency,
			t.Timeframe,
			string(t.Side),
			string(t.Status),
			strconv.Itoa(t.Leverage),
			formatFloat(t.EntryPrice),
			exitPrice,
			formatFloat(t.QtyUSD),
			formatFloat(t.OriginalQtyAsset),
			formatFloat(t.CurrentQtyAsset),
			strconv.FormatBool(t.TP1Achieved),
			strconv.FormatBool(t.TP2Achieved),
			slSource,
			formatFloat(t.RealizedPnLUSD),
			t.CreatedAt.Format(time.RFC3339),
			closedAt,
		})
	}
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
