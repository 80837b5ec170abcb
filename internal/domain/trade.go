package domain

import "time"

// ExecutionDetail is one append-only entry in a trade's execution log.
type ExecutionDetail struct {
	Type         string    `json:"type"` // e.g. "tp1", "tp2", "full_close_stopped_out"
	Price        float64   `json:"price"`
	Qty          float64   `json:"qty"`
	Timestamp    time.Time `json:"timestamp"`
	RemainingQty float64   `json:"remaining_qty"`
}

// Trade is the durable ledger record of a position from entry through
// partial exits to final close. JSON tags define the persisted layout.
type Trade struct {
	ID        string `json:"uuid"`
	Currency  string `json:"currency"` // Upper-cased asset symbol (e.g. "BTC")
	Timeframe string `json:"timeframe"`

	QtyUSD           float64 `json:"qty_usd"`            // USD notional at entry
	QtyAsset         float64 `json:"qty_asset"`          // Asset quantity at entry
	OriginalQtyAsset float64 `json:"original_qty_asset"` // Never changes after entry
	CurrentQtyAsset  float64 `json:"current_qty_asset"`  // Remaining open quantity

	EntryPrice   float64  `json:"entry_price"`
	ExitPrice    *float64 `json:"exit_price"`
	AvgExitPrice *float64 `json:"avg_exit_price"`
	TradeType    string   `json:"trade_type"` // Always "futures"
	Side         Side     `json:"side"`
	Leverage     int      `json:"leverage"`

	StopLossPrice float64  `json:"stop_loss_price"`
	TakeProfit1   *float64 `json:"take_profit_1"`
	TakeProfit2   *float64 `json:"take_profit_2"`

	Status          TradeStatus `json:"status"`
	ExchangeOrderID string      `json:"exchange_order_id"`

	// Dual stop-loss tracking: an exchange-resting absolute stop and a
	// candle-close-confirmed stop are armed together; whichever fires first
	// deactivates both.
	AbsoluteSLPrice     float64 `json:"absolute_sl_price"`
	AbsoluteSLActive    bool    `json:"absolute_sl_active"`
	AbsoluteSLOrderID   *string `json:"absolute_sl_order_id"`
	CandleCloseSLPrice  float64 `json:"candle_close_sl_price"`
	CandleCloseSLActive bool    `json:"candle_close_sl_active"`
	CandleSLTimeframe   string  `json:"candle_sl_timeframe"`

	TP1Achieved  bool       `json:"tp1_achieved"`
	TP1Price     *float64   `json:"tp1_price"`
	TP1QtyClosed float64    `json:"tp1_qty_closed"`
	TP1Timestamp *time.Time `json:"tp1_timestamp"`
	TP2Achieved  bool       `json:"tp2_achieved"`
	TP2Price     *float64   `json:"tp2_price"`
	TP2QtyClosed float64    `json:"tp2_qty_closed"`
	TP2Timestamp *time.Time `json:"tp2_timestamp"`

	RealizedPnLUSD   float64 `json:"realized_pnl_usd"`
	UnrealizedPnLUSD float64 `json:"unrealized_pnl_usd"`

	SLTriggeredBy  *StopTrigger `json:"sl_triggered_by"`
	SLTriggerPrice *float64     `json:"sl_trigger_price"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`

	ExecutionDetails []ExecutionDetail `json:"execution_details"`
	Notes            string            `json:"notes"`
}

// IsOpen reports whether the trade still has exposure to manage.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusActive || t.Status == StatusTP1Achieved
}

// PnLBreakdown is the result of a running P&L query.
type PnLBreakdown struct {
	RealizedUSD   float64
	UnrealizedUSD float64
	TotalUSD      float64
	TotalPct      float64
	MarkPrice     float64
	EntryPrice    float64
	RemainingQty  float64
}
