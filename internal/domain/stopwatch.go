package domain

import "time"

// StopWatch is a candle-close-confirmed stop-loss guarding one live
// position. It is keyed by the exchange order id of that position.
type StopWatch struct {
	OrderID      string
	Asset        string
	StopPrice    float64
	Timeframe    string // Candle granularity used for confirmation
	Side         Side
	PositionSize float64
	CreatedAt    time.Time

	// LastCheckedCandle is the open time of the newest candle already
	// evaluated; the stop comparison fires at most once per distinct candle.
	LastCheckedCandle time.Time
}
