package domain

import (
	"fmt"
	"time"
)

// PendingOrder is a conditional setup awaiting a price trigger. Trigger and
// negation levels are fixed at creation from the one reference candle and
// never recomputed.
type PendingOrder struct {
	ID              string
	Symbol          string
	Timeframe       string
	Side            Side
	TriggerPrice    float64 // Mid of the reference candle's high/low
	NegationPrice   float64 // Opposite extreme of the reference candle
	AmountUSD       float64
	Leverage        int
	AbsStopPrice    float64 // Absolute stop-loss level for the position
	ReferenceCandle Candle
	CreatedAt       time.Time
	Payload         Signal // Raw signal that created the setup
}

// PendingOrderID builds the opaque registry key for a pending order.
func PendingOrderID(symbol, timeframe string, action SignalAction, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d", symbol, timeframe, action, at.Unix())
}
