package risk

import (
	"fmt"

	"hypertrader/internal/domain"
)

// Fraction of the reference candle extreme the absolute stop sits beyond
// the negation level.
const absStopBuffer = 0.2

// EntryLevels are the price levels a conditional setup is armed with. They
// are computed once from the reference candle and never recomputed.
type EntryLevels struct {
	Trigger  float64 // Midpoint of the reference candle's high/low
	Negation float64 // Candle extreme that invalidates the setup
	AbsStop  float64 // Hard stop 20% beyond the negation level
}

// ComputeEntryLevels derives the trigger, negation and absolute stop levels
// for a setup from its reference candle.
func ComputeEntryLevels(candle *domain.Candle, side domain.Side) (EntryLevels, error) {
	if candle == nil {
		return EntryLevels{}, fmt.Errorf("reference candle is required")
	}
	if candle.High < candle.Low {
		return EntryLevels{}, fmt.Errorf("reference candle high %v below low %v", candle.High, candle.Low)
	}

	levels := EntryLevels{Trigger: candle.MidPrice()}
	if side.IsLong() {
		levels.Negation = candle.Low
		levels.AbsStop = candle.Low * (1 - absStopBuffer)
	} else {
		levels.Negation = candle.High
		levels.AbsStop = candle.High * (1 + absStopBuffer)
	}
	return levels, nil
}

// EntryTriggered reports whether price satisfies the entry condition. Longs
// enter at or below the trigger, shorts at or above it.
func (l EntryLevels) EntryTriggered(side domain.Side, price float64) bool {
	if side.IsLong() {
		return price <= l.Trigger
	}
	return price >= l.Trigger
}

// Negated reports whether a candle close invalidates the setup.
func (l EntryLevels) Negated(side domain.Side, close float64) bool {
	if side.IsLong() {
		return close <= l.Negation
	}
	return close >= l.Negation
}

// StopHit reports whether a candle close at or beyond stopPrice confirms a
// stop for the given position direction.
func StopHit(side domain.Side, close, stopPrice float64) bool {
	if side.IsLong() {
		return close <= stopPrice
	}
	return close >= stopPrice
}

// TP1Close is the sizing decision for the first take-profit stage.
type TP1Close struct {
	Qty       float64
	FullClose bool // True when the remainder would fall under the notional floor
}

// TP1CloseQuantity sizes the first take-profit close. The default is half of
// the original position; when the half that would remain is worth less than
// minNotionalUSD at the current price, the whole remaining position closes
// instead and the second stage is skipped.
func TP1CloseQuantity(originalQty, currentQty, price, minNotionalUSD float64) TP1Close {
	qty := originalQty * 0.5
	remainderValue := (originalQty - qty) * price
	if remainderValue < minNotionalUSD {
		return TP1Close{Qty: currentQty, FullClose: true}
	}
	if qty > currentQty {
		qty = currentQty
	}
	return TP1Close{Qty: qty}
}
