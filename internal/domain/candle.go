package domain

import "time"

// Candle represents a single completed candlestick.
type Candle struct {
	OpenTime time.Time // Start time of the interval
	Symbol   string    // Trading symbol
	Interval string    // Candle interval (e.g., "1m", "1h")
	Open     float64   // Opening price
	High     float64   // Highest price
	Low      float64   // Lowest price
	Close    float64   // Closing price
	Volume   float64   // Trading volume
}

// MidPrice returns the midpoint of the candle's high/low range.
func (c *Candle) MidPrice() float64 {
	return (c.High + c.Low) / 2
}
