package ports

import (
	"context"

	"hypertrader/internal/domain"
)

// Fill represents the essential details returned after a market order executes.
type Fill struct {
	AssetAmount float64 // Quantity actually filled
	OrderID     string  // Exchange's order ID
	AvgPrice    float64 // Average filled price
	TotalUSD    float64 // Filled quantity * average price
}

// RestingOrder represents a stop or limit order resting on the exchange book.
type RestingOrder struct {
	OrderID      string
	Symbol       string
	TriggerPrice float64
}

// ExecutionGateway defines the exchange capability set consumed by the core.
// This abstraction decouples the trigger/lifecycle engine from any specific
// exchange implementation.
type ExecutionGateway interface {
	// GetLastPrice retrieves the last traded price for a raw asset symbol.
	GetLastPrice(ctx context.Context, symbol string) (float64, error)

	// GetReferenceCandle retrieves the most recently completed candle for
	// the given symbol and timeframe. Returns nil, nil when no candle is
	// available.
	GetReferenceCandle(ctx context.Context, symbol, timeframe string) (*domain.Candle, error)

	// PlaceMarketOrder places a market order. isBuy true buys, false sells.
	PlaceMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity float64) (*Fill, error)

	// PlaceStopMarketOrder places a reduce-only stop-market order resting on
	// the exchange, used as the absolute stop-loss leg.
	PlaceStopMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity, stopPrice float64) (*RestingOrder, error)

	// CancelOrder cancels a resting order by its ID.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// SetLeverage sets the leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Quantize rounds a raw asset amount down to the symbol's tradable
	// quantity step.
	Quantize(ctx context.Context, symbol string, rawAmount float64) (float64, error)

	// GetAccountBalance retrieves the available balance for an asset (e.g. "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)
}
