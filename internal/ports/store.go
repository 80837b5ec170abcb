package ports

import (
	"context"

	"hypertrader/internal/domain"
)

// TradeStore is the persistence backend for the position ledger. The ledger
// writes through the full trade set on every mutation; the store decides how
// that set is made durable.
type TradeStore interface {
	// Save durably writes the complete trade set, replacing any prior state.
	Save(ctx context.Context, trades map[string]*domain.Trade) error
	// Load reads the complete trade set. A missing backing file is not an
	// error; it yields an empty set.
	Load(ctx context.Context) (map[string]*domain.Trade, error)
	// Close releases any resources held by the store.
	Close() error
}
