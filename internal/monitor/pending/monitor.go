package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hypertrader/internal/domain"
	"hypertrader/internal/ledger"
	"hypertrader/internal/ports"
	"hypertrader/internal/risk"
)

// marginAsset is the quote asset all positions are margined in.
const marginAsset = "USDT"

// tradeLedger is the slice of the position ledger the monitor needs.
type tradeLedger interface {
	ActiveCount() int
	AddTrade(ctx context.Context, nt ledger.NewTrade) (*domain.Trade, error)
	SetAbsoluteStopOrderID(ctx context.Context, tradeID, orderID string) error
}

// stopRegistrar registers candle-close stop watches for live positions.
type stopRegistrar interface {
	Watch(orderID, asset string, stopPrice float64, timeframe string, side domain.Side, size float64) (*domain.StopWatch, error)
}

// Monitor owns the registry of pending conditional orders. A background
// loop compares each entry against the latest market data and either
// executes it as a market order once the trigger price is touched or drops
// it when the negation level is crossed first.
type Monitor struct {
	interval        time.Duration
	gateway         ports.ExecutionGateway
	ledger          tradeLedger
	stops           stopRegistrar
	notifier        ports.Notifier
	logger          ports.Logger
	maxActiveTrades int
	now             func() time.Time

	mu      sync.Mutex
	orders  map[string]*domain.PendingOrder
	started bool
}

// Config holds dependencies for the pending-order monitor.
type Config struct {
	Interval        time.Duration
	Gateway         ports.ExecutionGateway
	Ledger          tradeLedger
	Stops           stopRegistrar
	Notifier        ports.Notifier
	Logger          ports.Logger
	MaxActiveTrades int
	Now             func() time.Time
}

// New creates a pending-order monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Gateway == nil || cfg.Ledger == nil || cfg.Stops == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for pending-order monitor")
	}
	if cfg.MaxActiveTrades <= 0 {
		return nil, fmt.Errorf("MaxActiveTrades must be positive")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		interval:        interval,
		gateway:         cfg.Gateway,
		ledger:          cfg.Ledger,
		stops:           cfg.Stops,
		notifier:        cfg.Notifier,
		logger:          cfg.Logger,
		maxActiveTrades: cfg.MaxActiveTrades,
		now:             now,
		orders:          map[string]*domain.PendingOrder{},
	}, nil
}

// Start launches the background tick loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.loop(ctx)
}

// Register validates an entry signal and creates a pending order whose
// trigger and negation levels are fixed from the most recent fully-closed
// reference candle. They are never recomputed afterwards.
func (m *Monitor) Register(ctx context.Context, sig *domain.Signal) (*domain.PendingOrder, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidSignal, err)
	}
	if !sig.Action.IsEntry() {
		return nil, fmt.Errorf("%w: action %q is not an entry", ports.ErrInvalidSignal, sig.Action)
	}
	if sig.AmountUSD <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ports.ErrInvalidSignal)
	}
	if sig.Leverage <= 0 {
		return nil, fmt.Errorf("%w: leverage must be positive", ports.ErrInvalidSignal)
	}

	if m.ledger.ActiveCount() >= m.maxActiveTrades {
		return nil, fmt.Errorf("%w: cap %d", ports.ErrTradeLimitReached, m.maxActiveTrades)
	}

	candle, err := m.gateway.GetReferenceCandle(ctx, sig.Symbol, sig.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrNoReferenceData, err)
	}
	if candle == nil {
		return nil, fmt.Errorf("%w: %s %s", ports.ErrNoReferenceData, sig.Symbol, sig.Timeframe)
	}

	side := sig.Action.Side()
	levels, err := risk.ComputeEntryLevels(candle, side)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrNoReferenceData, err)
	}

	createdAt := m.now().UTC()
	po := &domain.PendingOrder{
		ID:              domain.PendingOrderID(sig.Symbol, sig.Timeframe, sig.Action, createdAt),
		Symbol:          sig.Symbol,
		Timeframe:       sig.Timeframe,
		Side:            side,
		TriggerPrice:    levels.Trigger,
		NegationPrice:   levels.Negation,
		AmountUSD:       sig.AmountUSD,
		Leverage:        sig.Leverage,
		AbsStopPrice:    levels.AbsStop,
		ReferenceCandle: *candle,
		CreatedAt:       createdAt,
		Payload:         *sig,
	}

	m.mu.Lock()
	m.orders[po.ID] = po
	m.mu.Unlock()

	m.logger.Info(ctx, "Pending order registered", map[string]interface{}{
		"id": po.ID, "symbol": po.Symbol, "timeframe": po.Timeframe, "side": po.Side,
		"trigger": po.TriggerPrice, "negation": po.NegationPrice,
	})
	if m.notifier != nil {
		m.notifier.Notify(ctx, fmt.Sprintf("Pending %s setup for %s %s: entry at %v, negation at %v",
			po.Side, po.Symbol, po.Timeframe, po.TriggerPrice, po.NegationPrice))
	}

	cp := *po
	return &cp, nil
}

// CancelFor removes all pending orders matching symbol and timeframe,
// returning the removed ids. Used when a negation or take-profit signal
// arrives ahead of trigger. Best-effort: an entry already copied out of the
// registry for execution in the current tick is not rolled back.
func (m *Monitor) CancelFor(symbol, timeframe string) []string {
	m.mu.Lock()
	var removed []string
	for id, po := range m.orders {
		if po.Symbol == symbol && po.Timeframe == timeframe {
			delete(m.orders, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.logger.Info(context.Background(), "Pending orders cancelled", map[string]interface{}{
			"symbol": symbol, "timeframe": timeframe, "ids": removed,
		})
	}
	return removed
}

// PendingCount returns the number of registered pending orders.
func (m *Monitor) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *Monitor) loop(ctx context.Context) {
	m.logger.Info(ctx, "Pending-order monitoring started", map[string]interface{}{"interval": m.interval.String()})
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Pending-order monitoring stopped")
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan runs one evaluation pass. The registry lock is held only to snapshot
// and to remove entries; market data fetches and order placement happen
// outside it, and execution runs on its own goroutine so a slow placement
// never blocks scanning of other entries.
func (m *Monitor) scan(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*domain.PendingOrder, 0, len(m.orders))
	for _, po := range m.orders {
		cp := *po
		snapshot = append(snapshot, &cp)
	}
	m.mu.Unlock()

	var toRemove []string
	var toExecute []*domain.PendingOrder

	for _, po := range snapshot {
		candle, err := m.gateway.GetReferenceCandle(ctx, po.Symbol, po.Timeframe)
		if err != nil || candle == nil {
			// Transient: the entry stays registered and is retried next tick.
			m.logger.Warn(ctx, "Could not get reference candle", map[string]interface{}{
				"id": po.ID, "symbol": po.Symbol, "timeframe": po.Timeframe,
			})
			continue
		}

		levels := risk.EntryLevels{Trigger: po.TriggerPrice, Negation: po.NegationPrice, AbsStop: po.AbsStopPrice}

		// Negation is evaluated before entry so a candle satisfying both
		// conditions is treated as negation.
		if levels.Negated(po.Side, candle.Close) {
			m.logger.Info(ctx, "Pending order negated", map[string]interface{}{
				"id": po.ID, "close": candle.Close, "negation": po.NegationPrice,
			})
			if m.notifier != nil {
				m.notifier.Notify(ctx, fmt.Sprintf("Setup negated for %s %s: close %v crossed %v",
					po.Symbol, po.Timeframe, candle.Close, po.NegationPrice))
			}
			toRemove = append(toRemove, po.ID)
			continue
		}

		price, err := m.gateway.GetLastPrice(ctx, po.Symbol)
		if err != nil {
			m.logger.Warn(ctx, "Failed to get current price", map[string]interface{}{
				"id": po.ID, "symbol": po.Symbol, "error": err.Error(),
			})
			continue
		}

		if levels.EntryTriggered(po.Side, price) {
			m.logger.Info(ctx, "Entry triggered for pending order", map[string]interface{}{
				"id": po.ID, "price": price, "trigger": po.TriggerPrice,
			})
			toExecute = append(toExecute, po)
			toRemove = append(toRemove, po.ID)
		}
	}

	if len(toRemove) > 0 {
		m.mu.Lock()
		for _, id := range toRemove {
			delete(m.orders, id)
		}
		m.mu.Unlock()
	}

	for _, po := range toExecute {
		go m.execute(ctx, po)
	}
}

// execute turns a triggered pending order into a live position: market
// order, ledger record, candle-close stop watch and the exchange-resting
// absolute stop. An order placement failure drops the pending order with no
// side effects.
func (m *Monitor) execute(ctx context.Context, po *domain.PendingOrder) {
	op := "execute"

	if err := m.gateway.SetLeverage(ctx, po.Symbol, po.Leverage); err != nil {
		// Non-fatal: the exchange keeps its current leverage.
		m.logger.Warn(ctx, op+": failed to set leverage", map[string]interface{}{
			"symbol": po.Symbol, "leverage": po.Leverage, "error": err.Error(),
		})
	}

	// Margin the position needs at the requested leverage.
	required := po.AmountUSD / float64(po.Leverage)
	if balance, err := m.gateway.GetAccountBalance(ctx, marginAsset); err != nil {
		// The exchange remains the authority; the order is still attempted.
		m.logger.Warn(ctx, op+": failed to fetch account balance", map[string]interface{}{
			"asset": marginAsset, "error": err.Error(),
		})
	} else if balance < required {
		m.logger.Error(ctx, fmt.Errorf("available %v below required margin %v", balance, required),
			op+": insufficient balance", map[string]interface{}{"symbol": po.Symbol})
		m.notifyFailure(ctx, po, "insufficient available balance")
		return
	}

	price, err := m.gateway.GetLastPrice(ctx, po.Symbol)
	if err != nil {
		m.logger.Error(ctx, err, op+": failed to get current price", map[string]interface{}{"symbol": po.Symbol})
		m.notifyFailure(ctx, po, "price fetch failed")
		return
	}

	qty, err := m.gateway.Quantize(ctx, po.Symbol, po.AmountUSD/price)
	if err != nil {
		m.logger.Error(ctx, err, op+": failed to quantize order size", map[string]interface{}{"symbol": po.Symbol})
		m.notifyFailure(ctx, po, "size quantization failed")
		return
	}
	if qty <= 0 {
		m.logger.Error(ctx, fmt.Errorf("quantized size is zero"), op+": notional too small", map[string]interface{}{
			"symbol": po.Symbol, "amountUSD": po.AmountUSD, "price": price,
		})
		m.notifyFailure(ctx, po, "notional below minimum tradable size")
		return
	}

	fill, err := m.gateway.PlaceMarketOrder(ctx, po.Symbol, po.Side.IsLong(), qty)
	if err != nil {
		m.logger.Error(ctx, err, op+": market order failed", map[string]interface{}{"symbol": po.Symbol, "qty": qty})
		m.notifyFailure(ctx, po, "market order failed")
		return
	}

	entryPrice := fill.AvgPrice
	if entryPrice == 0 {
		entryPrice = price
	}

	trade, err := m.ledger.AddTrade(ctx, ledger.NewTrade{
		Currency:          po.Symbol,
		Timeframe:         po.Timeframe,
		QtyUSD:            po.AmountUSD,
		QtyAsset:          fill.AssetAmount,
		EntryPrice:        entryPrice,
		Side:              po.Side,
		StopLossPrice:     po.AbsStopPrice,
		ExchangeOrderID:   fill.OrderID,
		Leverage:          po.Leverage,
		CandleSLTimeframe: po.Timeframe,
	})
	if err != nil {
		m.logger.Error(ctx, err, op+": failed to record trade", map[string]interface{}{"symbol": po.Symbol, "orderID": fill.OrderID})
		m.notifyFailure(ctx, po, "ledger record failed")
		return
	}

	// Dual stop protection: candle-close watch plus an exchange-resting
	// stop. Whichever fires first wins and deactivates the other.
	if _, err := m.stops.Watch(fill.OrderID, po.Symbol, po.AbsStopPrice, po.Timeframe, po.Side, fill.AssetAmount); err != nil {
		m.logger.Error(ctx, err, op+": failed to register candle-close stop watch", map[string]interface{}{"orderID": fill.OrderID})
	}
	resting, err := m.gateway.PlaceStopMarketOrder(ctx, po.Symbol, !po.Side.IsLong(), fill.AssetAmount, po.AbsStopPrice)
	if err != nil {
		m.logger.Warn(ctx, op+": failed to place resting stop order", map[string]interface{}{
			"symbol": po.Symbol, "stopPrice": po.AbsStopPrice, "error": err.Error(),
		})
	} else if err := m.ledger.SetAbsoluteStopOrderID(ctx, trade.ID, resting.OrderID); err != nil {
		m.logger.Error(ctx, err, op+": failed to store resting stop order id", map[string]interface{}{"tradeID": trade.ID})
	}

	m.logger.Info(ctx, op+": pending order executed", map[string]interface{}{
		"pendingID": po.ID, "tradeID": trade.ID, "orderID": fill.OrderID,
		"qty": fill.AssetAmount, "avgPrice": fill.AvgPrice,
	})
	if m.notifier != nil {
		m.notifier.Notify(ctx, fmt.Sprintf("Entered %s %s %s: %v @ %v (notional %v USD, order %s)",
			po.Side, po.Symbol, po.Timeframe, fill.AssetAmount, entryPrice, po.AmountUSD, fill.OrderID))
	}
}

func (m *Monitor) notifyFailure(ctx context.Context, po *domain.PendingOrder, reason string) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, fmt.Sprintf("Dropped pending %s setup for %s %s: %s", po.Side, po.Symbol, po.Timeframe, reason))
	}
}
