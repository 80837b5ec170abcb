package candlestop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hypertrader/internal/domain"
	"hypertrader/internal/ports"
	"hypertrader/internal/risk"
)

// tradeLedger is the slice of the position ledger the monitor needs.
type tradeLedger interface {
	GetByOrderID(orderID string) (*domain.Trade, error)
	RecordStop(ctx context.Context, tradeID string, source domain.StopTrigger, price float64) error
}

// Monitor owns the registry of candle-close stop watches. A background loop
// evaluates every watch against the latest completed candle and flattens the
// protected position once a close confirms the stop condition. The loop
// stops itself when the registry empties and restarts when a watch is added.
type Monitor struct {
	interval time.Duration
	gateway  ports.ExecutionGateway
	ledger   tradeLedger
	notifier ports.Notifier
	logger   ports.Logger
	now      func() time.Time

	mu      sync.Mutex
	watches map[string]*domain.StopWatch
	running bool
	baseCtx context.Context
}

// Config holds dependencies for the candle-close stop monitor.
type Config struct {
	Interval time.Duration
	Gateway  ports.ExecutionGateway
	Ledger   tradeLedger
	Notifier ports.Notifier
	Logger   ports.Logger
	Now      func() time.Time
}

// New creates a candle-close stop monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Gateway == nil || cfg.Ledger == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for candle-close stop monitor")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		interval: interval,
		gateway:  cfg.Gateway,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      now,
		watches:  map[string]*domain.StopWatch{},
	}, nil
}

// Start records the base context used for tick loops spawned on demand.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCtx = ctx
	if len(m.watches) > 0 {
		m.ensureLoopLocked()
	}
}

// Watch registers a candle-close stop for the position behind orderID.
// Re-registering the same order id replaces the prior watch.
func (m *Monitor) Watch(orderID, asset string, stopPrice float64, timeframe string, side domain.Side, size float64) (*domain.StopWatch, error) {
	if orderID == "" || asset == "" || timeframe == "" {
		return nil, fmt.Errorf("%w: order id, asset and timeframe are required", ports.ErrInvalidRequest)
	}
	if stopPrice <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: stop price and size must be positive", ports.ErrInvalidRequest)
	}

	w := &domain.StopWatch{
		OrderID:      orderID,
		Asset:        asset,
		StopPrice:    stopPrice,
		Timeframe:    timeframe,
		Side:         side,
		PositionSize: size,
		CreatedAt:    m.now().UTC(),
	}

	m.mu.Lock()
	m.watches[orderID] = w
	m.ensureLoopLocked()
	m.mu.Unlock()

	m.logger.Info(context.Background(), "Candle-close stop watch added", map[string]interface{}{
		"orderID": orderID, "asset": asset, "stopPrice": stopPrice, "timeframe": timeframe,
	})
	if m.notifier != nil {
		m.notifier.Notify(context.Background(), fmt.Sprintf("Candle-close SL armed for %s at %v (timeframe %s, order %s)", asset, stopPrice, timeframe, orderID))
	}
	cp := *w
	return &cp, nil
}

// Unwatch removes a watch, used when the position is closed by any other
// path. Removing an unknown id is a no-op; a trigger already copied out of
// the registry for action in the current tick is not rolled back.
func (m *Monitor) Unwatch(orderID string) {
	m.mu.Lock()
	_, found := m.watches[orderID]
	delete(m.watches, orderID)
	m.mu.Unlock()

	if found {
		m.logger.Info(context.Background(), "Candle-close stop watch removed", map[string]interface{}{"orderID": orderID})
	}
}

// WatchCount returns the number of registered watches.
func (m *Monitor) WatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// ensureLoopLocked starts the tick loop if it is not running. Caller holds m.mu.
func (m *Monitor) ensureLoopLocked() {
	if m.running || m.baseCtx == nil {
		return
	}
	m.running = true
	go m.loop(m.baseCtx)
}

func (m *Monitor) loop(ctx context.Context) {
	m.logger.Info(ctx, "Candle-close stop monitoring started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			m.logger.Info(ctx, "Candle-close stop monitoring stopped")
			return
		case <-ticker.C:
			m.mu.Lock()
			if len(m.watches) == 0 {
				// Nothing left to guard; the next Watch restarts the loop.
				m.running = false
				m.mu.Unlock()
				m.logger.Info(ctx, "Candle-close stop monitoring idle, loop stopped")
				return
			}
			m.mu.Unlock()
			m.checkStops(ctx)
		}
	}
}

// checkStops runs one evaluation pass over all watches. Candle fetches and
// order placement happen outside the registry lock.
func (m *Monitor) checkStops(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*domain.StopWatch, 0, len(m.watches))
	for _, w := range m.watches {
		cp := *w
		snapshot = append(snapshot, &cp)
	}
	m.mu.Unlock()

	for _, w := range snapshot {
		candle, err := m.gateway.GetReferenceCandle(ctx, w.Asset, w.Timeframe)
		if err != nil {
			// Transient: retried on the next tick, watch stays registered.
			m.logger.Warn(ctx, "Failed to fetch candle for stop watch", map[string]interface{}{
				"orderID": w.OrderID, "asset": w.Asset, "timeframe": w.Timeframe, "error": err.Error(),
			})
			continue
		}
		if candle == nil {
			m.logger.Warn(ctx, "No candle data for stop watch", map[string]interface{}{"orderID": w.OrderID, "asset": w.Asset})
			continue
		}

		// Each completed candle is evaluated exactly once per watch.
		if !m.markChecked(w.OrderID, candle.OpenTime) {
			continue
		}

		if !risk.StopHit(w.Side, candle.Close, w.StopPrice) {
			continue
		}

		m.logger.Info(ctx, "Candle-close stop triggered", map[string]interface{}{
			"orderID": w.OrderID, "asset": w.Asset, "close": candle.Close, "stopPrice": w.StopPrice,
		})
		if m.executeStop(ctx, w, candle.Close) {
			m.Unwatch(w.OrderID)
		}
		// On execution failure the watch stays registered; the advanced
		// candle timestamp defers the retry to the next distinct candle so
		// the stop never fires twice on stale same-candle data.
	}
}

// markChecked advances the watch's last-checked-candle timestamp. It returns
// false when the candle was already evaluated or the watch is gone.
func (m *Monitor) markChecked(orderID string, candleTime time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[orderID]
	if !ok {
		return false
	}
	if !w.LastCheckedCandle.IsZero() && !candleTime.After(w.LastCheckedCandle) {
		return false
	}
	w.LastCheckedCandle = candleTime
	return true
}

// executeStop flattens the protected position with an opposite-direction
// market order and records the stop on the ledger. Returns true when the
// position was closed and the watch should be removed.
func (m *Monitor) executeStop(ctx context.Context, w *domain.StopWatch, triggerPrice float64) bool {
	isBuy := !w.Side.IsLong() // Opposite of the position direction flattens it.
	fill, err := m.gateway.PlaceMarketOrder(ctx, w.Asset, isBuy, w.PositionSize)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to place stop-loss market order", map[string]interface{}{
			"orderID": w.OrderID, "asset": w.Asset, "size": w.PositionSize,
		})
		if m.notifier != nil {
			m.notifier.Notify(ctx, fmt.Sprintf("Failed to execute candle-close SL for %s, will retry on next candle", w.Asset))
		}
		return false
	}

	trade, err := m.ledger.GetByOrderID(w.OrderID)
	if err != nil {
		m.logger.Error(ctx, err, "No ledger trade for triggered stop watch", map[string]interface{}{"orderID": w.OrderID})
		return true
	}

	// Cancel the exchange-resting absolute stop so it cannot fire on the
	// already-flattened position. Best-effort; the dual-stop design accepts
	// that either leg may win.
	if trade.AbsoluteSLOrderID != nil {
		if err := m.gateway.CancelOrder(ctx, w.Asset, *trade.AbsoluteSLOrderID); err != nil {
			m.logger.Warn(ctx, "Failed to cancel resting stop order", map[string]interface{}{
				"orderID": *trade.AbsoluteSLOrderID, "asset": w.Asset, "error": err.Error(),
			})
		}
	}

	if err := m.ledger.RecordStop(ctx, trade.ID, domain.StopTriggerCandleClose, triggerPrice); err != nil {
		m.logger.Error(ctx, err, "Failed to record stop on ledger", map[string]interface{}{"tradeID": trade.ID})
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, fmt.Sprintf("Candle-close SL executed for %s: close %v crossed stop %v (filled %v @ %v)",
			w.Asset, triggerPrice, w.StopPrice, fill.AssetAmount, fill.AvgPrice))
	}
	return true
}
