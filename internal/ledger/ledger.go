package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hypertrader/internal/domain"
	"hypertrader/internal/ports"
)

// Ledger is the durable record of every trade. It owns all Trade records;
// other components hold only trade ids or exchange order ids. Every mutating
// operation writes the full trade set through the backing store before
// returning; a persistence failure is logged and in-memory state remains
// authoritative for the running process.
type Ledger struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade
	store  ports.TradeStore
	logger ports.Logger
	now    func() time.Time
}

// Config holds dependencies for the ledger.
type Config struct {
	Store  ports.TradeStore
	Logger ports.Logger
	Now    func() time.Time // Defaults to time.Now; injectable for tests
}

// New creates a ledger and loads the persisted trade set.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for ledger")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	trades, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trade set: %w", err)
	}
	l := &Ledger{
		trades: trades,
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    now,
	}
	cfg.Logger.Info(ctx, "Ledger loaded", map[string]interface{}{"trades": len(trades)})
	return l, nil
}

// NewTrade carries the entry details for a freshly executed position.
type NewTrade struct {
	Currency          string
	Timeframe         string
	QtyUSD            float64
	QtyAsset          float64
	EntryPrice        float64
	Side              domain.Side
	StopLossPrice     float64
	ExchangeOrderID   string
	Leverage          int
	CandleSLTimeframe string // Defaults to Timeframe
}

// AddTrade creates a new active trade record and persists it.
// Both stop-loss mechanisms are armed at the same initial level.
func (l *Ledger) AddTrade(ctx context.Context, nt NewTrade) (*domain.Trade, error) {
	if nt.Currency == "" || nt.Timeframe == "" {
		return nil, fmt.Errorf("%w: currency and timeframe are required", ports.ErrInvalidRequest)
	}
	if nt.QtyAsset <= 0 || nt.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: quantity and entry price must be positive", ports.ErrInvalidRequest)
	}

	ts := l.now().UTC()
	candleTF := nt.CandleSLTimeframe
	if candleTF == "" {
		candleTF = nt.Timeframe
	}
	t := &domain.Trade{
		ID:                  uuid.NewString(),
		Currency:            strings.ToUpper(nt.Currency),
		Timeframe:           nt.Timeframe,
		QtyUSD:              nt.QtyUSD,
		QtyAsset:            nt.QtyAsset,
		OriginalQtyAsset:    nt.QtyAsset,
		CurrentQtyAsset:     nt.QtyAsset,
		EntryPrice:          nt.EntryPrice,
		TradeType:           "futures",
		Side:                nt.Side,
		Leverage:            nt.Leverage,
		StopLossPrice:       nt.StopLossPrice,
		Status:              domain.StatusActive,
		ExchangeOrderID:     nt.ExchangeOrderID,
		AbsoluteSLPrice:     nt.StopLossPrice,
		AbsoluteSLActive:    true,
		CandleCloseSLPrice:  nt.StopLossPrice,
		CandleCloseSLActive: true,
		CandleSLTimeframe:   candleTF,
		CreatedAt:           ts,
		UpdatedAt:           ts,
		ExecutionDetails:    []domain.ExecutionDetail{},
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades[t.ID] = t
	l.persist(ctx)

	cp := *t
	return &cp, nil
}

// RecordTP1 closes qty at price as the first take-profit stage. If the
// quantity equals the whole remaining position (the caller's min-notional
// policy may demand that), the trade moves straight to fully_closed and
// skips the TP2 stage; otherwise it becomes tp1_achieved.
func (l *Ledger) RecordTP1(ctx context.Context, tradeID string, price, qty float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.openTrade(tradeID)
	if err != nil {
		return err
	}
	if qty <= 0 || qty > t.CurrentQtyAsset {
		return fmt.Errorf("%w: qty %v, remaining %v", ports.ErrInsufficientQty, qty, t.CurrentQtyAsset)
	}

	target := domain.StatusTP1Achieved
	if qty == t.CurrentQtyAsset {
		target = domain.StatusFullyClosed
	}
	if !domain.CanTransition(t.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ports.ErrInvalidTransition, t.Status, target)
	}

	ts := l.now().UTC()
	t.CurrentQtyAsset -= qty
	t.TP1Achieved = true
	t.TP1Price = &price
	t.TakeProfit1 = &price
	t.TP1QtyClosed = qty
	t.TP1Timestamp = &ts
	t.Status = target
	t.UpdatedAt = ts
	l.appendDetail(t, "tp1", price, qty, ts)
	l.realizePnL(t, price, qty)
	l.markUnrealized(t, price)
	if target == domain.StatusFullyClosed {
		t.ExitPrice = &price
		t.ClosedAt = &ts
		t.AbsoluteSLActive = false
		t.CandleCloseSLActive = false
	}

	l.persist(ctx)
	return nil
}

// RecordTP2 closes all remaining quantity at price and finishes the trade.
func (l *Ledger) RecordTP2(ctx context.Context, tradeID string, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.openTrade(tradeID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(t.Status, domain.StatusFullyClosed) {
		return fmt.Errorf("%w: %s -> %s", ports.ErrInvalidTransition, t.Status, domain.StatusFullyClosed)
	}

	ts := l.now().UTC()
	remaining := t.CurrentQtyAsset
	t.TP2Achieved = true
	t.TP2Price = &price
	t.TakeProfit2 = &price
	t.TP2QtyClosed = remaining
	t.TP2Timestamp = &ts
	t.CurrentQtyAsset = 0
	t.Status = domain.StatusFullyClosed
	t.ExitPrice = &price
	t.ClosedAt = &ts
	t.UpdatedAt = ts
	t.AbsoluteSLActive = false
	t.CandleCloseSLActive = false
	l.appendDetail(t, "tp2", price, remaining, ts)
	l.realizePnL(t, price, remaining)
	l.markUnrealized(t, price)

	l.persist(ctx)
	return nil
}

// RecordStop closes all remaining quantity after a stop-loss fired, records
// which mechanism triggered it and disarms both stop legs.
func (l *Ledger) RecordStop(ctx context.Context, tradeID string, source domain.StopTrigger, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.openTrade(tradeID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(t.Status, domain.StatusStoppedOut) {
		return fmt.Errorf("%w: %s -> %s", ports.ErrInvalidTransition, t.Status, domain.StatusStoppedOut)
	}

	ts := l.now().UTC()
	remaining := t.CurrentQtyAsset
	t.CurrentQtyAsset = 0
	t.Status = domain.StatusStoppedOut
	t.SLTriggeredBy = &source
	t.SLTriggerPrice = &price
	t.AbsoluteSLActive = false
	t.CandleCloseSLActive = false
	t.ExitPrice = &price
	t.ClosedAt = &ts
	t.UpdatedAt = ts
	l.appendDetail(t, "full_close_stopped_out", price, remaining, ts)
	l.realizePnL(t, price, remaining)
	l.markUnrealized(t, price)

	l.persist(ctx)
	return nil
}

// RecordNegation terminates the trade after a negation signal. No fill
// price is required; the remaining quantity is released without a realized
// P&L contribution.
func (l *Ledger) RecordNegation(ctx context.Context, tradeID string) error {
	return l.closeWithoutFill(ctx, tradeID, domain.StatusNegated, "full_close_negated")
}

// RecordCancel terminates a trade that never should have been live.
func (l *Ledger) RecordCancel(ctx context.Context, tradeID string) error {
	return l.closeWithoutFill(ctx, tradeID, domain.StatusCancelled, "full_close_cancelled")
}

// RecordManualClose closes all remaining quantity at price on user request.
func (l *Ledger) RecordManualClose(ctx context.Context, tradeID string, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.openTrade(tradeID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(t.Status, domain.StatusManualClose) {
		return fmt.Errorf("%w: %s -> %s", ports.ErrInvalidTransition, t.Status, domain.StatusManualClose)
	}

	ts := l.now().UTC()
	remaining := t.CurrentQtyAsset
	t.CurrentQtyAsset = 0
	t.Status = domain.StatusManualClose
	t.ExitPrice = &price
	t.ClosedAt = &ts
	t.UpdatedAt = ts
	t.AbsoluteSLActive = false
	t.CandleCloseSLActive = false
	l.appendDetail(t, "full_close_manual", price, remaining, ts)
	l.realizePnL(t, price, remaining)
	l.markUnrealized(t, price)

	l.persist(ctx)
	return nil
}

func (l *Ledger) closeWithoutFill(ctx context.Context, tradeID string, target domain.TradeStatus, detailType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.openTrade(tradeID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(t.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ports.ErrInvalidTransition, t.Status, target)
	}

	ts := l.now().UTC()
	remaining := t.CurrentQtyAsset
	t.CurrentQtyAsset = 0
	t.Status = target
	t.ClosedAt = &ts
	t.UpdatedAt = ts
	t.AbsoluteSLActive = false
	t.CandleCloseSLActive = false
	t.UnrealizedPnLUSD = 0
	l.appendDetail(t, detailType, 0, remaining, ts)

	l.persist(ctx)
	return nil
}

// SetAbsoluteStopOrderID stores the exchange order id of the resting stop.
func (l *Ledger) SetAbsoluteStopOrderID(ctx context.Context, tradeID, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[tradeID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrTradeNotFound, tradeID)
	}
	t.AbsoluteSLOrderID = &orderID
	t.UpdatedAt = l.now().UTC()
	l.persist(ctx)
	return nil
}

// DeactivateStops disarms both stop-loss legs, used when the position is
// closed by any path other than a stop.
func (l *Ledger) DeactivateStops(ctx context.Context, tradeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[tradeID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrTradeNotFound, tradeID)
	}
	t.AbsoluteSLActive = false
	t.CandleCloseSLActive = false
	t.UpdatedAt = l.now().UTC()
	l.persist(ctx)
	return nil
}

// CurrentPnL reports realized plus unrealized P&L at markPrice. Realized is
// the running accumulator and is never recomputed from scratch, preserving
// consistency with the execution-detail log.
func (l *Ledger) CurrentPnL(tradeID string, markPrice float64) (*domain.PnLBreakdown, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrTradeNotFound, tradeID)
	}

	unrealized := 0.0
	if t.CurrentQtyAsset > 0 && markPrice > 0 {
		remainingValue := t.CurrentQtyAsset * t.EntryPrice
		var pct float64
		if t.Side.IsLong() {
			pct = (markPrice - t.EntryPrice) / t.EntryPrice
		} else {
			pct = (t.EntryPrice - markPrice) / t.EntryPrice
		}
		unrealized = remainingValue * pct
	}

	total := t.RealizedPnLUSD + unrealized
	totalPct := 0.0
	if t.QtyUSD > 0 {
		totalPct = total / t.QtyUSD * 100
	}
	return &domain.PnLBreakdown{
		RealizedUSD:   t.RealizedPnLUSD,
		UnrealizedUSD: unrealized,
		TotalUSD:      total,
		TotalPct:      totalPct,
		MarkPrice:     markPrice,
		EntryPrice:    t.EntryPrice,
		RemainingQty:  t.CurrentQtyAsset,
	}, nil
}

// FinalPnL reports the settled P&L of a finished trade from the realized
// accumulator. It errors while the trade still has a live status.
func (l *Ledger) FinalPnL(tradeID string) (*domain.PnLBreakdown, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrTradeNotFound, tradeID)
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: trade %s is still %s", ports.ErrInvalidRequest, tradeID, t.Status)
	}

	totalPct := 0.0
	if t.QtyUSD > 0 {
		totalPct = t.RealizedPnLUSD / t.QtyUSD * 100
	}
	markPrice := 0.0
	if t.ExitPrice != nil {
		markPrice = *t.ExitPrice
	}
	return &domain.PnLBreakdown{
		RealizedUSD: t.RealizedPnLUSD,
		TotalUSD:    t.RealizedPnLUSD,
		TotalPct:    totalPct,
		MarkPrice:   markPrice,
		EntryPrice:  t.EntryPrice,
	}, nil
}

// Get returns a copy of the trade, or ErrTradeNotFound.
func (l *Ledger) Get(tradeID string) (*domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrTradeNotFound, tradeID)
	}
	cp := *t
	return &cp, nil
}

// GetByOrderID returns a copy of the trade keyed by exchange order id.
func (l *Ledger) GetByOrderID(orderID string) (*domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.trades {
		if t.ExchangeOrderID == orderID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: order id %s", ports.ErrTradeNotFound, orderID)
}

// TradesBySymbolTimeframe returns copies of all trades for a symbol and
// timeframe combination.
func (l *Ledger) TradesBySymbolTimeframe(symbol, timeframe string) []*domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	var out []*domain.Trade
	for _, t := range l.trades {
		if t.Currency == symbol && t.Timeframe == timeframe {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveTrades returns copies of all trades that still have open exposure.
func (l *Ledger) ActiveTrades() []*domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*domain.Trade
	for _, t := range l.trades {
		if t.IsOpen() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveCount returns the number of open-and-live trades.
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, t := range l.trades {
		if t.IsOpen() {
			n++
		}
	}
	return n
}

// Summary aggregates lifetime statistics over all recorded trades.
type Summary struct {
	TotalTrades      int
	ActiveTrades     int
	ClosedTrades     int
	RealizedPnLUSD   float64
	ProfitableTrades int
	WinRatePct       float64
	TP1HitRatePct    float64
	TP2HitRatePct    float64
	StatusBreakdown  map[domain.TradeStatus]int
}

// Line renders the summary as a single human-readable sentence for
// notifications.
func (s Summary) Line() string {
	return fmt.Sprintf("Trades: %d total, %d active, %d closed | realized P&L %.2f USD | win rate %.1f%% | TP1 %.1f%% / TP2 %.1f%%",
		s.TotalTrades, s.ActiveTrades, s.ClosedTrades, s.RealizedPnLUSD, s.WinRatePct, s.TP1HitRatePct, s.TP2HitRatePct)
}

// Summarize computes summary statistics over the full trade set.
func (l *Ledger) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{StatusBreakdown: map[domain.TradeStatus]int{}}
	tp1Hits, tp2Hits := 0, 0
	for _, t := range l.trades {
		s.TotalTrades++
		if t.IsOpen() {
			s.ActiveTrades++
		}
		s.RealizedPnLUSD += t.RealizedPnLUSD
		if t.RealizedPnLUSD > 0 {
			s.ProfitableTrades++
		}
		if t.TP1Achieved {
			tp1Hits++
		}
		if t.TP2Achieved {
			tp2Hits++
		}
		s.StatusBreakdown[t.Status]++
	}
	s.ClosedTrades = s.TotalTrades - s.ActiveTrades
	if s.TotalTrades > 0 {
		s.WinRatePct = float64(s.ProfitableTrades) / float64(s.TotalTrades) * 100
		s.TP1HitRatePct = float64(tp1Hits) / float64(s.TotalTrades) * 100
		s.TP2HitRatePct = float64(tp2Hits) / float64(s.TotalTrades) * 100
	}
	return s
}

// --- internals; callers hold l.mu ---

// openTrade fetches a trade that is still mutable.
func (l *Ledger) openTrade(tradeID string) (*domain.Trade, error) {
	t, ok := l.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrTradeNotFound, tradeID)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ports.ErrTradeClosed, tradeID, t.Status)
	}
	return t, nil
}

func (l *Ledger) appendDetail(t *domain.Trade, detailType string, price, qty float64, ts time.Time) {
	t.ExecutionDetails = append(t.ExecutionDetails, domain.ExecutionDetail{
		Type:         detailType,
		Price:        price,
		Qty:          qty,
		Timestamp:    ts,
		RemainingQty: t.CurrentQtyAsset,
	})
}

// realizePnL adds the P&L contribution of a closed quantity to the running
// accumulator. The quantity must already have been subtracted from the
// remaining position by the caller.
func (l *Ledger) realizePnL(t *domain.Trade, exitPrice, qty float64) {
	var pnlPerUnit float64
	if t.Side.IsLong() {
		pnlPerUnit = exitPrice - t.EntryPrice
	} else {
		pnlPerUnit = t.EntryPrice - exitPrice
	}
	t.RealizedPnLUSD += (pnlPerUnit / t.EntryPrice) * (qty * t.EntryPrice)
}

// markUnrealized revalues the remaining quantity at the latest fill price.
// A flat position carries zero.
func (l *Ledger) markUnrealized(t *domain.Trade, price float64) {
	if t.CurrentQtyAsset <= 0 || price <= 0 {
		t.UnrealizedPnLUSD = 0
		return
	}
	var pct float64
	if t.Side.IsLong() {
		pct = (price - t.EntryPrice) / t.EntryPrice
	} else {
		pct = (t.EntryPrice - price) / t.EntryPrice
	}
	t.UnrealizedPnLUSD = t.CurrentQtyAsset * t.EntryPrice * pct
}

func (l *Ledger) persist(ctx context.Context) {
	if err := l.store.Save(ctx, l.trades); err != nil {
		// In-memory state stays authoritative; the next successful write
		// recovers consistency.
		l.logger.Error(ctx, err, "Failed to persist trade set")
	}
}
