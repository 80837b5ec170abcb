package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypertrader/internal/domain"
	"hypertrader/internal/ledger"
	"hypertrader/internal/ports"
)

// Mock implementations
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockGateway struct {
	mu sync.Mutex

	candle    *domain.Candle
	candleErr error

	lastPrice    float64
	lastPriceErr error

	fill      *ports.Fill
	marketErr error

	resting    *ports.RestingOrder
	restingErr error

	balance    float64
	balanceErr error

	leverageCalls []int
	marketCalls   int
	stopCalls     int
}

func (m *mockGateway) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrice, m.lastPriceErr
}

func (m *mockGateway) GetReferenceCandle(ctx context.Context, symbol, timeframe string) (*domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candle, m.candleErr
}

func (m *mockGateway) PlaceMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity float64) (*ports.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketCalls++
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	if m.fill != nil {
		return m.fill, nil
	}
	return &ports.Fill{AssetAmount: quantity, OrderID: "fill-1", AvgPrice: m.lastPrice}, nil
}

func (m *mockGateway) PlaceStopMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity, stopPrice float64) (*ports.RestingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	if m.restingErr != nil {
		return nil, m.restingErr
	}
	if m.resting != nil {
		return m.resting, nil
	}
	return &ports.RestingOrder{OrderID: "rest-1", Symbol: symbol, TriggerPrice: stopPrice}, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (m *mockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverageCalls = append(m.leverageCalls, leverage)
	return nil
}

func (m *mockGateway) Quantize(ctx context.Context, symbol string, rawAmount float64) (float64, error) {
	return rawAmount, nil
}

func (m *mockGateway) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return 0, m.balanceErr
	}
	if m.balance == 0 {
		return 1000, nil
	}
	return m.balance, nil
}

type mockTradeLedger struct {
	mu          sync.Mutex
	activeCount int
	added       []ledger.NewTrade
	addErr      error
	stopOrderID string
}

func (m *mockTradeLedger) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

func (m *mockTradeLedger) AddTrade(ctx context.Context, nt ledger.NewTrade) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return nil, m.addErr
	}
	m.added = append(m.added, nt)
	return &domain.Trade{ID: fmt.Sprintf("trade-%d", len(m.added)), ExchangeOrderID: nt.ExchangeOrderID}, nil
}

func (m *mockTradeLedger) SetAbsoluteStopOrderID(ctx context.Context, tradeID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopOrderID = orderID
	return nil
}

type mockStops struct {
	mu      sync.Mutex
	watches []string
	err     error
}

func (m *mockStops) Watch(orderID, asset string, stopPrice float64, timeframe string, side domain.Side, size float64) (*domain.StopWatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.watches = append(m.watches, orderID)
	return &domain.StopWatch{OrderID: orderID}, nil
}

func referenceCandle() *domain.Candle {
	return &domain.Candle{
		OpenTime: time.Unix(3600, 0),
		Symbol:   "BTC",
		Interval: "1h",
		Open:     100,
		High:     110,
		Low:      90,
		Close:    100,
	}
}

func entrySignal(action domain.SignalAction) *domain.Signal {
	return &domain.Signal{Action: action, Symbol: "BTC", Timeframe: "1h", AmountUSD: 1000, Leverage: 2}
}

func newTestMonitor(t *testing.T, gw *mockGateway, lg *mockTradeLedger, stops *mockStops) *Monitor {
	t.Helper()
	m, err := New(Config{Gateway: gw, Ledger: lg, Stops: stops, Logger: &mockLogger{}, MaxActiveTrades: 5})
	require.NoError(t, err)
	return m
}

func TestRegisterLongLevels(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle()}
	m := newTestMonitor(t, gw, &mockTradeLedger{}, &mockStops{})

	po, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	// Trigger at the candle midpoint, negation at the low, absolute stop 20%
	// beyond the negation level.
	assert.Equal(t, 100.0, po.TriggerPrice)
	assert.Equal(t, 90.0, po.NegationPrice)
	assert.InDelta(t, 72.0, po.AbsStopPrice, 1e-9)
	assert.Equal(t, domain.Long, po.Side)
	assert.Equal(t, 1, m.PendingCount())
}

func TestRegisterShortLevels(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle()}
	m := newTestMonitor(t, gw, &mockTradeLedger{}, &mockStops{})

	po, err := m.Register(context.Background(), entrySignal(domain.ActionEnterShort))
	require.NoError(t, err)

	assert.Equal(t, 100.0, po.TriggerPrice)
	assert.Equal(t, 110.0, po.NegationPrice)
	assert.InDelta(t, 132.0, po.AbsStopPrice, 1e-9)
	assert.Equal(t, domain.Short, po.Side)
}

func TestRegisterRejectsNonEntryActions(t *testing.T) {
	m := newTestMonitor(t, &mockGateway{candle: referenceCandle()}, &mockTradeLedger{}, &mockStops{})
	_, err := m.Register(context.Background(), &domain.Signal{Action: domain.ActionTP1Long, Symbol: "BTC", Timeframe: "1h", AmountUSD: 10, Leverage: 1})
	assert.ErrorIs(t, err, ports.ErrInvalidSignal)
}

func TestRegisterEnforcesTradeCap(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle()}
	lg := &mockTradeLedger{activeCount: 5}
	m := newTestMonitor(t, gw, lg, &mockStops{})

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	assert.ErrorIs(t, err, ports.ErrTradeLimitReached)
	assert.Equal(t, 0, m.PendingCount())
}

func TestRegisterWithoutReferenceData(t *testing.T) {
	m := newTestMonitor(t, &mockGateway{candle: nil}, &mockTradeLedger{}, &mockStops{})
	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	assert.ErrorIs(t, err, ports.ErrNoReferenceData)

	m = newTestMonitor(t, &mockGateway{candleErr: errors.New("api down")}, &mockTradeLedger{}, &mockStops{})
	_, err = m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	assert.ErrorIs(t, err, ports.ErrNoReferenceData)
}

func TestCancelFor(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle()}
	m := newTestMonitor(t, gw, &mockTradeLedger{}, &mockStops{})

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)
	_, err = m.Register(context.Background(), &domain.Signal{Action: domain.ActionEnterLong, Symbol: "ETH", Timeframe: "1h", AmountUSD: 10, Leverage: 1})
	require.NoError(t, err)

	removed := m.CancelFor("BTC", "1h")
	assert.Len(t, removed, 1)
	assert.Equal(t, 1, m.PendingCount())
	assert.Empty(t, m.CancelFor("BTC", "1h"))
}

func TestScanDropsNegatedLongBeforeEntry(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle()}
	lg := &mockTradeLedger{}
	m := newTestMonitor(t, gw, lg, &mockStops{})

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	// Close at the negation level and last price below the trigger: the same
	// pass satisfies both conditions and negation must win.
	gw.mu.Lock()
	gw.candle = &domain.Candle{OpenTime: time.Unix(7200, 0), High: 95, Low: 85, Close: 90}
	gw.lastPrice = 95
	gw.mu.Unlock()

	m.scan(context.Background())

	assert.Equal(t, 0, m.PendingCount())
	assert.Equal(t, 0, gw.marketCalls)
	assert.Empty(t, lg.added)
}

func TestScanDropsNegatedShort(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle()}
	m := newTestMonitor(t, gw, &mockTradeLedger{}, &mockStops{})

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterShort))
	require.NoError(t, err)

	gw.mu.Lock()
	gw.candle = &domain.Candle{OpenTime: time.Unix(7200, 0), High: 115, Low: 105, Close: 112}
	gw.mu.Unlock()

	m.scan(context.Background())
	assert.Equal(t, 0, m.PendingCount())
}

func TestScanExecutesTriggeredLong(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle(), lastPrice: 99}
	lg := &mockTradeLedger{}
	stops := &mockStops{}
	m := newTestMonitor(t, gw, lg, stops)

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	// Candle close stays above negation, last price touches the trigger.
	gw.mu.Lock()
	gw.candle = &domain.Candle{OpenTime: time.Unix(7200, 0), High: 104, Low: 96, Close: 101}
	gw.fill = &ports.Fill{AssetAmount: 10.1, OrderID: "ord-42", AvgPrice: 99}
	gw.mu.Unlock()

	m.scan(context.Background())
	assert.Equal(t, 0, m.PendingCount())

	require.Eventually(t, func() bool {
		lg.mu.Lock()
		defer lg.mu.Unlock()
		return len(lg.added) == 1
	}, time.Second, 5*time.Millisecond)

	lg.mu.Lock()
	nt := lg.added[0]
	lg.mu.Unlock()
	assert.Equal(t, "BTC", nt.Currency)
	assert.Equal(t, "1h", nt.Timeframe)
	assert.Equal(t, 10.1, nt.QtyAsset)
	assert.Equal(t, 99.0, nt.EntryPrice)
	assert.Equal(t, domain.Long, nt.Side)
	assert.InDelta(t, 72.0, nt.StopLossPrice, 1e-9)
	assert.Equal(t, "ord-42", nt.ExchangeOrderID)
	assert.Equal(t, 2, nt.Leverage)

	require.Eventually(t, func() bool {
		stops.mu.Lock()
		defer stops.mu.Unlock()
		return len(stops.watches) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		lg.mu.Lock()
		defer lg.mu.Unlock()
		return lg.stopOrderID == "rest-1"
	}, time.Second, 5*time.Millisecond)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, []int{2}, gw.leverageCalls)
	assert.Equal(t, 1, gw.marketCalls)
	assert.Equal(t, 1, gw.stopCalls)
}

func TestScanShortTriggersAtOrAboveTrigger(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle(), lastPrice: 101}
	lg := &mockTradeLedger{}
	m := newTestMonitor(t, gw, lg, &mockStops{})

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterShort))
	require.NoError(t, err)

	gw.mu.Lock()
	gw.candle = &domain.Candle{OpenTime: time.Unix(7200, 0), High: 105, Low: 97, Close: 102}
	gw.mu.Unlock()

	m.scan(context.Background())
	assert.Equal(t, 0, m.PendingCount())

	require.Eventually(t, func() bool {
		lg.mu.Lock()
		defer lg.mu.Unlock()
		return len(lg.added) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScanKeepsWaitingWhileNeitherConditionMet(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle(), lastPrice: 103}
	m := newTestMonitor(t, gw, &mockTradeLedger{}, &mockStops{})

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	gw.mu.Lock()
	gw.candle = &domain.Candle{OpenTime: time.Unix(7200, 0), High: 106, Low: 98, Close: 102}
	gw.mu.Unlock()

	m.scan(context.Background())
	assert.Equal(t, 1, m.PendingCount())
	assert.Equal(t, 0, gw.marketCalls)
}

func TestScanKeepsOrderOnCandleFetchError(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle()}
	m := newTestMonitor(t, gw, &mockTradeLedger{}, &mockStops{})

	_, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	gw.mu.Lock()
	gw.candle = nil
	gw.candleErr = errors.New("network")
	gw.mu.Unlock()

	m.scan(context.Background())
	assert.Equal(t, 1, m.PendingCount())
}

func TestExecuteDropsOrderOnMarketFailure(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle(), lastPrice: 99, marketErr: errors.New("rejected")}
	lg := &mockTradeLedger{}
	stops := &mockStops{}
	m := newTestMonitor(t, gw, lg, stops)

	po, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	m.execute(context.Background(), po)

	assert.Empty(t, lg.added)
	assert.Empty(t, stops.watches)
	assert.Equal(t, 0, gw.stopCalls)
}

func TestExecuteDropsOrderOnInsufficientBalance(t *testing.T) {
	// The signal asks for 1000 USD at 2x, so 500 USD of margin is required.
	gw := &mockGateway{candle: referenceCandle(), lastPrice: 99, balance: 499}
	lg := &mockTradeLedger{}
	stops := &mockStops{}
	m := newTestMonitor(t, gw, lg, stops)

	po, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	m.execute(context.Background(), po)

	assert.Equal(t, 0, gw.marketCalls)
	assert.Empty(t, lg.added)
	assert.Empty(t, stops.watches)
}

func TestExecuteProceedsWhenBalanceFetchFails(t *testing.T) {
	// The exchange stays the authority on margin; a failed balance read must
	// not block the entry.
	gw := &mockGateway{candle: referenceCandle(), lastPrice: 99, balanceErr: errors.New("api down")}
	lg := &mockTradeLedger{}
	m := newTestMonitor(t, gw, lg, &mockStops{})

	po, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	m.execute(context.Background(), po)

	assert.Len(t, lg.added, 1)
}

func TestExecuteKeepsTradeWhenRestingStopFails(t *testing.T) {
	gw := &mockGateway{candle: referenceCandle(), lastPrice: 99, restingErr: errors.New("rejected")}
	lg := &mockTradeLedger{}
	stops := &mockStops{}
	m := newTestMonitor(t, gw, lg, stops)

	po, err := m.Register(context.Background(), entrySignal(domain.ActionEnterLong))
	require.NoError(t, err)

	m.execute(context.Background(), po)

	// The candle-close leg still guards the position.
	assert.Len(t, lg.added, 1)
	assert.Len(t, stops.watches, 1)
	assert.Empty(t, lg.stopOrderID)
}
