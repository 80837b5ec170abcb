package candlestop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypertrader/internal/domain"
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
	candle       *domain.Candle
	candleErr    error
	marketFills  []*ports.Fill
	marketErr    error
	marketCalls  int
	cancelCalls  []string
	cancelErr    error
	lastIsBuy    bool
	lastQuantity float64
}

func (m *mockGateway) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("not used")
}

func (m *mockGateway) GetReferenceCandle(ctx context.Context, symbol, timeframe string) (*domain.Candle, error) {
	return m.candle, m.candleErr
}

func (m *mockGateway) PlaceMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity float64) (*ports.Fill, error) {
	m.marketCalls++
	m.lastIsBuy = isBuy
	m.lastQuantity = quantity
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	if len(m.marketFills) > 0 {
		fill := m.marketFills[0]
		m.marketFills = m.marketFills[1:]
		return fill, nil
	}
	return &ports.Fill{AssetAmount: quantity, OrderID: "fill-1", AvgPrice: 100}, nil
}

func (m *mockGateway) PlaceStopMarketOrder(ctx context.Context, symbol string, isBuy bool, quantity, stopPrice float64) (*ports.RestingOrder, error) {
	return nil, errors.New("not used")
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.cancelCalls = append(m.cancelCalls, orderID)
	return m.cancelErr
}

func (m *mockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockGateway) Quantize(ctx context.Context, symbol string, rawAmount float64) (float64, error) {
	return rawAmount, nil
}

func (m *mockGateway) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	return 1000, nil
}

type mockLedger struct {
	trade     *domain.Trade
	tradeErr  error
	stops     []recordedStop
	recordErr error
}

type recordedStop struct {
	tradeID string
	source  domain.StopTrigger
	price   float64
}

func (m *mockLedger) GetByOrderID(orderID string) (*domain.Trade, error) {
	return m.trade, m.tradeErr
}

func (m *mockLedger) RecordStop(ctx context.Context, tradeID string, source domain.StopTrigger, price float64) error {
	m.stops = append(m.stops, recordedStop{tradeID: tradeID, source: source, price: price})
	return m.recordErr
}

func candleAt(openTime time.Time, close float64) *domain.Candle {
	return &domain.Candle{OpenTime: openTime, Symbol: "BTC", Interval: "1h", Open: close, High: close + 10, Low: close - 10, Close: close}
}

func newTestMonitor(t *testing.T, gw *mockGateway, lg *mockLedger) *Monitor {
	t.Helper()
	m, err := New(Config{Gateway: gw, Ledger: lg, Logger: &mockLogger{}})
	require.NoError(t, err)
	return m
}

func TestWatchValidation(t *testing.T) {
	m := newTestMonitor(t, &mockGateway{}, &mockLedger{})

	_, err := m.Watch("", "BTC", 100, "1h", domain.Long, 1)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	_, err = m.Watch("o1", "BTC", 0, "1h", domain.Long, 1)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	w, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 1)
	require.NoError(t, err)
	assert.Equal(t, "o1", w.OrderID)
	assert.Equal(t, 1, m.WatchCount())
}

func TestWatchReplaceAndUnwatch(t *testing.T) {
	m := newTestMonitor(t, &mockGateway{}, &mockLedger{})

	_, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 1)
	require.NoError(t, err)
	_, err = m.Watch("o1", "BTC", 90, "1h", domain.Long, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.WatchCount())

	m.Unwatch("o1")
	assert.Equal(t, 0, m.WatchCount())
	m.Unwatch("unknown") // no-op
}

func TestStopNotTriggeredWhileCloseAboveStop(t *testing.T) {
	gw := &mockGateway{candle: candleAt(time.Unix(3600, 0), 105)}
	lg := &mockLedger{}
	m := newTestMonitor(t, gw, lg)

	_, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 0.5)
	require.NoError(t, err)

	m.checkStops(context.Background())
	assert.Equal(t, 0, gw.marketCalls)
	assert.Empty(t, lg.stops)
	assert.Equal(t, 1, m.WatchCount())
}

func TestLongStopTriggersOnCloseAtOrBelowStop(t *testing.T) {
	stopID := "stop-9"
	gw := &mockGateway{candle: candleAt(time.Unix(3600, 0), 100)}
	lg := &mockLedger{trade: &domain.Trade{ID: "trade-1", ExchangeOrderID: "o1", AbsoluteSLOrderID: &stopID}}
	m := newTestMonitor(t, gw, lg)

	_, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 0.5)
	require.NoError(t, err)

	m.checkStops(context.Background())

	assert.Equal(t, 1, gw.marketCalls)
	assert.True(t, gw.lastIsBuy == false) // Long position is flattened with a sell
	assert.Equal(t, 0.5, gw.lastQuantity)
	require.Len(t, lg.stops, 1)
	assert.Equal(t, "trade-1", lg.stops[0].tradeID)
	assert.Equal(t, domain.StopTriggerCandleClose, lg.stops[0].source)
	assert.Equal(t, 100.0, lg.stops[0].price)
	assert.Equal(t, []string{"stop-9"}, gw.cancelCalls)
	assert.Equal(t, 0, m.WatchCount())
}

func TestShortStopTriggersOnCloseAtOrAboveStop(t *testing.T) {
	gw := &mockGateway{candle: candleAt(time.Unix(3600, 0), 210)}
	lg := &mockLedger{trade: &domain.Trade{ID: "trade-2", ExchangeOrderID: "o2"}}
	m := newTestMonitor(t, gw, lg)

	_, err := m.Watch("o2", "ETH", 200, "4h", domain.Short, 2)
	require.NoError(t, err)

	m.checkStops(context.Background())

	assert.Equal(t, 1, gw.marketCalls)
	assert.True(t, gw.lastIsBuy) // Short position is flattened with a buy
	require.Len(t, lg.stops, 1)
	assert.Equal(t, domain.StopTriggerCandleClose, lg.stops[0].source)
	assert.Equal(t, 0, m.WatchCount())
}

func TestSameCandleIsEvaluatedOnlyOnce(t *testing.T) {
	gw := &mockGateway{candle: candleAt(time.Unix(3600, 0), 105)}
	lg := &mockLedger{trade: &domain.Trade{ID: "trade-1", ExchangeOrderID: "o1"}}
	m := newTestMonitor(t, gw, lg)

	_, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 0.5)
	require.NoError(t, err)

	// Same candle seen across many polls: no stop, no duplicate evaluation.
	m.checkStops(context.Background())
	m.checkStops(context.Background())
	m.checkStops(context.Background())
	assert.Equal(t, 0, gw.marketCalls)

	// The candle dips below the stop without a new open time. Dedup holds the
	// fire until a distinct candle confirms.
	gw.candle = candleAt(time.Unix(3600, 0), 95)
	m.checkStops(context.Background())
	assert.Equal(t, 0, gw.marketCalls)

	gw.candle = candleAt(time.Unix(7200, 0), 95)
	m.checkStops(context.Background())
	assert.Equal(t, 1, gw.marketCalls)
	require.Len(t, lg.stops, 1)
}

func TestFailedStopOrderRetriesOnNextCandle(t *testing.T) {
	gw := &mockGateway{candle: candleAt(time.Unix(3600, 0), 95), marketErr: fmt.Errorf("exchange down")}
	lg := &mockLedger{trade: &domain.Trade{ID: "trade-1", ExchangeOrderID: "o1"}}
	m := newTestMonitor(t, gw, lg)

	_, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 0.5)
	require.NoError(t, err)

	m.checkStops(context.Background())
	assert.Equal(t, 1, gw.marketCalls)
	assert.Empty(t, lg.stops)
	assert.Equal(t, 1, m.WatchCount(), "watch must survive a failed close order")

	// Same candle again: already evaluated, no duplicate attempt.
	m.checkStops(context.Background())
	assert.Equal(t, 1, gw.marketCalls)

	// Next candle, exchange recovered.
	gw.candle = candleAt(time.Unix(7200, 0), 95)
	gw.marketErr = nil
	m.checkStops(context.Background())
	assert.Equal(t, 2, gw.marketCalls)
	require.Len(t, lg.stops, 1)
	assert.Equal(t, 0, m.WatchCount())
}

func TestCandleFetchErrorKeepsWatch(t *testing.T) {
	gw := &mockGateway{candleErr: fmt.Errorf("network")}
	lg := &mockLedger{}
	m := newTestMonitor(t, gw, lg)

	_, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 0.5)
	require.NoError(t, err)

	m.checkStops(context.Background())
	assert.Equal(t, 1, m.WatchCount())

	// Recovery: the first candle seen afterwards is evaluated normally.
	gw.candleErr = nil
	gw.candle = candleAt(time.Unix(3600, 0), 95)
	lg.trade = &domain.Trade{ID: "trade-1", ExchangeOrderID: "o1"}
	m.checkStops(context.Background())
	assert.Equal(t, 0, m.WatchCount())
}

func TestRestingStopCancelFailureStillRecordsStop(t *testing.T) {
	stopID := "stop-9"
	gw := &mockGateway{candle: candleAt(time.Unix(3600, 0), 95), cancelErr: fmt.Errorf("already gone")}
	lg := &mockLedger{trade: &domain.Trade{ID: "trade-1", ExchangeOrderID: "o1", AbsoluteSLOrderID: &stopID}}
	m := newTestMonitor(t, gw, lg)

	_, err := m.Watch("o1", "BTC", 100, "1h", domain.Long, 0.5)
	require.NoError(t, err)

	m.checkStops(context.Background())
	require.Len(t, lg.stops, 1)
	assert.Equal(t, 0, m.WatchCount())
}

func TestLoopStopsWhenRegistryEmpties(t *testing.T) {
	gw := &mockGateway{candle: candleAt(time.Unix(3600, 0), 95)}
	lg := &mockLedger{trade: &domain.Trade{ID: "trade-1", ExchangeOrderID: "o1"}}
	m, err := New(Config{Interval: 10 * time.Millisecond, Gateway: gw, Ledger: lg, Logger: &mockLogger{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	_, err = m.Watch("o1", "BTC", 100, "1h", domain.Long, 0.5)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.WatchCount() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.running
	}, time.Second, 5*time.Millisecond)
}
