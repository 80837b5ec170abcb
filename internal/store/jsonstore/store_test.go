package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypertrader/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.json")
	s, err := New(Config{Path: path, Logger: &mockLogger{}})
	require.NoError(t, err)
	return s
}

func sampleTrade(id string) *domain.Trade {
	stop := domain.StopTriggerCandleClose
	price := 45000.0
	return &domain.Trade{
		ID:                  id,
		Currency:            "BTC",
		Timeframe:           "1h",
		QtyUSD:              1000,
		QtyAsset:            0.02,
		OriginalQtyAsset:    0.02,
		CurrentQtyAsset:     0,
		EntryPrice:          50000,
		TradeType:           "futures",
		Side:                domain.Long,
		Leverage:            2,
		StopLossPrice:       45000,
		Status:              domain.StatusStoppedOut,
		ExchangeOrderID:     "ord-1",
		AbsoluteSLPrice:     45000,
		CandleCloseSLPrice:  45000,
		CandleSLTimeframe:   "1h",
		SLTriggeredBy:       &stop,
		SLTriggerPrice:      &price,
		RealizedPnLUSD:      -100,
		CreatedAt:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:           time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
		ExecutionDetails:    []domain.ExecutionDetail{{Type: "full_close_stopped_out", Price: 45000, Qty: 0.02}},
		CandleCloseSLActive: false,
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := map[string]*domain.Trade{"t1": sampleTrade("t1")}
	require.NoError(t, s.Save(ctx, in))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, out, "t1")

	got := out["t1"]
	assert.Equal(t, "BTC", got.Currency)
	assert.Equal(t, domain.StatusStoppedOut, got.Status)
	require.NotNil(t, got.SLTriggeredBy)
	assert.Equal(t, domain.StopTriggerCandleClose, *got.SLTriggeredBy)
	require.NotNil(t, got.SLTriggerPrice)
	assert.Equal(t, 45000.0, *got.SLTriggerPrice)
	assert.Equal(t, -100.0, got.RealizedPnLUSD)
	require.Len(t, got.ExecutionDetails, 1)
	assert.Equal(t, "full_close_stopped_out", got.ExecutionDetails[0].Type)
}

func TestLoadMissingFileYieldsEmptySet(t *testing.T) {
	s := newTestStore(t)
	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSaveWritesBackupOfPreviousState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, map[string]*domain.Trade{"t1": sampleTrade("t1")}))
	require.NoError(t, s.Save(ctx, map[string]*domain.Trade{"t2": sampleTrade("t2")}))

	backup, err := os.ReadFile(s.backupPath())
	require.NoError(t, err)
	assert.Contains(t, string(backup), "t1")
	assert.NotContains(t, string(backup), "\"t2\"")
}

func TestLoadFallsBackToBackupOnCorruptPrimary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, map[string]*domain.Trade{"t1": sampleTrade("t1")}))
	require.NoError(t, s.Save(ctx, map[string]*domain.Trade{"t1": sampleTrade("t1"), "t2": sampleTrade("t2")}))

	// Corrupt the primary file; the previous state must still load.
	require.NoError(t, os.WriteFile(s.path, []byte("{not json"), 0o644))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "t1")
	assert.NotContains(t, out, "t2")
}

func TestLoadCorruptPrimaryAndMissingBackupYieldsEmptySet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.path, []byte("{not json"), 0o644))

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLoadMigratesLegacyRecords(t *testing.T) {
	s := newTestStore(t)

	legacy := `{
		"old1": {
			"currency": "ETH",
			"timeframe": "4h",
			"qty_asset": 0.5,
			"entry_price": 3000,
			"side": "long",
			"stop_loss_price": 2700,
			"status": "open"
		}
	}`
	require.NoError(t, os.WriteFile(s.path, []byte(legacy), 0o644))

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, "old1")

	got := out["old1"]
	assert.Equal(t, "old1", got.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 0.5, got.OriginalQtyAsset)
	assert.Equal(t, "futures", got.TradeType)
	assert.Equal(t, 2700.0, got.AbsoluteSLPrice)
	assert.Equal(t, 2700.0, got.CandleCloseSLPrice)
	assert.Equal(t, "4h", got.CandleSLTimeframe)
	assert.NotNil(t, got.ExecutionDetails)
}

func TestCreatesMissingDataDirectory(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "nested", "dir", "trades.json")
	s, err := New(Config{Path: path, Logger: &mockLogger{}})
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), map[string]*domain.Trade{}))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
