package jsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"hypertrader/internal/domain"
	"hypertrader/internal/ports"
)

// Store implements ports.TradeStore on a single JSON file keyed by trade id.
// Every save first copies the current file to a sibling ".backup" path, then
// replaces the primary via a temp file and rename so the primary is never
// observed half-written. A crash between the two steps can still leave the
// backup one step behind the live state.
type Store struct {
	path   string
	logger ports.Logger
}

// Config holds configuration for the JSON file store.
type Config struct {
	Path   string
	Logger ports.Logger
}

// New creates a JSON file store, creating the parent directory if needed.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for JSON store")
	}
	path := cfg.Path
	if path == "" {
		path = "./data/trades.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(path), err)
	}
	return &Store{path: path, logger: cfg.Logger}, nil
}

func (s *Store) backupPath() string {
	return s.path + ".backup"
}

// Save durably writes the complete trade set, replacing any prior state.
func (s *Store) Save(ctx context.Context, trades map[string]*domain.Trade) error {
	// Snapshot the previous file before overwriting it.
	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.backupPath(), prev, 0o644); err != nil {
			s.logger.Warn(ctx, "Failed to write trade set backup", map[string]interface{}{"path": s.backupPath(), "error": err.Error()})
		}
	}

	data, err := json.MarshalIndent(trades, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ports.ErrStoreWriteFailed, err)
	}

	// Write-temp-then-rename keeps the primary file whole even if the
	// process dies mid-write.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write '%s': %v", ports.ErrStoreWriteFailed, tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: rename '%s': %v", ports.ErrStoreWriteFailed, s.path, err)
	}
	return nil
}

// Load reads the complete trade set. A corrupt primary file falls back to
// the backup; a missing file yields an empty set. Records written by older
// versions are migrated in place with documented defaults.
func (s *Store) Load(ctx context.Context) (map[string]*domain.Trade, error) {
	trades, err := s.loadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*domain.Trade{}, nil
		}
		s.logger.Error(ctx, err, "Failed to load primary trade file, trying backup", map[string]interface{}{"path": s.path})
		trades, err = s.loadFile(s.backupPath())
		if err != nil {
			s.logger.Warn(ctx, "Backup trade file unavailable, starting with empty state", map[string]interface{}{"path": s.backupPath()})
			return map[string]*domain.Trade{}, nil
		}
		s.logger.Info(ctx, "Loaded trade set from backup file", map[string]interface{}{"path": s.backupPath()})
	}

	for id, t := range trades {
		migrate(id, t)
	}
	return trades, nil
}

func (s *Store) loadFile(path string) (map[string]*domain.Trade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trades := map[string]*domain.Trade{}
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("%w: parse '%s': %v", ports.ErrStoreLoadFailed, path, err)
	}
	return trades, nil
}

// migrate fills fields introduced by schema evolution so older records
// remain loadable.
func migrate(id string, t *domain.Trade) {
	if t.ID == "" {
		t.ID = id
	}
	if t.OriginalQtyAsset == 0 {
		t.OriginalQtyAsset = t.QtyAsset
	}
	if t.TradeType == "" {
		t.TradeType = "futures"
	}
	if t.AbsoluteSLPrice == 0 {
		t.AbsoluteSLPrice = t.StopLossPrice
	}
	if t.CandleCloseSLPrice == 0 {
		t.CandleCloseSLPrice = t.StopLossPrice
	}
	if t.CandleSLTimeframe == "" {
		t.CandleSLTimeframe = t.Timeframe
		if t.CandleSLTimeframe == "" {
			t.CandleSLTimeframe = "1h"
		}
	}
	if t.ExecutionDetails == nil {
		t.ExecutionDetails = []domain.ExecutionDetail{}
	}
	// Pre-lifecycle records used "open" where "active" is now written.
	if t.Status == "open" {
		t.Status = domain.StatusActive
	}
}

// Close implements ports.TradeStore; the file store holds no resources.
func (s *Store) Close() error { return nil }
