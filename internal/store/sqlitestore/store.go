package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hypertrader/internal/domain"
	"hypertrader/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements ports.TradeStore on SQLite. The ledger's write-through
// model replaces the full trade set per save, so Save runs a single
// transaction that rewrites the table.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// New creates a new SQLite store instance.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from limiting connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	st := &Store{db: db, logger: cfg.Logger}
	if err := st.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite trade store initialized", map[string]interface{}{"path": dbPath})
	return st, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		exchange_order_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		record TEXT NOT NULL, -- Full trade record as JSON
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_currency_timeframe ON trades (currency, timeframe);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Save durably writes the complete trade set, replacing any prior state.
func (s *Store) Save(ctx context.Context, trades map[string]*domain.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ports.ErrStoreWriteFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades`); err != nil {
		return fmt.Errorf("%w: clear trades: %v", ports.ErrStoreWriteFailed, err)
	}

	const insert = `
	INSERT INTO trades (id, exchange_order_id, currency, timeframe, side, status, record, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for id, t := range trades {
		record, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("%w: marshal trade %s: %v", ports.ErrStoreWriteFailed, id, err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			id, t.ExchangeOrderID, t.Currency, t.Timeframe, string(t.Side), string(t.Status), string(record), t.CreatedAt, t.UpdatedAt); err != nil {
			return fmt.Errorf("%w: insert trade %s: %v", ports.ErrStoreWriteFailed, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ports.ErrStoreWriteFailed, err)
	}
	return nil
}

// Load reads the complete trade set.
func (s *Store) Load(ctx context.Context) (map[string]*domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM trades`)
	if err != nil {
		return nil, fmt.Errorf("%w: query trades: %v", ports.ErrStoreLoadFailed, err)
	}
	defer rows.Close()

	trades := map[string]*domain.Trade{}
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("%w: scan trade row: %v", ports.ErrStoreLoadFailed, err)
		}
		var t domain.Trade
		if err := json.Unmarshal([]byte(record), &t); err != nil {
			return nil, fmt.Errorf("%w: parse trade %s: %v", ports.ErrStoreLoadFailed, id, err)
		}
		trades[id] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate trade rows: %v", ports.ErrStoreLoadFailed, err)
	}
	return trades, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
