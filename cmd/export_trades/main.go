package main

import (
	"context"
	"flag"
	"log"

	"hypertrader/config"
	"hypertrader/internal/adapters/logger"
	"hypertrader/internal/ports"
	"hypertrader/internal/store/jsonstore"
	"hypertrader/internal/store/sqlitestore"
	"hypertrader/internal/utils"
)

// Exports the persisted trade set to CSV for offline analysis.
func main() {
	out := flag.String("out", "data/trades_export.csv", "output CSV path")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := context.Background()

	// 3. Initialize Trade Store
	var store ports.TradeStore
	switch cfg.StoreBackend {
	case "sqlite":
		store, err = sqlitestore.New(sqlitestore.Config{DBPath: cfg.DBPath, Logger: appLogger})
	default:
		store, err = jsonstore.New(jsonstore.Config{Path: cfg.TradesFile, Logger: appLogger})
	}
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade store")
		log.Fatalf("FATAL: Failed to initialize trade store: %v", err)
	}
	defer store.Close()

	trades, err := store.Load(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "Error loading trade set")
		log.Fatalf("Error loading trade set: %v", err)
	}
	appLogger.Info(ctx, "Loaded trade set", map[string]interface{}{"trades": len(trades)})

	if err := utils.WriteTradesToCSV(trades, *out); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": *out})
}
