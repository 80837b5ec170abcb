package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"hypertrader/config"
	"hypertrader/internal/adapters/binanceclient"
	"hypertrader/internal/adapters/logger"
	"hypertrader/internal/adapters/notify"
	"hypertrader/internal/app"
	"hypertrader/internal/ledger"
	"hypertrader/internal/monitor/candlestop"
	"hypertrader/internal/monitor/pending"
	"hypertrader/internal/ports"
	"hypertrader/internal/server"
	"hypertrader/internal/store/jsonstore"
	"hypertrader/internal/store/sqlitestore"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel, "format": cfg.LogFormat})

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
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing trade store")
		}
	}()
	appLogger.Info(ctx, "Trade store initialized", map[string]interface{}{"backend": cfg.StoreBackend})

	// 4. Initialize Position Ledger
	book, err := ledger.New(ctx, ledger.Config{Store: store, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize position ledger")
		log.Fatalf("FATAL: Failed to initialize position ledger: %v", err)
	}

	// 5. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	if err := binanceClient.Ping(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Exchange connectivity check failed")
		log.Fatalf("FATAL: Exchange connectivity check failed: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 6. Initialize Notifier
	notifier, err := notify.New(notify.Config{URL: cfg.NotifyWebhookURL, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize notifier")
		log.Fatalf("FATAL: Failed to initialize notifier: %v", err)
	}

	// 7. Initialize Monitors
	stopMonitor, err := candlestop.New(candlestop.Config{
		Interval: cfg.StopPollInterval,
		Gateway:  binanceClient,
		Ledger:   book,
		Notifier: notifier,
		Logger:   appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize candle-close stop monitor")
		log.Fatalf("FATAL: Failed to initialize candle-close stop monitor: %v", err)
	}
	pendingMonitor, err := pending.New(pending.Config{
		Interval:        cfg.PendingPollInterval,
		Gateway:         binanceClient,
		Ledger:          book,
		Stops:           stopMonitor,
		Notifier:        notifier,
		Logger:          appLogger,
		MaxActiveTrades: cfg.MaxActiveTrades,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize pending-order monitor")
		log.Fatalf("FATAL: Failed to initialize pending-order monitor: %v", err)
	}

	// 8. Initialize Application Service
	service, err := app.New(app.Config{
		Pending:           pendingMonitor,
		Stops:             stopMonitor,
		Ledger:            book,
		Gateway:           binanceClient,
		Notifier:          notifier,
		Logger:            appLogger,
		DefaultAmountUSD:  cfg.DefaultAmountUSD,
		DefaultLeverage:   cfg.DefaultLeverage,
		MinTP1NotionalUSD: cfg.MinTP1NotionalUSD,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize signal service")
		log.Fatalf("FATAL: Failed to initialize signal service: %v", err)
	}

	// 9. Re-arm candle-close stops for positions that survived a restart.
	stopMonitor.Start(ctx)
	for _, t := range book.ActiveTrades() {
		if !t.CandleCloseSLActive {
			continue
		}
		if _, err := stopMonitor.Watch(t.ExchangeOrderID, t.Currency, t.CandleCloseSLPrice, t.CandleSLTimeframe, t.Side, t.CurrentQtyAsset); err != nil {
			appLogger.Error(ctx, err, "Failed to re-arm candle-close stop", map[string]interface{}{"tradeID": t.ID})
		}
	}
	pendingMonitor.Start(ctx)

	// 10. Schedule the daily summary
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SummarySchedule, func() { service.SendDailySummary(ctx) }); err != nil {
		appLogger.Error(ctx, err, "FATAL: Invalid summary schedule", map[string]interface{}{"schedule": cfg.SummarySchedule})
		log.Fatalf("FATAL: Invalid summary schedule: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// 11. Start the Ingestion Server
	srv, err := server.New(server.Config{
		Addr:       cfg.ListenAddr,
		Handler:    service,
		Logger:     appLogger,
		Keyword:    cfg.SignalKeyword,
		AllowedIPs: cfg.AllowedIPs,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize ingestion server")
		log.Fatalf("FATAL: Failed to initialize ingestion server: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 12. Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLogger.Info(ctx, "Shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case err := <-serverErr:
		appLogger.Error(ctx, err, "Ingestion server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(ctx, err, "Error shutting down ingestion server")
	}
	cancel() // Stops the monitor loops

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
