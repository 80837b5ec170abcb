package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	MaxActiveTrades   int     // Cap on concurrently open-and-live trades
	DefaultAmountUSD  float64 // Notional used when a signal omits one
	DefaultLeverage   int     // Leverage used when a signal omits one
	MinTP1NotionalUSD float64 // USD floor below which TP1 closes 100%

	// Monitor intervals
	PendingPollInterval time.Duration // Pending-order trigger scan
	StopPollInterval    time.Duration // Candle-close stop scan

	// Persistence
	StoreBackend string // "json" or "sqlite"
	TradesFile   string // JSON trade set path
	DBPath       string // SQLite path when StoreBackend is "sqlite"

	// Signal ingestion endpoint
	ListenAddr    string
	SignalKeyword string
	AllowedIPs    []string

	// Notifications
	NotifyWebhookURL string
	SummarySchedule  string // Cron spec for the daily trade summary

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	cfg.MaxActiveTrades, err = getEnvAsIntRequired("MAX_ACTIVE_TRADES", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_ACTIVE_TRADES: %v", err))
	} else if cfg.MaxActiveTrades <= 0 {
		errs = append(errs, "MAX_ACTIVE_TRADES must be positive")
	}

	cfg.DefaultAmountUSD, err = getEnvAsFloatRequired("DEFAULT_AMOUNT_USD", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_AMOUNT_USD: %v", err))
	} else if cfg.DefaultAmountUSD <= 0 {
		errs = append(errs, "DEFAULT_AMOUNT_USD must be positive")
	}

	cfg.DefaultLeverage, err = getEnvAsIntRequired("DEFAULT_LEVERAGE", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_LEVERAGE: %v", err))
	} else if cfg.DefaultLeverage <= 0 {
		errs = append(errs, "DEFAULT_LEVERAGE must be positive")
	}

	cfg.MinTP1NotionalUSD, err = getEnvAsFloatRequired("MIN_TP1_NOTIONAL_USD", 20.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_TP1_NOTIONAL_USD: %v", err))
	} else if cfg.MinTP1NotionalUSD < 0 {
		errs = append(errs, "MIN_TP1_NOTIONAL_USD cannot be negative")
	}

	// Monitor intervals
	pendingSecs := getEnvAsInt("PENDING_POLL_INTERVAL_SECONDS", 2)
	if pendingSecs <= 0 {
		errs = append(errs, "PENDING_POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.PendingPollInterval = time.Duration(pendingSecs) * time.Second

	stopSecs := getEnvAsInt("STOP_POLL_INTERVAL_SECONDS", 10)
	if stopSecs <= 0 {
		errs = append(errs, "STOP_POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.StopPollInterval = time.Duration(stopSecs) * time.Second

	// Persistence
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", "json"))
	if cfg.StoreBackend != "json" && cfg.StoreBackend != "sqlite" {
		errs = append(errs, "STORE_BACKEND must be 'json' or 'sqlite'")
	}
	cfg.TradesFile = getEnv("TRADES_FILE", "./data/trades.json")
	if cfg.TradesFile == "" {
		errs = append(errs, "TRADES_FILE must be set")
	}
	cfg.DBPath = getEnv("DB_PATH", "./data/trades.db")

	// Signal ingestion endpoint
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":5000")
	cfg.SignalKeyword = getEnv("SIGNAL_KEYWORD", "")
	if cfg.SignalKeyword == "" {
		errs = append(errs, "SIGNAL_KEYWORD must be set")
	}
	allowed := getEnv("ALLOWED_IPS", "127.0.0.1")
	for _, ip := range strings.Split(allowed, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			cfg.AllowedIPs = append(cfg.AllowedIPs, ip)
		}
	}
	if len(cfg.AllowedIPs) == 0 {
		errs = append(errs, "ALLOWED_IPS must list at least one address")
	}

	// Notifications
	cfg.NotifyWebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")
	cfg.SummarySchedule = getEnv("SUMMARY_SCHEDULE", "0 0 * * *") // Daily at midnight

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "json")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
