package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pegmaker/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Exchange API
	APIKey    string
	SecretKey string
	IsTestnet bool
	Symbol    string

	// Fees & price grid
	MakerFee float64 // e.g. 0.0004 for 0.04%
	TickSize float64 // minimum price increment
	StepSize float64 // minimum quantity increment

	// Inventory (maker) strategy
	MakerEnabled            bool
	OrderSize               float64 // base units per quote
	MaxPosition             float64 // base units, hard inventory cap
	OnlyAverageDown         bool
	MinSpreadBps            float64
	SellTranches            int
	TrancheSpreadBps        float64
	InventorySkewThreshold  float64 // fraction of MaxPosition above which buys need improvement
	AverageDownThresholdBps float64 // required improvement vs average cost to keep buying
	MaxBuyPrice             float64 // never bid at or above this (peg ceiling)

	// Requote policy
	RequoteThresholdTicks   int
	RequoteOnPositionChange bool
	MaxOrderAge             time.Duration

	// Grid strategy
	GridEnabled               bool
	GridLevels                int
	GridSize                  float64 // base units per level
	GridSpacingBps            float64
	GridProfitTargetBps       float64
	MaxGridPosition           float64
	GridRebalanceThresholdBps float64
	GridMaxBuyPrice           float64

	// Admission floors
	MinOrderValue float64 // quote units
	MinOrderSize  float64 // base units

	// Reconciliation loop
	TickInterval       time.Duration
	DispatchTimeout    time.Duration
	MaxDispatchRetries int
	FillFetchLimit     int

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Observability (empty address disables the HTTP listener)
	MetricsAddr string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Exchange API
	cfg.APIKey = getEnv("EXCHANGE_API_KEY", "")
	cfg.SecretKey = getEnv("EXCHANGE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.APIKey == "" {
		errs = append(errs, "EXCHANGE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "EXCHANGE_API_SECRET must be set")
	}
	cfg.Symbol = getEnv("SYMBOL", "USDPUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}

	// Fees & price grid
	cfg.MakerFee = getEnvAsFloat("MAKER_FEE", 0.0004)
	if cfg.MakerFee < 0 || cfg.MakerFee >= 1 {
		errs = append(errs, "MAKER_FEE must be in [0, 1)")
	}
	cfg.TickSize = getEnvAsFloat("TICK_SIZE", 0.00001)
	if cfg.TickSize <= 0 {
		errs = append(errs, "TICK_SIZE must be positive")
	}
	cfg.StepSize = getEnvAsFloat("STEP_SIZE", 0.01)
	if cfg.StepSize <= 0 {
		errs = append(errs, "STEP_SIZE must be positive")
	}

	// Inventory strategy
	cfg.MakerEnabled = getEnvAsBool("MAKER_ENABLED", true)
	cfg.OrderSize = getEnvAsFloat("ORDER_SIZE", 50)
	if cfg.OrderSize <= 0 {
		errs = append(errs, "ORDER_SIZE must be positive")
	}
	cfg.MaxPosition = getEnvAsFloat("MAX_POSITION", 500)
	if cfg.MaxPosition <= 0 {
		errs = append(errs, "MAX_POSITION must be positive")
	}
	cfg.OnlyAverageDown = getEnvAsBool("ONLY_AVERAGE_DOWN", true)
	cfg.MinSpreadBps = getEnvAsFloat("MIN_SPREAD_BPS", 3)
	if cfg.MinSpreadBps < 0 {
		errs = append(errs, "MIN_SPREAD_BPS cannot be negative")
	}
	cfg.SellTranches = getEnvAsInt("SELL_TRANCHES", 4)
	if cfg.SellTranches <= 0 {
		errs = append(errs, "SELL_TRANCHES must be positive")
	}
	cfg.TrancheSpreadBps = getEnvAsFloat("TRANCHE_SPREAD_BPS", 2)
	if cfg.TrancheSpreadBps < 0 {
		errs = append(errs, "TRANCHE_SPREAD_BPS cannot be negative")
	}
	cfg.InventorySkewThreshold = getEnvAsFloat("INVENTORY_SKEW_THRESHOLD", 0.6)
	if cfg.InventorySkewThreshold <= 0 || cfg.InventorySkewThreshold > 1 {
		errs = append(errs, "INVENTORY_SKEW_THRESHOLD must be in (0, 1]")
	}
	cfg.AverageDownThresholdBps = getEnvAsFloat("AVERAGE_DOWN_THRESHOLD_BPS", 5)
	cfg.MaxBuyPrice = getEnvAsFloat("MAX_BUY_PRICE", 0.999)
	if cfg.MaxBuyPrice <= 0 {
		errs = append(errs, "MAX_BUY_PRICE must be positive")
	}

	// Requote policy
	cfg.RequoteThresholdTicks = getEnvAsInt("REQUOTE_THRESHOLD_TICKS", 2)
	if cfg.RequoteThresholdTicks < 0 {
		errs = append(errs, "REQUOTE_THRESHOLD_TICKS cannot be negative")
	}
	cfg.RequoteOnPositionChange = getEnvAsBool("REQUOTE_ON_POSITION_CHANGE", true)
	maxOrderAgeSeconds := getEnvAsInt("MAX_ORDER_AGE_SECONDS", 120)
	if maxOrderAgeSeconds <= 0 {
		errs = append(errs, "MAX_ORDER_AGE_SECONDS must be positive")
	}
	cfg.MaxOrderAge = time.Duration(maxOrderAgeSeconds) * time.Second

	// Grid strategy
	cfg.GridEnabled = getEnvAsBool("GRID_ENABLED", true)
	cfg.GridLevels = getEnvAsInt("GRID_LEVELS", 10)
	if cfg.GridLevels <= 0 {
		errs = append(errs, "GRID_LEVELS must be positive")
	}
	cfg.GridSize = getEnvAsFloat("GRID_SIZE", 50)
	if cfg.GridSize <= 0 {
		errs = append(errs, "GRID_SIZE must be positive")
	}
	cfg.GridSpacingBps = getEnvAsFloat("GRID_SPACING_BPS", 5)
	if cfg.GridSpacingBps <= 0 {
		errs = append(errs, "GRID_SPACING_BPS must be positive")
	}
	cfg.GridProfitTargetBps = getEnvAsFloat("GRID_PROFIT_TARGET_BPS", 10)
	if cfg.GridProfitTargetBps <= 0 {
		errs = append(errs, "GRID_PROFIT_TARGET_BPS must be positive")
	}
	cfg.MaxGridPosition = getEnvAsFloat("MAX_GRID_POSITION", 500)
	if cfg.MaxGridPosition <= 0 {
		errs = append(errs, "MAX_GRID_POSITION must be positive")
	}
	cfg.GridRebalanceThresholdBps = getEnvAsFloat("GRID_REBALANCE_THRESHOLD_BPS", 50)
	if cfg.GridRebalanceThresholdBps <= 0 {
		errs = append(errs, "GRID_REBALANCE_THRESHOLD_BPS must be positive")
	}
	cfg.GridMaxBuyPrice = getEnvAsFloat("GRID_MAX_BUY_PRICE", 0.999)
	if cfg.GridMaxBuyPrice <= 0 {
		errs = append(errs, "GRID_MAX_BUY_PRICE must be positive")
	}

	if !cfg.MakerEnabled && !cfg.GridEnabled {
		errs = append(errs, "at least one of MAKER_ENABLED or GRID_ENABLED must be true")
	}

	// Admission floors
	cfg.MinOrderValue = getEnvAsFloat("MIN_ORDER_VALUE", 10)
	if cfg.MinOrderValue < 0 {
		errs = append(errs, "MIN_ORDER_VALUE cannot be negative")
	}
	cfg.MinOrderSize = getEnvAsFloat("MIN_ORDER_SIZE", 1)
	if cfg.MinOrderSize < 0 {
		errs = append(errs, "MIN_ORDER_SIZE cannot be negative")
	}

	// Reconciliation loop
	tickSeconds := getEnvAsInt("TICK_INTERVAL_SECONDS", 3)
	if tickSeconds <= 0 {
		errs = append(errs, "TICK_INTERVAL_SECONDS must be positive")
	}
	cfg.TickInterval = time.Duration(tickSeconds) * time.Second

	dispatchTimeoutSeconds := getEnvAsInt("DISPATCH_TIMEOUT_SECONDS", 10)
	if dispatchTimeoutSeconds <= 0 {
		errs = append(errs, "DISPATCH_TIMEOUT_SECONDS must be positive")
	}
	cfg.DispatchTimeout = time.Duration(dispatchTimeoutSeconds) * time.Second

	cfg.MaxDispatchRetries = getEnvAsInt("MAX_DISPATCH_RETRIES", 3)
	if cfg.MaxDispatchRetries < 0 {
		errs = append(errs, "MAX_DISPATCH_RETRIES cannot be negative")
	}
	cfg.FillFetchLimit = getEnvAsInt("FILL_FETCH_LIMIT", 50)
	if cfg.FillFetchLimit <= 0 {
		errs = append(errs, "FILL_FETCH_LIMIT must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/pegmaker.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Observability
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9842")

	// Check for collected validation errors
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
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
