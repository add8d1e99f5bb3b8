package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal pipeline.
type Config struct {
	Port     string
	DBPath   string
	LogLevel string

	// Exchange (USDT-M futures)
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeTestnet   bool
	QuoteAsset        string
	HedgeMode         bool // LONG/SHORT position sides instead of BOTH

	// Paper trading
	DryRun               bool
	DryRunInitialBalance float64
	DryRunSlippageBps    float64

	// Exchange throttles
	TradingRatePerSec float64
	TradingBurst      int
	GeneralRatePerSec float64
	GeneralBurst      int

	// Execution
	MarketPollDelay   time.Duration
	MaxPriceDeviation float64 // fraction, 0.10 = 10%
	ExecutionWorkers  int

	// Reconciliation of pending fills
	ReconcileInterval time.Duration
	ReconcileMinAge   time.Duration

	// Dashboard auth
	JWTSecret             string
	DashboardPasswordHash string

	// Seed file with default preferences and whitelist
	SeedFile string

	// Chat channels accepted by the ingest endpoints; empty accepts all.
	ChatChannelIDs []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/signals.db"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		ExchangeAPIKey:        os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret:     os.Getenv("EXCHANGE_API_SECRET"),
		ExchangeTestnet:       getEnvBool("EXCHANGE_TESTNET", false),
		QuoteAsset:            strings.ToUpper(getEnv("QUOTE_ASSET", "USDT")),
		HedgeMode:             getEnvBool("HEDGE_MODE", false),
		DryRun:                getEnvBool("DRY_RUN", false),
		DryRunInitialBalance:  getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DryRunSlippageBps:     getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		TradingRatePerSec:     getEnvFloat("TRADING_RATE_PER_SEC", 5),
		TradingBurst:          getEnvInt("TRADING_BURST", 5),
		GeneralRatePerSec:     getEnvFloat("GENERAL_RATE_PER_SEC", 20),
		GeneralBurst:          getEnvInt("GENERAL_BURST", 20),
		MarketPollDelay:       getEnvDuration("MARKET_POLL_DELAY", 2*time.Second),
		MaxPriceDeviation:     getEnvFloat("MAX_PRICE_DEVIATION", 0.10),
		ExecutionWorkers:      getEnvInt("EXECUTION_WORKERS", 4),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileMinAge:       getEnvDuration("RECONCILE_MIN_AGE", 20*time.Second),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		DashboardPasswordHash: os.Getenv("DASHBOARD_PASSWORD_HASH"),
		SeedFile:              os.Getenv("SEED_FILE"),
		ChatChannelIDs:        splitAndTrim(os.Getenv("CHAT_CHANNEL_IDS")),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.DryRun && (c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "") {
		return errors.New("EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required unless DRY_RUN=true")
	}
	if c.MaxPriceDeviation <= 0 {
		return errors.New("MAX_PRICE_DEVIATION must be positive")
	}
	if c.ExecutionWorkers <= 0 {
		c.ExecutionWorkers = 1
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
