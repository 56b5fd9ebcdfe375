package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"positionSyncBot/internal/adapters/logger" // Import the logger package for LogLevel
)

// StrategyConfig identifies one strategy the bot keeps in sync.
type StrategyConfig struct {
	ID         string
	Symbol     string
	Leverage   int    // Default leverage, used when a fill carries none
	MarginType string // cross or isolated
}

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Strategies
	Strategies []StrategyConfig

	// Database
	DBPath string

	// Cache
	RedisAddr      string // Empty disables the cache tier
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	CacheTTL       time.Duration

	// Scheduling
	ReconcileInterval    time.Duration
	TradeRebuildInterval time.Duration
	ReconcileConcurrency int

	// Matching / reconciliation
	FallbackFeeRate float64
	SizeEpsilon     float64

	// Metrics
	MetricsAddr string // Empty disables the /metrics endpoint

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // json or console
}

// StrategyIDs returns the configured strategy IDs in declaration order.
func (c *Config) StrategyIDs() []string {
	ids := make([]string, len(c.Strategies))
	for i, s := range c.Strategies {
		ids[i] = s.ID
	}
	return ids
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

	// Strategies
	marginType := strings.ToLower(getEnv("MARGIN_TYPE", "cross"))
	if marginType != "cross" && marginType != "isolated" {
		errs = append(errs, "MARGIN_TYPE must be cross or isolated")
	}
	cfg.Strategies, err = ParseStrategies(getEnv("STRATEGIES", ""), marginType)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STRATEGIES: %v", err))
	} else if len(cfg.Strategies) == 0 {
		errs = append(errs, "STRATEGIES must list at least one strategy (id:SYMBOL:leverage)")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/position_sync.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Cache
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisKeyPrefix = getEnv("REDIS_KEY_PREFIX", "possync:")
	cfg.RedisDB, err = getEnvAsIntRequired("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid REDIS_DB: %v", err))
	} else if cfg.RedisDB < 0 {
		errs = append(errs, "REDIS_DB cannot be negative")
	}
	ttlSeconds, err := getEnvAsIntRequired("CACHE_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CACHE_TTL_SECONDS: %v", err))
	} else if ttlSeconds <= 0 {
		errs = append(errs, "CACHE_TTL_SECONDS must be positive")
	}
	cfg.CacheTTL = time.Duration(ttlSeconds) * time.Second

	// Scheduling
	reconcileSeconds, err := getEnvAsIntRequired("RECONCILE_INTERVAL_SECONDS", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RECONCILE_INTERVAL_SECONDS: %v", err))
	} else if reconcileSeconds <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL_SECONDS must be positive")
	}
	cfg.ReconcileInterval = time.Duration(reconcileSeconds) * time.Second

	rebuildSeconds, err := getEnvAsIntRequired("TRADE_REBUILD_INTERVAL_SECONDS", 300)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRADE_REBUILD_INTERVAL_SECONDS: %v", err))
	} else if rebuildSeconds <= 0 {
		errs = append(errs, "TRADE_REBUILD_INTERVAL_SECONDS must be positive")
	}
	cfg.TradeRebuildInterval = time.Duration(rebuildSeconds) * time.Second

	cfg.ReconcileConcurrency = getEnvAsInt("RECONCILE_CONCURRENCY", 4)
	if cfg.ReconcileConcurrency < 0 {
		errs = append(errs, "RECONCILE_CONCURRENCY cannot be negative")
	}

	// Matching / reconciliation
	cfg.FallbackFeeRate, err = getEnvAsFloatRequired("FALLBACK_FEE_RATE", 0.0004)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FALLBACK_FEE_RATE: %v", err))
	} else if cfg.FallbackFeeRate <= 0 || cfg.FallbackFeeRate >= 0.01 {
		errs = append(errs, "FALLBACK_FEE_RATE must be between 0 and 0.01 (exclusive)")
	}

	cfg.SizeEpsilon, err = getEnvAsFloatRequired("SIZE_EPSILON", 1e-8)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SIZE_EPSILON: %v", err))
	} else if cfg.SizeEpsilon <= 0 {
		errs = append(errs, "SIZE_EPSILON must be positive")
	}

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9102")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "json"))
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		errs = append(errs, "LOG_FORMAT must be json or console")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// ParseStrategies parses a comma-separated list of id:SYMBOL:leverage entries.
func ParseStrategies(raw, marginType string) ([]StrategyConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []StrategyConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("entry %q: want id:SYMBOL:leverage", entry)
		}
		id, symbol := strings.TrimSpace(parts[0]), strings.ToUpper(strings.TrimSpace(parts[1]))
		if id == "" || symbol == "" {
			return nil, fmt.Errorf("entry %q: id and symbol must be non-empty", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate strategy id %q", id)
		}
		leverage, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("entry %q: invalid leverage: %w", entry, err)
		}
		if leverage <= 0 || leverage > 125 {
			return nil, fmt.Errorf("entry %q: leverage must be between 1 and 125", entry)
		}
		seen[id] = true
		out = append(out, StrategyConfig{ID: id, Symbol: symbol, Leverage: leverage, MarginType: marginType})
	}
	return out, nil
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
