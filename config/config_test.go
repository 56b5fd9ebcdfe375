package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionSyncBot/internal/adapters/logger"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("STRATEGIES", "trend:btcusdt:5, scalp:ETHUSDT:10")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet)
	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, StrategyConfig{ID: "trend", Symbol: "BTCUSDT", Leverage: 5, MarginType: "cross"}, cfg.Strategies[0])
	assert.Equal(t, []string{"trend", "scalp"}, cfg.StrategyIDs())
	assert.Equal(t, 10*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.TradeRebuildInterval)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 0.0004, cfg.FallbackFeeRate)
	assert.Equal(t, 1e-8, cfg.SizeEpsilon)
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("IS_TESTNET", "false")
	t.Setenv("MARGIN_TYPE", "ISOLATED")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "3")
	t.Setenv("FALLBACK_FEE_RATE", "0.0005")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.IsTestnet)
	assert.Equal(t, "isolated", cfg.Strategies[1].MarginType)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 3*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 0.0005, cfg.FallbackFeeRate)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadConfig_CollectsAllErrors(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	t.Setenv("STRATEGIES", "")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "abc")
	t.Setenv("FALLBACK_FEE_RATE", "0.5")

	_, err := LoadConfig()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"BINANCE_API_KEY", "BINANCE_API_SECRET", "STRATEGIES", "RECONCILE_INTERVAL_SECONDS", "FALLBACK_FEE_RATE"} {
		assert.True(t, strings.Contains(msg, want), "missing %s in %q", want, msg)
	}
}

func TestParseStrategies(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "single", raw: "a:BTCUSDT:3", want: 1},
		{name: "trailing comma", raw: "a:BTCUSDT:3,", want: 1},
		{name: "missing part", raw: "a:BTCUSDT", wantErr: true},
		{name: "bad leverage", raw: "a:BTCUSDT:x", wantErr: true},
		{name: "leverage out of range", raw: "a:BTCUSDT:200", wantErr: true},
		{name: "duplicate id", raw: "a:BTCUSDT:3,a:ETHUSDT:3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStrategies(tt.raw, "cross")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
