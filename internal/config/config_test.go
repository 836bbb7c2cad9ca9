package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "paper", cfg.TradingMode)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, 5*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, "memory", cfg.Approval.Store)
	assert.Equal(t, "friday", cfg.Evolution.Weekday)
	assert.Equal(t, 0.75, cfg.Evolution.Floor)
	assert.Equal(t, 0.98, cfg.Evolution.Ceiling)
	assert.Equal(t, 7*24*time.Hour, cfg.Performance.Windows.Short)
	assert.Positive(t, cfg.Paper.InitialCash)
}

func TestLoadFromYAML(t *testing.T) {
	data := `
trading_mode: live
dry_run: true
symbols: [AAPL, MSFT]
gate:
  hours:
    start: "10:00"
    end: "15:00"
    location: America/New_York
approval:
  timeout: 2m
  store: badger
  badger_path: /tmp/approvals
params:
  overrides:
    - key: auto_trade_threshold
      default: 0.9
      min: 0.6
      max: 0.99
      max_delta: 0.05
evolution:
  schedule: interval
  interval: 24h
  min_trades: 20
  step: 0.02
paper:
  initial_cash: 5000
  prices:
    AAPL: 180
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.TradingMode)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Symbols)
	assert.Equal(t, "10:00", cfg.Gate.Hours.Start)
	assert.Equal(t, 2*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, "badger", cfg.Approval.Store)
	assert.Equal(t, "interval", cfg.Evolution.Schedule)
	assert.Equal(t, 24*time.Hour, cfg.Evolution.Interval)
	assert.Equal(t, 20, cfg.Evolution.MinTrades)
	assert.Equal(t, 0.02, cfg.Evolution.Step)
	// untouched inline fields keep their defaults
	assert.Equal(t, 0.98, cfg.Evolution.Ceiling)
	assert.Equal(t, 5000.0, cfg.Paper.InitialCash)
	assert.Equal(t, 180.0, cfg.Paper.Prices["AAPL"])
	// unrelated defaults survive
	assert.Equal(t, ":8080", cfg.API.Addr)

	var threshold params.Spec
	for _, s := range cfg.Params.Specs() {
		if s.Key == params.AutoTradeThreshold {
			threshold = s
		}
	}
	assert.Equal(t, 0.9, threshold.Default)
	assert.Equal(t, 0.6, threshold.Min)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GATEKEEPER_TRADING_MODE", "LIVE")
	t.Setenv("GATEKEEPER_DRY_RUN", "true")
	t.Setenv("GATEKEEPER_SYMBOLS", "aapl, msft ,")
	t.Setenv("GATEKEEPER_JWT_SECRET", "s3cret")
	t.Setenv("GATEKEEPER_POSTGRES_DSN", "postgres://localhost/gk")
	t.Setenv("GATEKEEPER_APPROVAL_TIMEOUT", "90s")
	t.Setenv("ALPACA_API_KEY", "key")
	t.Setenv("ALPACA_API_SECRET", "secret")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "live", cfg.TradingMode)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Symbols)
	assert.Equal(t, "s3cret", cfg.API.JWTSecret)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/gk", cfg.Storage.DSN)
	assert.Equal(t, 90*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, "key", cfg.Alpaca.APIKey)
	assert.Equal(t, "secret", cfg.Alpaca.APISecret)
	assert.Equal(t, "bot", cfg.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Telegram.ChatID)
}

func TestApplyEnvBadBoolIsFalse(t *testing.T) {
	t.Setenv("GATEKEEPER_DRY_RUN", "maybe")
	cfg := Default()
	cfg.DryRun = true
	cfg.ApplyEnv()
	assert.False(t, cfg.DryRun)
}
