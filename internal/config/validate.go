package config

import (
	"fmt"
	"strings"

	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
)

// Validate checks high-impact runtime configuration constraints.
func (c Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.TradingMode))
	if mode != "paper" && mode != "live" {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}
	if mode == "live" && !c.DryRun && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("live trading requires alpaca.api_key and alpaca.api_secret")
	}

	if _, err := risk.ParseSession(c.Gate.Hours); err != nil {
		return fmt.Errorf("gate.hours: %w", err)
	}

	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be > 0, got %s", c.Approval.Timeout)
	}
	switch c.Approval.Store {
	case "memory":
	case "badger":
		if strings.TrimSpace(c.Approval.BadgerPath) == "" {
			return fmt.Errorf("approval.badger_path is required for the badger store")
		}
	case "redis":
		if strings.TrimSpace(c.Approval.Redis.Addr) == "" {
			return fmt.Errorf("approval.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("approval.store must be memory, badger or redis, got %q", c.Approval.Store)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}

	for _, s := range c.Params.Specs() {
		if s.Min > s.Max {
			return fmt.Errorf("params %s: min %g above max %g", s.Key, s.Min, s.Max)
		}
		if s.Default < s.Min || s.Default > s.Max {
			return fmt.Errorf("params %s: default %g outside [%g, %g]", s.Key, s.Default, s.Min, s.Max)
		}
	}

	if err := c.Evolution.validate(); err != nil {
		return err
	}

	if c.Paper.InitialCash <= 0 {
		return fmt.Errorf("paper.initial_cash must be > 0, got %f", c.Paper.InitialCash)
	}
	if c.Paper.FeeBps < 0 {
		return fmt.Errorf("paper.fee_bps must be >= 0, got %f", c.Paper.FeeBps)
	}
	if c.Paper.SlippageBps < 0 {
		return fmt.Errorf("paper.slippage_bps must be >= 0, got %f", c.Paper.SlippageBps)
	}
	if c.Backtest.FeeBps < 0 || c.Backtest.SlippageBps < 0 {
		return fmt.Errorf("backtest fee_bps and slippage_bps must be >= 0")
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.enabled requires bot_token and chat_id")
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}
	return nil
}

func (e EvolutionConfig) validate() error {
	if !e.Enabled {
		return nil
	}
	switch e.Schedule {
	case "weekly":
		if _, err := evolution.ParseWeekday(e.Weekday); err != nil {
			return fmt.Errorf("evolution.weekday: %w", err)
		}
		if e.Hour < 0 || e.Hour > 23 {
			return fmt.Errorf("evolution.hour must be within [0,23], got %d", e.Hour)
		}
	case "interval":
		if e.Interval <= 0 {
			return fmt.Errorf("evolution.interval must be > 0 for the interval schedule")
		}
	default:
		return fmt.Errorf("evolution.schedule must be weekly or interval, got %q", e.Schedule)
	}
	if e.BacktestDays <= 0 {
		return fmt.Errorf("evolution.backtest_days must be > 0, got %d", e.BacktestDays)
	}
	if e.Step <= 0 {
		return fmt.Errorf("evolution.step must be > 0, got %f", e.Step)
	}
	if e.Floor <= 0 || e.Ceiling > 1 || e.Floor >= e.Ceiling {
		return fmt.Errorf("evolution floor/ceiling must satisfy 0 < floor < ceiling <= 1, got %g/%g", e.Floor, e.Ceiling)
	}
	return nil
}
