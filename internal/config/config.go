package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoPolymarket/trade-gatekeeper/internal/alpaca"
	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
)

type Config struct {
	Log         logging.Config `yaml:"log"`
	TradingMode string         `yaml:"trading_mode"`
	DryRun      bool           `yaml:"dry_run"`
	Symbols     []string       `yaml:"symbols"`

	Gate        GateConfig        `yaml:"gate"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Params      ParamsConfig      `yaml:"params"`
	Storage     StorageConfig     `yaml:"storage"`
	Performance PerformanceConfig `yaml:"performance"`
	Evolution   EvolutionConfig   `yaml:"evolution"`
	Backtest    backtest.Config   `yaml:"backtest"`
	Paper       PaperConfig       `yaml:"paper"`
	Alpaca      alpaca.Config     `yaml:"alpaca"`
	Feed        FeedConfig        `yaml:"feed"`
	Portfolio   PortfolioConfig   `yaml:"portfolio"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	API         APIConfig         `yaml:"api"`
	Audit       AuditConfig       `yaml:"audit"`
}

type GateConfig struct {
	Hours risk.Hours `yaml:"hours"`
	// UseMarketClock also consults the broker clock (live mode only).
	UseMarketClock bool `yaml:"use_market_clock"`
	// ValidateSymbols asks the broker whether a symbol is tradable; when
	// false, Symbols is the allow-list.
	ValidateSymbols bool `yaml:"validate_symbols"`
}

type ApprovalConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Store        string        `yaml:"store"` // memory|badger|redis
	BadgerPath   string        `yaml:"badger_path"`
	Redis        RedisConfig   `yaml:"redis"`
	Retention    time.Duration `yaml:"retention"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Instance is stored on each approval; Restore adopts only its own.
	// Keep it stable across restarts. Empty means the hostname.
	Instance string `yaml:"instance"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ParamsConfig struct {
	Overrides []params.Spec `yaml:"overrides"`
}

// Specs returns the built-in parameter specs with overrides applied.
func (p ParamsConfig) Specs() []params.Spec {
	return params.MergeSpecs(params.DefaultSpecs(), p.Overrides)
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory|sqlite|postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type PerformanceConfig struct {
	Windows  performance.Windows `yaml:"windows"`
	CacheTTL time.Duration       `yaml:"cache_ttl"`
}

type EvolutionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"` // weekly|interval
	Weekday      string        `yaml:"weekday"`
	Hour         int           `yaml:"hour"`
	Interval     time.Duration `yaml:"interval"`
	BacktestDays int           `yaml:"backtest_days"`
	Symbols      []string      `yaml:"symbols"`
	// HistoryDir holds <SYMBOL>.csv daily bars; empty uses the broker.
	HistoryDir string `yaml:"history_dir"`

	evolution.Config `yaml:",inline"`
}

type PaperConfig struct {
	InitialCash float64            `yaml:"initial_cash"`
	FeeBps      float64            `yaml:"fee_bps"`
	SlippageBps float64            `yaml:"slippage_bps"`
	AllowShort  bool               `yaml:"allow_short"`
	Prices      map[string]float64 `yaml:"prices"`
}

type FeedConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxAge          time.Duration `yaml:"max_age"`
}

type PortfolioConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type APIConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addr        string   `yaml:"addr"`
	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		Log:         logging.Config{Level: "info"},
		TradingMode: "paper",
		DryRun:      false,
		Gate: GateConfig{
			Hours: risk.Hours{Start: "09:30", End: "16:00", Location: "America/New_York"},
		},
		Approval: ApprovalConfig{
			Timeout:    5 * time.Minute,
			Store:      "memory",
			BadgerPath: "data/approvals",
			Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "gatekeeper"},
			Retention:  7 * 24 * time.Hour,
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "data/params.db"},
		Performance: PerformanceConfig{
			Windows:  performance.DefaultWindows(),
			CacheTTL: time.Minute,
		},
		Evolution: EvolutionConfig{
			Enabled:      true,
			Schedule:     "weekly",
			Weekday:      "friday",
			BacktestDays: 90,
			Config:       evolution.DefaultConfig(),
		},
		Backtest: backtest.Config{FeeBps: 5, SlippageBps: 10},
		Paper: PaperConfig{
			InitialCash: 100000,
			FeeBps:      5,
			SlippageBps: 10,
		},
		Alpaca:    alpaca.Config{BaseURL: alpaca.PaperURL, Feed: "iex"},
		Feed:      FeedConfig{RefreshInterval: 30 * time.Second, MaxAge: 5 * time.Minute},
		Portfolio: PortfolioConfig{SyncInterval: time.Minute},
		API:       APIConfig{Enabled: true, Addr: ":8080"},
		Audit:     AuditConfig{Path: "data/audit.db"},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("GATEKEEPER_TRADING_MODE")); v != "" {
		c.TradingMode = strings.ToLower(v)
	}
	if v := os.Getenv("GATEKEEPER_DRY_RUN"); v != "" {
		c.DryRun = envBool(v)
	}
	if v := os.Getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GATEKEEPER_SYMBOLS"); v != "" {
		c.Symbols = splitList(v)
	}
	if v := os.Getenv("GATEKEEPER_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("GATEKEEPER_JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
	if v := os.Getenv("GATEKEEPER_POSTGRES_DSN"); v != "" {
		c.Storage.Driver = "postgres"
		c.Storage.DSN = v
	}
	if v := os.Getenv("GATEKEEPER_REDIS_ADDR"); v != "" {
		c.Approval.Redis.Addr = v
	}
	if v := os.Getenv("GATEKEEPER_REDIS_PASSWORD"); v != "" {
		c.Approval.Redis.Password = v
	}
	if v := os.Getenv("GATEKEEPER_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Approval.Timeout = d
		}
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		c.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		c.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		c.Alpaca.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
}

func envBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
