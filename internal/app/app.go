// Package app wires the gate, the approval broker, parameter evolution and
// the executors into one running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/alpaca"
	"github.com/GoPolymarket/trade-gatekeeper/internal/api"
	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/audit"
	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/config"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/execution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/feed"
	"github.com/GoPolymarket/trade-gatekeeper/internal/gate"
	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/notify"
	"github.com/GoPolymarket/trade-gatekeeper/internal/paper"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/portfolio"
	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
	"github.com/GoPolymarket/trade-gatekeeper/internal/strategy"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

type App struct {
	cfg  config.Config
	mode string
	log  *logrus.Entry

	params    *params.Store
	audit     *audit.Store // nil when audit.path is empty
	prices    *feed.Cache
	refresher *feed.Refresher // nil without a market data source
	executor  execution.Executor
	portfolio *portfolio.Tracker
	risk      *risk.Manager
	session   risk.Session
	perf      *performance.Evaluator
	tracker   *execution.Tracker
	broker    *approval.Broker
	gate      *gate.Gate
	evolver   *evolution.Evolver
	scheduler *evolution.Scheduler
	simulator *backtest.Simulator
	strategy  backtest.Strategy
	history   evolution.HistoryProvider
	telegram  *notify.Notifier
	hub       *notify.Hub
	server    *api.Server
	kpi       *kpiCollector

	now     func() time.Time
	closers []func() error

	mu      sync.RWMutex
	running bool
}

// New builds the service from cfg. The caller must call Close when done,
// whether or not Run was called.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.TradingMode))
	if mode != ModeLive {
		mode = ModePaper
	}
	session, err := risk.ParseSession(cfg.Gate.Hours)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:       cfg,
		mode:      mode,
		log:       logging.For("app"),
		session:   session,
		prices:    feed.NewCache(cfg.Feed.MaxAge),
		tracker:   execution.NewTracker(),
		simulator: backtest.NewSimulator(cfg.Backtest),
		strategy:  strategy.NewMomentum(strategy.DefaultMomentumConfig()),
		hub:       notify.NewHub(nil),
		now:       time.Now,
	}
	a.kpi = newKPICollector(session.Location(), a.now())

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	backend, err := openParamsBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	a.params = params.NewStore(backend, cfg.Params.Specs())
	a.closers = append(a.closers, a.params.Close)
	if err := a.clampPersisted(ctx); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Audit.Path) != "" {
		if a.audit, err = audit.Open(cfg.Audit.Path); err != nil {
			return fmt.Errorf("app: audit: %w", err)
		}
		a.closers = append(a.closers, a.audit.Close)
	}

	// Executor, account source and price feed depend on the trading mode.
	var (
		accounts portfolio.AccountSource
		symbols  gate.SymbolValidator = gate.NewSymbolSet(cfg.Symbols...)
		clock    gate.MarketClock
		equity   float64
		market   *alpaca.Broker // quotes and bars; nil without credentials
	)
	switch a.mode {
	case ModeLive:
		acfg := cfg.Alpaca
		acfg.DryRun = cfg.DryRun
		market = alpaca.New(acfg)
		a.executor, accounts = market, market
		if cfg.Gate.ValidateSymbols {
			symbols = market
		}
		if cfg.Gate.UseMarketClock {
			clock = market
		}
	default:
		a.prices.Seed(cfg.Paper.Prices)
		allowShort := cfg.Paper.AllowShort
		sim := paper.NewSimulator(paper.Config{
			InitialCash: cfg.Paper.InitialCash,
			FeeBps:      cfg.Paper.FeeBps,
			SlippageBps: cfg.Paper.SlippageBps,
			AllowShort:  &allowShort,
		}, a.prices)
		a.executor, accounts = sim, sim
		equity = cfg.Paper.InitialCash
		// Paper fills still use real quotes when market data is configured.
		if cfg.Alpaca.APIKey != "" {
			market = alpaca.New(cfg.Alpaca)
		}
	}
	if market != nil {
		a.refresher = feed.NewRefresher(a.prices, market, cfg.Symbols, cfg.Feed.RefreshInterval)
	}
	a.risk = risk.New(equity)
	a.portfolio = portfolio.NewTracker(accounts, a.risk, cfg.Portfolio.SyncInterval)

	var trades performance.TradeSource = a.tracker
	if a.audit != nil {
		trades = a.audit
	}
	a.perf = performance.NewEvaluator(trades, cfg.Performance.Windows, cfg.Performance.CacheTTL)
	a.tracker.OnClose = a.onTradeClosed

	store, err := openApprovalStore(ctx, cfg.Approval)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)

	publishers := notify.Multi{a.hub}
	if cfg.Telegram.Enabled {
		a.telegram = notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		publishers = append(publishers, a.telegram)
	}
	a.broker = approval.NewBroker(store, publishers, approval.Config{
		Timeout:      cfg.Approval.Timeout,
		PollInterval: cfg.Approval.PollInterval,
		Instance:     cfg.Approval.Instance,
	})
	if a.audit != nil {
		a.broker.Subscribe(a.audit.OnApprovalEvent)
	}
	a.broker.Subscribe(a.hub.OnApprovalEvent)
	a.broker.Subscribe(a.onApprovalEvent)
	a.broker.OnResolved(a.onOrphanResolved)

	a.gate = gate.New(gate.Deps{
		Params:      a.params,
		Performance: a.perf,
		Risk:        a.risk,
		Prices:      a.prices,
		Symbols:     symbols,
		Session:     a.session,
		Clock:       clock,
		Approver:    a.broker,
	})

	if err := a.buildEvolution(market); err != nil {
		return err
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			App:         a,
			Params:      a.params,
			Approvals:   a.broker,
			Evolution:   a.evolver,
			Backtester:  a,
			Performance: a.perf,
			Events:      a.hub,
			JWTSecret:   cfg.API.JWTSecret,
			CORSOrigins: cfg.API.CORSOrigins,
		}
		if a.audit != nil {
			deps.Audit = a.audit
		}
		a.server = api.NewServer(cfg.API.Addr, deps)
		if cfg.API.JWTSecret == "" {
			a.log.Warn("api.jwt_secret is empty; mutating routes are open")
		}
	}

	a.log.WithFields(logrus.Fields{
		"mode":      a.mode,
		"dry_run":   cfg.DryRun,
		"symbols":   cfg.Symbols,
		"approvals": cfg.Approval.Store,
		"storage":   cfg.Storage.Driver,
	}).Info("gatekeeper configured")
	return nil
}

func (a *App) buildEvolution(market *alpaca.Broker) error {
	cfg := a.cfg.Evolution
	switch {
	case strings.TrimSpace(cfg.HistoryDir) != "":
		symbols := cfg.Symbols
		if len(symbols) == 0 {
			symbols = a.cfg.Symbols
		}
		h, err := LoadHistory(cfg.HistoryDir, symbols)
		if err != nil {
			return fmt.Errorf("app: evolution history: %w", err)
		}
		a.history = h
	case market != nil:
		a.history = market
	}

	var validator evolution.Validator
	if a.history != nil {
		symbols := cfg.Symbols
		if len(symbols) == 0 {
			symbols = a.cfg.Symbols
		}
		validator = &evolution.BacktestValidator{
			Simulator:      a.simulator,
			Strategy:       a.strategy,
			History:        a.history,
			Symbols:        symbols,
			Window:         time.Duration(cfg.BacktestDays) * 24 * time.Hour,
			InitialCapital: a.cfg.Paper.InitialCash,
			Cache:          backtest.NewResultCache(256, 24*time.Hour),
		}
	} else {
		a.log.Warn("no price history configured; evolution proposals will be rejected")
	}

	var recorder evolution.Recorder
	if a.audit != nil {
		recorder = a.audit
	}
	a.evolver = evolution.New(cfg.Config, a.params, a.perf, validator, recorder)

	if !cfg.Enabled {
		return nil
	}
	sched := evolution.Schedule{Location: a.session.Location()}
	if cfg.Schedule == "interval" {
		sched.Interval = cfg.Interval
	} else {
		day, err := evolution.ParseWeekday(cfg.Weekday)
		if err != nil {
			return fmt.Errorf("app: evolution: %w", err)
		}
		sched.Weekday, sched.Hour = day, cfg.Hour
	}
	a.scheduler = evolution.NewScheduler(a.evolver, sched, a.onEvolutionCycle)
	return nil
}

// clampPersisted moves stored values that fall outside the configured bounds
// back inside them, e.g. after a rollout phase tightened a limit.
func (a *App) clampPersisted(ctx context.Context) error {
	all, err := a.params.All(ctx)
	if err != nil {
		return fmt.Errorf("app: load parameters: %w", err)
	}
	for _, p := range all {
		spec, ok := a.params.Spec(p.Key)
		if !ok {
			continue
		}
		target := p.Value
		if target < spec.Min {
			target = spec.Min
		} else if target > spec.Max {
			target = spec.Max
		}
		if target == p.Value {
			continue
		}
		reason := fmt.Sprintf("clamped to configured bounds [%g, %g]", spec.Min, spec.Max)
		if _, err := a.params.Set(ctx, p.Key, target, params.SourceManual, reason); err != nil {
			return fmt.Errorf("app: clamp %s: %w", p.Key, err)
		}
	}
	return nil
}

func openParamsBackend(ctx context.Context, cfg config.StorageConfig) (params.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return params.NewMemoryBackend(), nil
	case "postgres":
		b, err := params.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: params postgres: %w", err)
		}
		return b, nil
	default:
		b, err := params.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("app: params sqlite: %w", err)
		}
		return b, nil
	}
}

func openApprovalStore(ctx context.Context, cfg config.ApprovalConfig) (approval.Store, error) {
	switch cfg.Store {
	case "badger":
		s, err := approval.OpenBadger(approval.BadgerOptions{Path: cfg.BadgerPath, Retention: cfg.Retention})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return s, nil
	case "redis":
		s, err := approval.OpenRedis(ctx, approval.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			Retention: cfg.Retention,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return s, nil
	default:
		return approval.NewMemoryStore(cfg.Retention), nil
	}
}

// Run starts the background loops and the API, and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	if n, err := a.broker.Restore(ctx); err != nil {
		a.log.WithError(err).Warn("approval restore failed")
	} else if n > 0 {
		a.log.WithField("count", n).Info("waiting approvals re-armed")
	}

	if a.refresher != nil {
		if n := a.refresher.Refresh(ctx); n == 0 && len(a.cfg.Symbols) > 0 {
			a.log.Warn("initial price refresh returned no quotes")
		}
		go a.runLoop(ctx, "price feed", a.refresher.Run)
	}
	if err := a.portfolio.Sync(ctx); err != nil {
		a.log.WithError(err).Warn("initial portfolio sync failed")
	}
	go a.runLoop(ctx, "portfolio", a.portfolio.Run)
	if a.scheduler != nil {
		go a.runLoop(ctx, "evolution scheduler", a.scheduler.Run)
	}
	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("app: api: %w", err)
		}
	}

	a.log.Info("gatekeeper running")
	daily := time.NewTimer(a.untilNextDay())
	defer daily.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-daily.C:
			a.rollDay(ctx)
			daily.Reset(a.untilNextDay())
		}
	}
}

func (a *App) runLoop(ctx context.Context, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.WithError(err).WithField("loop", name).Error("background loop stopped")
	}
}

// untilNextDay is the time to the next midnight in the session timezone.
func (a *App) untilNextDay() time.Duration {
	now := a.now()
	next := startOfDay(now, a.session.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

// Shutdown stops the API and the broker timers.
func (a *App) Shutdown(ctx context.Context) {
	a.log.Info("shutting down")
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("api shutdown")
		}
	}
	if a.broker != nil {
		a.broker.Close()
	}
	a.hub.Close()
}

// Close releases stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *App) IsDryRun() bool      { return a.cfg.DryRun }
func (a *App) TradingMode() string { return a.mode }

func (a *App) RiskState() risk.State { return a.risk.State() }

// KPIs returns today's decision and order counters.
func (a *App) KPIs() KPISnapshot { return a.kpi.snapshot(a.now()) }

// Broker exposes the approval broker, e.g. to resolve from a chat command.
func (a *App) Broker() *approval.Broker { return a.broker }

// Params exposes the parameter store.
func (a *App) Params() *params.Store { return a.params }
