package performance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Window string

const (
	Short  Window = "short"
	Medium Window = "medium"
	Long   Window = "long"
)

// Windows maps each window to its lookback.
type Windows struct {
	Short  time.Duration `yaml:"short"`
	Medium time.Duration `yaml:"medium"`
	Long   time.Duration `yaml:"long"`
}

func DefaultWindows() Windows {
	return Windows{Short: 7 * 24 * time.Hour, Medium: 30 * 24 * time.Hour, Long: 90 * 24 * time.Hour}
}

func (w Windows) Lookback(win Window) (time.Duration, error) {
	switch win {
	case Short:
		return w.Short, nil
	case Medium:
		return w.Medium, nil
	case Long:
		return w.Long, nil
	}
	return 0, fmt.Errorf("unknown window %q", win)
}

// Snapshot is a cached aggregate for one window; it is never a source of
// truth.
type Snapshot struct {
	Window      Window    `json:"window"`
	WinRate     float64   `json:"win_rate"`
	TotalPnL    float64   `json:"total_pnl"`
	SharpeLike  float64   `json:"sharpe_like"`
	MaxDrawdown float64   `json:"max_drawdown"`
	TradeCount  int       `json:"trade_count"`
	ComputedAt  time.Time `json:"computed_at"`
}

// TradeSource supplies closed trades.
type TradeSource interface {
	ClosedTrades(ctx context.Context, since time.Time) ([]Trade, error)
}

// Evaluator computes rolling performance from a TradeSource.
type Evaluator struct {
	source  TradeSource
	windows Windows
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[Window]Snapshot
}

// NewEvaluator creates an Evaluator. Snapshots younger than ttl are served
// from cache; ttl <= 0 disables caching.
func NewEvaluator(source TradeSource, windows Windows, ttl time.Duration) *Evaluator {
	def := DefaultWindows()
	if windows.Short <= 0 {
		windows.Short = def.Short
	}
	if windows.Medium <= 0 {
		windows.Medium = def.Medium
	}
	if windows.Long <= 0 {
		windows.Long = def.Long
	}
	return &Evaluator{
		source:  source,
		windows: windows,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[Window]Snapshot),
	}
}

// Evaluate returns the snapshot for a window.
func (e *Evaluator) Evaluate(ctx context.Context, win Window) (Snapshot, error) {
	lookback, err := e.windows.Lookback(win)
	if err != nil {
		return Snapshot{}, err
	}
	now := e.now()

	e.mu.Lock()
	if cached, ok := e.cache[win]; ok && e.ttl > 0 && now.Sub(cached.ComputedAt) < e.ttl {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	trades, err := e.source.ClosedTrades(ctx, now.Add(-lookback))
	if err != nil {
		return Snapshot{}, fmt.Errorf("performance: load trades: %w", err)
	}
	m := Compute(trades)
	snap := Snapshot{
		Window:      win,
		WinRate:     m.WinRate,
		TotalPnL:    m.TotalPnL,
		SharpeLike:  m.SharpeLike,
		MaxDrawdown: m.MaxDrawdown,
		TradeCount:  m.TradeCount,
		ComputedAt:  now,
	}

	e.mu.Lock()
	e.cache[win] = snap
	e.mu.Unlock()
	return snap, nil
}

// Invalidate drops cached snapshots, e.g. after a trade closes.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[Window]Snapshot)
}

// Bucket is one confidence calibration bucket.
type Bucket struct {
	Label      string  `json:"label"`
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	TotalPnL   float64 `json:"total_pnl"`
}

// StrategyStats is the per-strategy breakdown.
type StrategyStats struct {
	StrategyID string  `json:"strategy_id"`
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	TotalPnL   float64 `json:"total_pnl"`
}

// Report is the full performance picture used by the operator surface.
type Report struct {
	Windows     []Snapshot      `json:"windows"`
	Calibration []Bucket        `json:"calibration"`
	Strategies  []StrategyStats `json:"strategies"`
	Metrics     Metrics         `json:"metrics"`
}

// Report evaluates every window and breaks the long window down by
// confidence bucket and strategy.
func (e *Evaluator) Report(ctx context.Context) (Report, error) {
	var r Report
	for _, w := range []Window{Short, Medium, Long} {
		snap, err := e.Evaluate(ctx, w)
		if err != nil {
			return Report{}, err
		}
		r.Windows = append(r.Windows, snap)
	}
	trades, err := e.source.ClosedTrades(ctx, e.now().Add(-e.windows.Long))
	if err != nil {
		return Report{}, fmt.Errorf("performance: load trades: %w", err)
	}
	r.Metrics = Compute(trades)
	r.Calibration = Calibrate(trades)
	r.Strategies = ByStrategy(trades)
	return r, nil
}

// Calibrate groups trades into high (>=0.8), medium (0.6-0.8) and low (<0.6)
// confidence buckets.
func Calibrate(trades []Trade) []Bucket {
	buckets := []Bucket{{Label: "high"}, {Label: "medium"}, {Label: "low"}}
	wins := make([]int, 3)
	for _, t := range trades {
		i := 2
		switch {
		case t.Confidence >= 0.8:
			i = 0
		case t.Confidence >= 0.6:
			i = 1
		}
		buckets[i].TradeCount++
		buckets[i].TotalPnL += t.PnL
		if t.PnL > 0 {
			wins[i]++
		}
	}
	for i := range buckets {
		if buckets[i].TradeCount > 0 {
			buckets[i].WinRate = float64(wins[i]) / float64(buckets[i].TradeCount)
		}
	}
	return buckets
}

// ByStrategy aggregates trades per strategy id, sorted by id.
func ByStrategy(trades []Trade) []StrategyStats {
	groups := make(map[string][]Trade)
	for _, t := range trades {
		groups[t.StrategyID] = append(groups[t.StrategyID], t)
	}
	out := make([]StrategyStats, 0, len(groups))
	for id, ts := range groups {
		m := Compute(ts)
		out = append(out, StrategyStats{StrategyID: id, TradeCount: m.TradeCount, WinRate: m.WinRate, TotalPnL: m.TotalPnL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// StaticSource serves a fixed trade list. Useful for tests and the backtest CLI.
type StaticSource []Trade

func (s StaticSource) ClosedTrades(_ context.Context, since time.Time) ([]Trade, error) {
	var out []Trade
	for _, t := range s {
		if !t.ClosedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}
