package evolution

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
)

// Outcome summarises one backtest run for comparison.
type Outcome struct {
	PnL         float64 `json:"pnl"`
	ReturnPct   float64 `json:"return_pct"`
	MaxDrawdown float64 `json:"max_drawdown"`
	WinRate     float64 `json:"win_rate"`
	Trades      int     `json:"trades"`
	Skipped     int     `json:"skipped"`
}

// Comparison holds both metric sets for one proposal.
type Comparison struct {
	Current  Outcome   `json:"current"`
	Proposed Outcome   `json:"proposed"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// Worse reports whether the proposal backtests worse than the status quo:
// lower PnL, or equal PnL with a deeper drawdown.
func (c Comparison) Worse() bool {
	const eps = 1e-9
	if c.Proposed.PnL < c.Current.PnL-eps {
		return true
	}
	if c.Proposed.PnL <= c.Current.PnL+eps && c.Proposed.MaxDrawdown > c.Current.MaxDrawdown+eps {
		return true
	}
	return false
}

// Validator compares two parameter sets on the same history.
type Validator interface {
	Compare(ctx context.Context, current, proposed params.Snapshot) (Comparison, error)
}

// HistoryProvider loads daily bars for a symbol.
type HistoryProvider interface {
	Bars(ctx context.Context, symbol string, from, to time.Time) ([]backtest.Bar, error)
}

// StaticHistory serves bars from memory, e.g. loaded from CSV files.
type StaticHistory map[string][]backtest.Bar

func (h StaticHistory) Bars(_ context.Context, symbol string, from, to time.Time) ([]backtest.Bar, error) {
	series, ok := h[symbol]
	if !ok {
		return nil, fmt.Errorf("no history for %s", symbol)
	}
	return backtest.Between(series, from, to), nil
}

// BacktestValidator replays the trailing window for each symbol with both
// parameter sets through the same simulator and strategy.
type BacktestValidator struct {
	Simulator      *backtest.Simulator
	Strategy       backtest.Strategy
	History        HistoryProvider
	Symbols        []string
	Window         time.Duration
	InitialCapital float64
	Cache          *backtest.ResultCache
	Now            func() time.Time
}

func (v *BacktestValidator) Compare(ctx context.Context, current, proposed params.Snapshot) (Comparison, error) {
	if len(v.Symbols) == 0 {
		return Comparison{}, fmt.Errorf("evolution: no backtest symbols configured")
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	// Day-aligned so repeated cycles on the same day hit the cache.
	to := now().UTC().Truncate(24 * time.Hour)
	from := to.Add(-v.Window)
	capital := v.InitialCapital
	if capital <= 0 {
		capital = 100000
	}

	cmp := Comparison{From: from, To: to}
	for _, sym := range v.Symbols {
		series, err := v.History.Bars(ctx, sym, from, to)
		if err != nil {
			return Comparison{}, fmt.Errorf("evolution: history %s: %w", sym, err)
		}
		if len(series) == 0 {
			return Comparison{}, fmt.Errorf("evolution: empty history for %s", sym)
		}
		cur, err := v.run(sym, series, capital, current)
		if err != nil {
			return Comparison{}, err
		}
		prop, err := v.run(sym, series, capital, proposed)
		if err != nil {
			return Comparison{}, err
		}
		cmp.Current = add(cmp.Current, cur)
		cmp.Proposed = add(cmp.Proposed, prop)
	}
	n := float64(len(v.Symbols))
	cmp.Current.WinRate /= n
	cmp.Proposed.WinRate /= n
	return cmp, nil
}

func (v *BacktestValidator) run(symbol string, series []backtest.Bar, capital float64, p params.Snapshot) (backtest.Result, error) {
	key := backtest.Key{
		StrategyID: v.Strategy.ID(),
		ParamHash:  backtest.ParamHash(p),
		Symbol:     symbol,
		From:       series[0].Time,
		To:         series[len(series)-1].Time,
	}
	if v.Cache != nil {
		if r, ok := v.Cache.Get(key); ok {
			return r, nil
		}
	}
	r, err := v.Simulator.Run(v.Strategy, series, capital, p)
	if err != nil {
		return backtest.Result{}, fmt.Errorf("evolution: backtest %s: %w", symbol, err)
	}
	r.Key.Symbol = symbol
	if v.Cache != nil {
		v.Cache.Put(r)
	}
	return r, nil
}

func add(o Outcome, r backtest.Result) Outcome {
	o.PnL += r.FinalEquity - r.InitialCapital
	o.ReturnPct += r.TotalReturnPct
	if r.EquityDrawdown > o.MaxDrawdown {
		o.MaxDrawdown = r.EquityDrawdown
	}
	o.WinRate += r.Metrics.WinRate
	o.Trades += r.Metrics.TradeCount
	o.Skipped += r.Skipped
	return o
}
