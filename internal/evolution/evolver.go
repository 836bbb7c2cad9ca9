// Package evolution adjusts the auto-trade threshold from observed
// performance, validating every proposal by backtest before committing it.
package evolution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
)

type Config struct {
	MinTrades   int     `yaml:"min_trades"`
	Margin      float64 `yaml:"margin"`
	MaxDrawdown float64 `yaml:"max_drawdown"` // currency units over the short window
	Step        float64 `yaml:"step"`
	Floor       float64 `yaml:"floor"`
	Ceiling     float64 `yaml:"ceiling"`
}

func DefaultConfig() Config {
	return Config{
		MinTrades:   10,
		Margin:      0.05,
		MaxDrawdown: 5000,
		Step:        0.05,
		Floor:       0.75,
		Ceiling:     0.98,
	}
}

type Verdict string

const (
	Applied   Verdict = "applied"
	Rejected  Verdict = "rejected"
	Skipped   Verdict = "skipped"
	Unchanged Verdict = "unchanged"
)

type Direction string

const (
	Raise  Direction = "raise"
	Lower  Direction = "lower"
	Revert Direction = "revert"
)

// Change is one evolution decision, applied or not.
type Change struct {
	Key        string               `json:"key"`
	Direction  Direction            `json:"direction,omitempty"`
	From       float64              `json:"from"`
	To         float64              `json:"to"`
	Verdict    Verdict              `json:"verdict"`
	Rejected   string               `json:"rejected_by,omitempty"` // "backtest" or "store"
	Reason     string               `json:"reason"`
	Short      performance.Snapshot `json:"short"`
	Long       performance.Snapshot `json:"long"`
	Comparison *Comparison          `json:"comparison,omitempty"`
	At         time.Time            `json:"at"`
}

func (c Change) Applied() bool { return c.Verdict == Applied }

// ParamStore is the subset of params.Store used here.
type ParamStore interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
	History(ctx context.Context, key string, limit int) ([]params.Parameter, error)
	Set(ctx context.Context, key string, value float64, by params.Source, reason string) (params.Parameter, error)
}

type PerformanceSource interface {
	Evaluate(ctx context.Context, win performance.Window) (performance.Snapshot, error)
}

// Recorder persists changes for audit.
type Recorder interface {
	RecordEvolution(ctx context.Context, c Change) error
}

type Evolver struct {
	cfg       Config
	store     ParamStore
	perf      PerformanceSource
	validator Validator
	recorder  Recorder
	now       func() time.Time
	log       *logrus.Entry

	mu sync.Mutex // one cycle at a time
}

// New creates an Evolver. recorder may be nil.
func New(cfg Config, store ParamStore, perf PerformanceSource, validator Validator, recorder Recorder) *Evolver {
	def := DefaultConfig()
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.Floor <= 0 {
		cfg.Floor = def.Floor
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	return &Evolver{
		cfg:       cfg,
		store:     store,
		perf:      perf,
		validator: validator,
		recorder:  recorder,
		now:       time.Now,
		log:       logging.For("evolution"),
	}
}

// RunCycle compares recent and long-run performance and, when warranted,
// proposes a new auto-trade threshold. A proposal is only committed when it
// does not backtest worse than the current parameters.
func (e *Evolver) RunCycle(ctx context.Context) ([]Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	short, err := e.perf.Evaluate(ctx, performance.Short)
	if err != nil {
		return nil, fmt.Errorf("evolution: short window: %w", err)
	}
	long, err := e.perf.Evaluate(ctx, performance.Long)
	if err != nil {
		return nil, fmt.Errorf("evolution: long window: %w", err)
	}
	current, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("evolution: snapshot: %w", err)
	}

	key := params.AutoTradeThreshold
	from := current.Get(key)
	c := Change{Key: key, From: from, To: from, Short: short, Long: long, At: e.now()}

	if short.TradeCount < e.cfg.MinTrades {
		c.Verdict = Skipped
		c.Reason = fmt.Sprintf("only %d trades in short window, need %d", short.TradeCount, e.cfg.MinTrades)
		return e.finish(ctx, c), nil
	}

	drawdownBreached := e.cfg.MaxDrawdown > 0 && short.MaxDrawdown > e.cfg.MaxDrawdown
	degraded := drawdownBreached || short.WinRate < long.WinRate-e.cfg.Margin
	improved := !drawdownBreached && short.WinRate >= long.WinRate+e.cfg.Margin

	switch {
	case degraded:
		if prev, ok := e.lastEvolutionLowering(ctx, key); ok {
			c.Direction, c.To = Revert, prev
			c.Reason = fmt.Sprintf("performance degraded; reverting last evolution to %.2f", prev)
		} else {
			c.Direction, c.To = Raise, round(math.Min(e.cfg.Ceiling, from+e.cfg.Step))
			c.Reason = "performance degraded; raising threshold"
		}
		if drawdownBreached {
			c.Reason += fmt.Sprintf(" (drawdown %.2f > %.2f)", short.MaxDrawdown, e.cfg.MaxDrawdown)
		} else {
			c.Reason += fmt.Sprintf(" (win rate %.0f%% vs %.0f%%)", short.WinRate*100, long.WinRate*100)
		}
	case improved:
		c.Direction, c.To = Lower, round(math.Max(e.cfg.Floor, from-e.cfg.Step))
		c.Reason = fmt.Sprintf("performance improved (win rate %.0f%% vs %.0f%%); lowering threshold", short.WinRate*100, long.WinRate*100)
	default:
		c.Verdict = Unchanged
		c.Reason = "performance within margin"
		return e.finish(ctx, c), nil
	}

	if math.Abs(c.To-from) < 1e-9 {
		c.Verdict = Unchanged
		c.Reason += fmt.Sprintf("; already at %.2f", from)
		return e.finish(ctx, c), nil
	}

	if e.validator == nil {
		c.Verdict, c.Rejected = Rejected, "backtest"
		c.Reason += "; no backtest validator"
		return e.finish(ctx, c), nil
	}
	cmp, err := e.validator.Compare(ctx, current, current.With(key, c.To))
	if err != nil {
		c.Verdict, c.Rejected = Rejected, "backtest"
		c.Reason += "; backtest failed: " + err.Error()
		return e.finish(ctx, c), nil
	}
	c.Comparison = &cmp
	if cmp.Worse() {
		c.Verdict, c.Rejected = Rejected, "backtest"
		c.Reason += "; proposal backtests worse"
		return e.finish(ctx, c), nil
	}

	if _, err := e.store.Set(ctx, key, c.To, params.SourceEvolution, c.Reason); err != nil {
		c.Verdict, c.Rejected = Rejected, "store"
		c.Reason += "; " + err.Error()
		return e.finish(ctx, c), nil
	}
	c.Verdict = Applied
	return e.finish(ctx, c), nil
}

// lastEvolutionLowering returns the value before the most recent threshold
// change when that change was an evolution that lowered it.
func (e *Evolver) lastEvolutionLowering(ctx context.Context, key string) (float64, bool) {
	h, err := e.store.History(ctx, key, 1)
	if err != nil {
		e.log.WithError(err).Warn("parameter history unavailable")
		return 0, false
	}
	if len(h) == 0 {
		return 0, false
	}
	last := h[0]
	if last.UpdatedBy == params.SourceEvolution && last.Value < last.PreviousValue {
		return last.PreviousValue, true
	}
	return 0, false
}

func (e *Evolver) finish(ctx context.Context, c Change) []Change {
	fields := logrus.Fields{
		"key":       c.Key,
		"from":      c.From,
		"to":        c.To,
		"verdict":   c.Verdict,
		"direction": c.Direction,
		"short_win": c.Short.WinRate,
		"long_win":  c.Long.WinRate,
	}
	if c.Comparison != nil {
		fields["current_pnl"] = c.Comparison.Current.PnL
		fields["current_drawdown"] = c.Comparison.Current.MaxDrawdown
		fields["proposed_pnl"] = c.Comparison.Proposed.PnL
		fields["proposed_drawdown"] = c.Comparison.Proposed.MaxDrawdown
	}
	log := e.log.WithFields(fields)
	if c.Verdict == Rejected {
		log.WithField("rejected_by", c.Rejected).Warn(c.Reason)
	} else {
		log.Info(c.Reason)
	}
	if e.recorder != nil {
		if err := e.recorder.RecordEvolution(ctx, c); err != nil {
			e.log.WithError(err).Warn("evolution audit failed")
		}
	}
	return []Change{c}
}

func round(v float64) float64 { return math.Round(v*10000) / 10000 }
