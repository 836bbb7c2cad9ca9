package strategy

import (
	"fmt"
	"math"

	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
)

type MomentumConfig struct {
	Lookback      int     // bars in the range, excluding the current one
	AllocationPct float64 // share of cash spent per buy, 0-1
	BaseConf      float64 // confidence when the close just touches the range
	ConfPerPct    float64 // confidence added per 1% break beyond the range
}

func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{Lookback: 5, AllocationPct: 0.10, BaseConf: 0.6, ConfPerPct: 0.4}
}

// Momentum buys at the low of the previous Lookback closes and sells the
// whole position at their high. It exists to exercise the simulator, not to
// make money.
type Momentum struct {
	cfg MomentumConfig
}

func NewMomentum(cfg MomentumConfig) *Momentum {
	def := DefaultMomentumConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.AllocationPct <= 0 || cfg.AllocationPct > 1 {
		cfg.AllocationPct = def.AllocationPct
	}
	if cfg.BaseConf <= 0 {
		cfg.BaseConf = def.BaseConf
	}
	if cfg.ConfPerPct <= 0 {
		cfg.ConfPerPct = def.ConfPerPct
	}
	return &Momentum{cfg: cfg}
}

func (m *Momentum) ID() string { return fmt.Sprintf("momentum-%d", m.cfg.Lookback) }

func (m *Momentum) Decide(v backtest.View) backtest.Signal {
	h := v.History
	if len(h) <= m.cfg.Lookback {
		return backtest.Signal{Action: backtest.Hold}
	}
	last := h[len(h)-1].Close
	low, high := math.Inf(1), math.Inf(-1)
	for _, b := range h[len(h)-1-m.cfg.Lookback : len(h)-1] {
		low = math.Min(low, b.Close)
		high = math.Max(high, b.Close)
	}

	switch {
	case last <= low && v.Position == 0:
		qty := int64(math.Floor(v.Cash * m.cfg.AllocationPct / last))
		if qty <= 0 {
			return backtest.Signal{Action: backtest.Hold}
		}
		return backtest.Signal{
			Action:     backtest.Buy,
			Quantity:   qty,
			Confidence: m.confidence((low - last) / low),
			Reason:     fmt.Sprintf("close %.2f at %d-bar low %.2f", last, m.cfg.Lookback, low),
		}
	case last >= high && v.Position > 0:
		return backtest.Signal{
			Action:     backtest.Sell,
			Quantity:   v.Position,
			Confidence: m.confidence((last - high) / high),
			Reason:     fmt.Sprintf("close %.2f at %d-bar high %.2f", last, m.cfg.Lookback, high),
		}
	}
	return backtest.Signal{Action: backtest.Hold}
}

func (m *Momentum) confidence(breakFrac float64) float64 {
	c := m.cfg.BaseConf + breakFrac*100*m.cfg.ConfPerPct
	return math.Min(0.99, math.Max(0, c))
}

// BuyAndHold buys with all cash on the first bar and never sells. It is the
// baseline every backtest report can be compared against.
type BuyAndHold struct{}

func (BuyAndHold) ID() string { return "buy-and-hold" }

func (BuyAndHold) Decide(v backtest.View) backtest.Signal {
	if len(v.History) != 1 || v.Position != 0 {
		return backtest.Signal{Action: backtest.Hold}
	}
	qty := int64(math.Floor(v.Cash / v.History[0].Close))
	return backtest.Signal{Action: backtest.Buy, Quantity: qty, Confidence: 1, Reason: "baseline"}
}

// Lookup returns a built-in strategy by name.
func Lookup(name string) (backtest.Strategy, bool) {
	switch name {
	case "", "momentum":
		return NewMomentum(DefaultMomentumConfig()), true
	case "buy-and-hold", "buy_and_hold":
		return BuyAndHold{}, true
	}
	return nil, false
}
