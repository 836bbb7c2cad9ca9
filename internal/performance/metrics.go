package performance

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Trade is one closed round trip.
type Trade struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	ReturnPct  float64   `json:"return_pct"`
	Confidence float64   `json:"confidence"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Metrics are the aggregate statistics over a set of closed trades.
type Metrics struct {
	TradeCount   int     `json:"trade_count"`
	Wins         int     `json:"wins"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgPnL       float64 `json:"avg_pnl"`
	SharpeLike   float64 `json:"sharpe_like"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	ProfitFactor float64 `json:"profit_factor"`
}

// Compute derives metrics from trades. Trades are ordered by close time
// before the drawdown walk; the input slice is not modified.
func Compute(trades []Trade) Metrics {
	m := Metrics{TradeCount: len(trades)}
	if len(trades) == 0 {
		return m
	}

	ordered := make([]Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ClosedAt.Before(ordered[j].ClosedAt) })

	returns := make([]float64, 0, len(ordered))
	var grossWin, grossLoss float64
	for _, t := range ordered {
		m.TotalPnL += t.PnL
		if t.PnL > 0 {
			m.Wins++
			grossWin += t.PnL
		} else {
			grossLoss -= t.PnL
		}
		returns = append(returns, t.ReturnPct)
	}
	m.WinRate = float64(m.Wins) / float64(len(ordered))
	m.AvgPnL = m.TotalPnL / float64(len(ordered))
	m.SharpeLike = sharpeLike(returns)
	m.MaxDrawdown = maxDrawdown(ordered)
	// Left at zero when there are no losses; JSON cannot encode Inf.
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}
	return m
}

// sharpeLike is mean/stdev of per-trade returns, 0 below two samples.
func sharpeLike(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std
}

// maxDrawdown walks the cumulative PnL curve starting at zero and returns the
// largest peak-to-trough drop as a positive amount.
func maxDrawdown(ordered []Trade) float64 {
	var equity, peak, worst float64
	for _, t := range ordered {
		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > worst {
			worst = dd
		}
	}
	return worst
}

// EquityDrawdown returns the largest peak-to-trough drop of an equity series.
func EquityDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	var worst float64
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > worst {
			worst = dd
		}
	}
	return worst
}
