package telegramtmpl

import (
	"fmt"
	"strings"

	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
)

// DailyAdviceInput describes inputs for generating daily actions and risk hints.
type DailyAdviceInput struct {
	CanTrade         bool
	DailyPnL         float64
	DailyLossLimit   float64 // positive currency amount
	TradesToday      int
	MaxTradesPerDay  int
	PendingApprovals int
	Expired          int
	Threshold        float64
	ShortWinRate     float64
	ShortTrades      int
}

// BuildDailyActions generates prioritized daily actions shared by API and app paths.
func BuildDailyActions(in DailyAdviceInput) []string {
	actions := make([]string, 0, 4)
	if !in.CanTrade {
		actions = append(actions, "Resume trading once risk blockers are reviewed.")
	}
	if in.PendingApprovals > 0 {
		actions = append(actions, fmt.Sprintf("Resolve %d pending approval(s) before they expire.", in.PendingApprovals))
	}
	if in.Expired > 0 {
		actions = append(actions, fmt.Sprintf("%d approval(s) expired unanswered; review the threshold of %.2f.", in.Expired, in.Threshold))
	}
	if in.ShortTrades < 10 {
		actions = append(actions, "Collect at least 10 closed trades before evolution adjusts the threshold.")
	}
	if len(actions) == 0 {
		actions = append(actions, "Keep current threshold and monitor drift.")
	}
	if len(actions) > 3 {
		actions = actions[:3]
	}
	return actions
}

// LossUsagePct is the share of the daily loss limit already used.
func LossUsagePct(dailyPnL, limit float64) float64 {
	if limit <= 0 || dailyPnL >= 0 {
		return 0
	}
	return -dailyPnL / limit * 100
}

// BuildRiskHints generates risk hints shared by API and app template paths.
func BuildRiskHints(in DailyAdviceInput) []string {
	hints := make([]string, 0, 4)
	if !in.CanTrade {
		hints = append(hints, "PAUSED: new trades are denied.")
	}
	if usage := LossUsagePct(in.DailyPnL, in.DailyLossLimit); usage >= 80 {
		hints = append(hints, fmt.Sprintf("Daily loss usage is high (%.1f%%).", usage))
	}
	if in.MaxTradesPerDay > 0 && in.TradesToday >= in.MaxTradesPerDay {
		hints = append(hints, fmt.Sprintf("Trade count limit reached (%d/%d).", in.TradesToday, in.MaxTradesPerDay))
	}
	if in.ShortTrades >= 10 && in.ShortWinRate < 0.4 {
		hints = append(hints, fmt.Sprintf("Short-window win rate is low (%.0f%%).", in.ShortWinRate*100))
	}
	return hints
}

// BuildWeeklyHighlightsWarnings generates weekly review highlights and warnings.
func BuildWeeklyHighlightsWarnings(r performance.Report) (highlights []string, warnings []string) {
	highlights = make([]string, 0, 3)
	warnings = make([]string, 0, 3)
	if r.Metrics.TotalPnL > 0 {
		highlights = append(highlights, fmt.Sprintf("Net PnL positive at %.2f.", r.Metrics.TotalPnL))
	} else if r.Metrics.TradeCount > 0 {
		warnings = append(warnings, fmt.Sprintf("Net PnL is non-positive at %.2f.", r.Metrics.TotalPnL))
	}
	var best performance.StrategyStats
	for _, s := range r.Strategies {
		if s.TotalPnL > best.TotalPnL {
			best = s
		}
	}
	if strings.TrimSpace(best.StrategyID) != "" {
		highlights = append(highlights, fmt.Sprintf("Best strategy: %s (PnL %.2f).", best.StrategyID, best.TotalPnL))
	}
	// Calibration is off when high-confidence trades win less than low ones.
	if len(r.Calibration) == 3 {
		high, low := r.Calibration[0], r.Calibration[2]
		if high.TradeCount >= 5 && low.TradeCount >= 5 && high.WinRate < low.WinRate {
			warnings = append(warnings, fmt.Sprintf("Confidence is miscalibrated: high %.0f%% vs low %.0f%% win rate.", high.WinRate*100, low.WinRate*100))
		}
	}
	return highlights, warnings
}
