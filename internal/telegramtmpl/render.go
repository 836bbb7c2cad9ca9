package telegramtmpl

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
)

// ApprovalData describes an approval request message.
type ApprovalData struct {
	Token            string
	Symbol           string
	Side             string
	Quantity         int64
	Confidence       float64
	Threshold        float64
	StrategyID       string
	Rationale        string
	WinRate          float64
	TotalPnL         float64
	Trades           int
	ExpiresIn        time.Duration
	ForceCommand     string
	ThresholdCommand string
}

// BuildApprovalData normalizes an approval request into a renderable payload.
func BuildApprovalData(req approval.Request) ApprovalData {
	p := req.Pending
	return ApprovalData{
		Token:            p.ID,
		Symbol:           strings.ToUpper(strings.TrimSpace(p.Intent.Symbol)),
		Side:             strings.ToUpper(string(p.Intent.Side)),
		Quantity:         p.Intent.Quantity,
		Confidence:       p.Intent.Confidence,
		Threshold:        p.Threshold,
		StrategyID:       strings.TrimSpace(p.Intent.StrategyID),
		Rationale:        strings.TrimSpace(p.Intent.Rationale),
		WinRate:          req.Performance.WinRate,
		TotalPnL:         req.Performance.TotalPnL,
		Trades:           req.Performance.TradeCount,
		ExpiresIn:        p.ExpiresAt.Sub(p.CreatedAt),
		ForceCommand:     req.ForceCommand,
		ThresholdCommand: req.ThresholdCommand,
	}
}

// RenderApprovalHTML renders an approval request in HTML parse mode.
func RenderApprovalHTML(d ApprovalData) string {
	var b strings.Builder
	b.WriteString("<b>Trade Approval Required</b>\n")
	b.WriteString(fmt.Sprintf("%s %d <code>%s</code>\n", d.Side, d.Quantity, html.EscapeString(d.Symbol)))
	b.WriteString(fmt.Sprintf("Confidence: %.2f (threshold %.2f)\n", d.Confidence, d.Threshold))
	if d.StrategyID != "" {
		b.WriteString("Strategy: " + html.EscapeString(d.StrategyID) + "\n")
	}
	if d.Rationale != "" {
		b.WriteString("Rationale: " + html.EscapeString(d.Rationale) + "\n")
	}
	b.WriteString(fmt.Sprintf("Recent: win rate %.1f%%, PnL %.2f over %d trades\n", d.WinRate*100, d.TotalPnL, d.Trades))
	if d.ExpiresIn > 0 {
		b.WriteString(fmt.Sprintf("Expires in: %s\n", d.ExpiresIn))
	}
	b.WriteString(fmt.Sprintf("Token: <code>%s</code>\n", d.Token))
	b.WriteString("\n<b>Options</b>\n")
	b.WriteString("- Approve: POST /api/approvals/" + d.Token + "/approve\n")
	b.WriteString("- Deny: POST /api/approvals/" + d.Token + "/deny\n")
	if d.ForceCommand != "" {
		b.WriteString("- Force: <code>" + html.EscapeString(d.ForceCommand) + "</code>\n")
	}
	if d.ThresholdCommand != "" {
		b.WriteString("- Lower threshold: <code>" + html.EscapeString(d.ThresholdCommand) + "</code>\n")
	}
	return strings.TrimSpace(b.String())
}

// RenderResolutionHTML renders the terminal state of an approval.
func RenderResolutionHTML(p approval.Pending) string {
	title := "Approval " + strings.ToUpper(string(p.Status))
	var b strings.Builder
	b.WriteString("<b>" + title + "</b>\n")
	b.WriteString(fmt.Sprintf("%s %d <code>%s</code>\n", strings.ToUpper(string(p.Intent.Side)), p.Intent.Quantity, html.EscapeString(p.Intent.Symbol)))
	b.WriteString("Reason: " + html.EscapeString(p.Reason) + "\n")
	if p.ResolvedBy != "" {
		b.WriteString("By: " + html.EscapeString(p.ResolvedBy) + "\n")
	}
	if p.Note != "" {
		b.WriteString("Note: " + html.EscapeString(p.Note) + "\n")
	}
	b.WriteString(fmt.Sprintf("Token: <code>%s</code>", p.ID))
	return b.String()
}

// ExecutionData describes an order placed after a decision.
type ExecutionData struct {
	Symbol   string
	Side     string
	Quantity float64
	Price    float64
	OrderID  string
	Mode     string
	Reason   string
}

// RenderExecutionHTML renders an executed order.
func RenderExecutionHTML(d ExecutionData) string {
	var b strings.Builder
	b.WriteString("<b>Trade Executed</b>\n")
	if d.Mode != "" {
		b.WriteString("Mode: " + strings.ToUpper(d.Mode) + "\n")
	}
	b.WriteString(fmt.Sprintf("%s %.0f <code>%s</code> @ %.2f\n", strings.ToUpper(d.Side), d.Quantity, html.EscapeString(d.Symbol), d.Price))
	if d.OrderID != "" {
		b.WriteString(fmt.Sprintf("Order: <code>%s</code>\n", html.EscapeString(d.OrderID)))
	}
	if d.Reason != "" {
		b.WriteString("Reason: " + html.EscapeString(d.Reason) + "\n")
	}
	return strings.TrimSpace(b.String())
}

// RenderEvolutionHTML renders the result of one evolution cycle.
func RenderEvolutionHTML(changes []evolution.Change, cycleErr error) string {
	var b strings.Builder
	b.WriteString("<b>Parameter Evolution</b>\n")
	if cycleErr != nil {
		b.WriteString("Cycle failed: " + html.EscapeString(cycleErr.Error()))
		return b.String()
	}
	if len(changes) == 0 {
		b.WriteString("No changes proposed.")
		return b.String()
	}
	for _, c := range changes {
		b.WriteString(fmt.Sprintf("\n<code>%s</code>: %.2f -> %.2f [%s]\n", c.Key, c.From, c.To, strings.ToUpper(string(c.Verdict))))
		b.WriteString(fmt.Sprintf("Short win rate %.1f%% (%d trades), long %.1f%%\n", c.Short.WinRate*100, c.Short.TradeCount, c.Long.WinRate*100))
		if c.Comparison != nil {
			b.WriteString(fmt.Sprintf("Backtest PnL: current %.2f, proposed %.2f\n", c.Comparison.Current.PnL, c.Comparison.Proposed.PnL))
			b.WriteString(fmt.Sprintf("Backtest drawdown: current %.2f, proposed %.2f\n", c.Comparison.Current.MaxDrawdown, c.Comparison.Proposed.MaxDrawdown))
		}
		b.WriteString("Reason: " + html.EscapeString(c.Reason) + "\n")
	}
	return strings.TrimSpace(b.String())
}

// DailyData describes the end-of-day summary message.
type DailyData struct {
	Mode        string
	Status      string
	Date        string
	DailyPnL    float64
	TradesToday int
	Decisions   map[string]int
	Threshold   float64
	Actions     []string
	RiskHints   []string
}

// BuildDailyData normalizes daily summary inputs.
func BuildDailyData(mode string, canTrade bool, day time.Time, dailyPnL float64, tradesToday int, decisions map[string]int, threshold float64, actions, riskHints []string) DailyData {
	status := "ACTIVE"
	if !canTrade {
		status = "PAUSED"
	}
	if len(actions) > 3 {
		actions = actions[:3]
	}
	return DailyData{
		Mode:        strings.ToUpper(strings.TrimSpace(mode)),
		Status:      status,
		Date:        day.Format("2006-01-02"),
		DailyPnL:    dailyPnL,
		TradesToday: tradesToday,
		Decisions:   decisions,
		Threshold:   threshold,
		Actions:     actions,
		RiskHints:   riskHints,
	}
}

// RenderDailyHTML renders the daily summary in HTML parse mode.
func RenderDailyHTML(d DailyData) string {
	var b strings.Builder
	b.WriteString("<b>Daily Trading Summary</b>\n")
	b.WriteString(fmt.Sprintf("Date: %s\nMode: %s\nStatus: %s\n", d.Date, d.Mode, d.Status))
	b.WriteString(fmt.Sprintf("PnL: %.2f\nTrades: %d\nThreshold: %.2f\n", d.DailyPnL, d.TradesToday, d.Threshold))
	if len(d.Decisions) > 0 {
		b.WriteString("\n<b>Decisions</b>\n")
		for _, k := range []string{"auto_execute", "pending_approval", "denied", "approved", "expired"} {
			if n, ok := d.Decisions[k]; ok {
				b.WriteString(fmt.Sprintf("- %s: %d\n", k, n))
			}
		}
	}
	if len(d.Actions) > 0 {
		b.WriteString("\n<b>Next Actions</b>\n")
		for _, a := range d.Actions {
			b.WriteString("- " + a + "\n")
		}
	}
	if len(d.RiskHints) > 0 {
		b.WriteString("\n<b>Risk Hints</b>\n")
		for _, h := range d.RiskHints {
			b.WriteString("- " + h + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// WeeklyData describes the weekly performance review.
type WeeklyData struct {
	Mode       string
	Windows    []performance.Snapshot
	Buckets    []performance.Bucket
	Strategies []performance.StrategyStats
	Highlights []string
	Warnings   []string
}

// BuildWeeklyData normalizes a performance report into a review payload.
func BuildWeeklyData(mode string, r performance.Report, highlights, warnings []string) WeeklyData {
	return WeeklyData{
		Mode:       strings.ToUpper(strings.TrimSpace(mode)),
		Windows:    r.Windows,
		Buckets:    r.Calibration,
		Strategies: r.Strategies,
		Highlights: highlights,
		Warnings:   warnings,
	}
}

// RenderWeeklyHTML renders the weekly review in HTML parse mode.
func RenderWeeklyHTML(w WeeklyData) string {
	var b strings.Builder
	b.WriteString("<b>Weekly Performance Review</b>\n")
	if w.Mode != "" {
		b.WriteString(fmt.Sprintf("Mode: %s\n", w.Mode))
	}
	for _, s := range w.Windows {
		b.WriteString(fmt.Sprintf("%s: win %.1f%%, PnL %.2f, sharpe %.2f, dd %.2f (%d trades)\n",
			s.Window, s.WinRate*100, s.TotalPnL, s.SharpeLike, s.MaxDrawdown, s.TradeCount))
	}
	if len(w.Buckets) > 0 {
		b.WriteString("\n<b>Calibration</b>\n")
		for _, k := range w.Buckets {
			b.WriteString(fmt.Sprintf("- %s: win %.1f%% over %d\n", k.Label, k.WinRate*100, k.TradeCount))
		}
	}
	if len(w.Strategies) > 0 {
		b.WriteString("\n<b>Strategies</b>\n")
		for _, s := range w.Strategies {
			b.WriteString(fmt.Sprintf("- %s: win %.1f%%, PnL %.2f (%d)\n", html.EscapeString(s.StrategyID), s.WinRate*100, s.TotalPnL, s.TradeCount))
		}
	}
	if len(w.Highlights) > 0 {
		b.WriteString("\n<b>Highlights</b>\n")
		for _, h := range w.Highlights {
			b.WriteString("- " + h + "\n")
		}
	}
	if len(w.Warnings) > 0 {
		b.WriteString("\n<b>Warnings</b>\n")
		for _, warn := range w.Warnings {
			b.WriteString("- " + warn + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}
