package telegramtmpl

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

func TestRenderApprovalHTML(t *testing.T) {
	now := time.Now()
	req := approval.Request{
		Pending: approval.Pending{
			ID:        "tok-123",
			Intent:    trade.Intent{Symbol: "aapl", Side: trade.Buy, Quantity: 10, Confidence: 0.7, Rationale: "dip <buy>"},
			Threshold: 0.95,
			CreatedAt: now,
			ExpiresAt: now.Add(5 * time.Minute),
		},
		Performance:      performance.Snapshot{WinRate: 0.55, TotalPnL: 321.5, TradeCount: 12},
		ForceCommand:     "/test-trade AAPL BUY 10 --force",
		ThresholdCommand: "/update-threshold 0.70",
	}
	msg := RenderApprovalHTML(BuildApprovalData(req))

	assert.Contains(t, msg, "Trade Approval Required")
	assert.Contains(t, msg, "BUY 10 <code>AAPL</code>")
	assert.Contains(t, msg, "Confidence: 0.70 (threshold 0.95)")
	assert.Contains(t, msg, "win rate 55.0%, PnL 321.50 over 12 trades")
	assert.Contains(t, msg, "Expires in: 5m0s")
	assert.Contains(t, msg, "<code>/test-trade AAPL BUY 10 --force</code>")
	assert.Contains(t, msg, "<code>/update-threshold 0.70</code>")
	assert.Contains(t, msg, "tok-123")
	assert.Contains(t, msg, "dip &lt;buy&gt;")
}

func TestRenderResolutionHTML(t *testing.T) {
	msg := RenderResolutionHTML(approval.Pending{
		ID:         "tok-1",
		Intent:     trade.Intent{Symbol: "AAPL", Side: trade.Sell, Quantity: 3},
		Status:     approval.StatusExpired,
		Reason:     "approval expired after 5m0s",
		ResolvedBy: approval.ActorTimeout,
	})
	assert.Contains(t, msg, "Approval EXPIRED")
	assert.Contains(t, msg, "SELL 3")
	assert.Contains(t, msg, "approval expired after 5m0s")
}

func TestRenderEvolutionHTML(t *testing.T) {
	msg := RenderEvolutionHTML([]evolution.Change{{
		Key: "auto_trade_threshold", From: 0.95, To: 0.90, Verdict: evolution.Rejected,
		Reason:     "proposal backtests worse",
		Comparison: &evolution.Comparison{Current: evolution.Outcome{PnL: 10}, Proposed: evolution.Outcome{PnL: -5}},
	}}, nil)
	assert.Contains(t, msg, "0.95 -> 0.90 [REJECTED]")
	assert.Contains(t, msg, "current 10.00, proposed -5.00")

	assert.Contains(t, RenderEvolutionHTML(nil, errors.New("boom")), "Cycle failed: boom")
	assert.Contains(t, RenderEvolutionHTML(nil, nil), "No changes proposed.")
}

func TestRenderExecutionHTML(t *testing.T) {
	msg := RenderExecutionHTML(ExecutionData{Symbol: "AAPL", Side: "buy", Quantity: 10, Price: 101.5, OrderID: "paper-1", Mode: "paper"})
	assert.Contains(t, msg, "Mode: PAPER")
	assert.Contains(t, msg, "BUY 10 <code>AAPL</code> @ 101.50")
}

func TestRenderDailyHTML(t *testing.T) {
	day := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	data := BuildDailyData("paper", false, day, -12.5, 4,
		map[string]int{"auto_execute": 3, "denied": 1},
		0.95,
		[]string{"a", "b", "c", "d"},
		[]string{"Daily loss usage is high"},
	)
	msg := RenderDailyHTML(data)
	assert.Len(t, data.Actions, 3)
	assert.Contains(t, msg, "Daily Trading Summary")
	assert.Contains(t, msg, "Date: 2026-10-15")
	assert.Contains(t, msg, "Status: PAUSED")
	assert.Contains(t, msg, "- auto_execute: 3")
	assert.Contains(t, msg, "Risk Hints")
}

func TestRenderWeeklyHTML(t *testing.T) {
	r := performance.Report{
		Windows:     []performance.Snapshot{{Window: performance.Short, WinRate: 0.5, TradeCount: 4}},
		Calibration: []performance.Bucket{{Label: "high", TradeCount: 2, WinRate: 1}},
		Strategies:  []performance.StrategyStats{{StrategyID: "momentum-5", TradeCount: 4, TotalPnL: 12}},
	}
	msg := RenderWeeklyHTML(BuildWeeklyData("live", r, []string{"Net PnL positive"}, nil))
	assert.Contains(t, msg, "Weekly Performance Review")
	assert.Contains(t, msg, "short: win 50.0%")
	assert.Contains(t, msg, "- high: win 100.0% over 2")
	assert.Contains(t, msg, "momentum-5")
	assert.NotContains(t, msg, "Warnings")
}
