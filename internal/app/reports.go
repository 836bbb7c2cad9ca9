package app

import (
	"context"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
	"github.com/GoPolymarket/trade-gatekeeper/internal/telegramtmpl"
)

// rollDay closes the trading day: summary first, then the counter reset.
// The weekly review goes out when Saturday starts.
func (a *App) rollDay(ctx context.Context) {
	now := a.now()
	st := a.risk.State()
	day := a.kpi.rollover(now)

	if a.telegram != nil {
		if err := a.telegram.NotifyDailySummary(ctx, a.dailySummary(ctx, st, day)); err != nil {
			a.log.WithError(err).Warn("daily summary failed")
		}
	}
	a.risk.ResetDaily(now)
	a.log.WithField("day", day.DayStart.Format("2006-01-02")).Info("daily risk counters reset")

	if now.In(a.session.Location()).Weekday() == time.Saturday && a.telegram != nil {
		msg, err := a.weeklyReview(ctx)
		if err != nil {
			a.log.WithError(err).Warn("weekly review unavailable")
			return
		}
		if err := a.telegram.NotifyWeeklyReview(ctx, msg); err != nil {
			a.log.WithError(err).Warn("weekly review failed")
		}
	}
}

func (a *App) dailySummary(ctx context.Context, st risk.State, k KPISnapshot) string {
	var threshold, lossPct, maxTrades float64
	if snap, err := a.params.Snapshot(ctx); err == nil {
		threshold = snap.Get(params.AutoTradeThreshold)
		lossPct = snap.Get(params.DailyLossLimitPct)
		maxTrades = snap.Get(params.MaxTradesPerDay)
	}
	var short performance.Snapshot
	if s, err := a.perf.Evaluate(ctx, performance.Short); err == nil {
		short = s
	}
	pending := 0
	if waiting, err := a.broker.Waiting(ctx); err == nil {
		pending = len(waiting)
	}

	in := telegramtmpl.DailyAdviceInput{
		CanTrade:         !st.Paused,
		DailyPnL:         st.DailyPnL,
		DailyLossLimit:   st.Equity * lossPct / 100,
		TradesToday:      st.TradesToday,
		MaxTradesPerDay:  int(maxTrades),
		PendingApprovals: pending,
		Expired:          k.Approvals[string(approval.StatusExpired)],
		Threshold:        threshold,
		ShortWinRate:     short.WinRate,
		ShortTrades:      short.TradeCount,
	}
	decisions := make(map[string]int, len(k.Decisions)+2)
	for o, n := range k.Decisions {
		decisions[o] = n
	}
	for _, s := range []approval.Status{approval.StatusApproved, approval.StatusExpired} {
		if n := k.Approvals[string(s)]; n > 0 {
			decisions[string(s)] = n
		}
	}
	data := telegramtmpl.BuildDailyData(a.mode, !st.Paused, k.DayStart, st.DailyPnL, st.TradesToday,
		decisions, threshold, telegramtmpl.BuildDailyActions(in), telegramtmpl.BuildRiskHints(in))
	return telegramtmpl.RenderDailyHTML(data)
}

func (a *App) weeklyReview(ctx context.Context) (string, error) {
	r, err := a.perf.Report(ctx)
	if err != nil {
		return "", err
	}
	highlights, warnings := telegramtmpl.BuildWeeklyHighlightsWarnings(r)
	return telegramtmpl.RenderWeeklyHTML(telegramtmpl.BuildWeeklyData(a.mode, r, highlights, warnings)), nil
}
