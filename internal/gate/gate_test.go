package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

func defaultSnapshot() params.Snapshot {
	values := map[string]float64{}
	for _, s := range params.DefaultSpecs() {
		values[s.Key] = s.Default
	}
	return params.NewSnapshot(values, time.Now())
}

func okEnv() Env {
	return Env{
		Risk:        risk.State{Equity: 100000, Positions: map[string]float64{}},
		Price:       100,
		MarketOpen:  true,
		KnownSymbol: true,
	}
}

func intent(conf float64) trade.Intent {
	return trade.Intent{Symbol: "AAPL", Side: trade.Buy, Quantity: 10, Confidence: conf}
}

func TestDecideThresholdBoundaryInclusive(t *testing.T) {
	snap := defaultSnapshot()
	d := Decide(intent(0.95), snap, performance.Snapshot{}, okEnv())
	assert.Equal(t, trade.AutoExecute, d.Outcome)
	assert.Equal(t, 0.95, d.ThresholdUsed)

	d = Decide(intent(0.99), snap, performance.Snapshot{}, okEnv())
	assert.Equal(t, trade.AutoExecute, d.Outcome)

	d = Decide(intent(0.9499), snap, performance.Snapshot{}, okEnv())
	assert.Equal(t, trade.PendingApproval, d.Outcome)
}

func TestDecidePendingRemediation(t *testing.T) {
	perf := performance.Snapshot{Window: performance.Short, WinRate: 0.55, TradeCount: 20}
	d := Decide(intent(0.70), defaultSnapshot(), perf, okEnv())
	require.Equal(t, trade.PendingApproval, d.Outcome)
	assert.Equal(t, []string{"/test-trade AAPL BUY 10 --force", "/update-threshold 0.70"}, d.Remediation)
	assert.Contains(t, d.Reason, "below threshold 0.95")
	assert.Contains(t, d.Reason, "win rate 55%")
}

func TestDecideForceAtZeroConfidence(t *testing.T) {
	in := intent(0.0)
	in.Force = true
	d := Decide(in, defaultSnapshot(), performance.Snapshot{}, okEnv())
	assert.Equal(t, trade.AutoExecute, d.Outcome)
	assert.Equal(t, ReasonForced, d.Reason)
}

func TestDecideForceDoesNotBypassRisk(t *testing.T) {
	in := intent(0.0)
	in.Force = true
	env := okEnv()
	env.Risk.Paused = true
	d := Decide(in, defaultSnapshot(), performance.Snapshot{}, env)
	assert.Equal(t, trade.Denied, d.Outcome)
	assert.Equal(t, trade.ClassRisk, d.Class)
}

func TestDecideMalformed(t *testing.T) {
	cases := map[string]func(*trade.Intent, *Env){
		"zero quantity":     func(i *trade.Intent, _ *Env) { i.Quantity = 0 },
		"negative quantity": func(i *trade.Intent, _ *Env) { i.Quantity = -5 },
		"bad side":          func(i *trade.Intent, _ *Env) { i.Side = "hold" },
		"confidence > 1":    func(i *trade.Intent, _ *Env) { i.Confidence = 1.2 },
		"confidence < 0":    func(i *trade.Intent, _ *Env) { i.Confidence = -0.1 },
		"empty symbol":      func(i *trade.Intent, _ *Env) { i.Symbol = "" },
		"unknown symbol":    func(_ *trade.Intent, e *Env) { e.KnownSymbol = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in, env := intent(0.99), okEnv()
			// Malformed wins over risk.
			env.Risk.Paused = true
			mutate(&in, &env)
			d := Decide(in, defaultSnapshot(), performance.Snapshot{}, env)
			assert.Equal(t, trade.Denied, d.Outcome)
			assert.Equal(t, trade.ClassMalformed, d.Class)
		})
	}
}

func TestDecideRiskBreachesAreDeniedNotEscalated(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Env)
		limit  string
	}{
		{"paused", func(e *Env) { e.Risk.Paused = true }, risk.LimitPaused},
		{"daily loss", func(e *Env) { e.Risk.DailyPnL = -2500 }, risk.LimitDailyLoss},
		{"price unavailable", func(e *Env) { e.Price = 0 }, risk.LimitPriceUnavailable},
		{"position size", func(e *Env) { e.Risk.Positions["AAPL"] = 100 }, risk.LimitPositionSize},
		{"trades per day", func(e *Env) { e.Risk.TradesToday = 20 }, risk.LimitTradesPerDay},
		{"hours", func(e *Env) { e.MarketOpen = false }, risk.LimitTradingHours},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := okEnv()
			tc.mutate(&env)
			// Low confidence would otherwise go to approval.
			d := Decide(intent(0.1), defaultSnapshot(), performance.Snapshot{}, env)
			assert.Equal(t, trade.Denied, d.Outcome)
			assert.Equal(t, trade.ClassRisk, d.Class)
			assert.True(t, strings.HasPrefix(d.Reason, tc.limit), d.Reason)
			assert.Empty(t, d.Remediation)
		})
	}
}

type fakeParams struct {
	snap params.Snapshot
	err  error
}

func (f fakeParams) Snapshot(context.Context) (params.Snapshot, error) { return f.snap, f.err }

type fakePrices map[string]float64

func (f fakePrices) Price(_ context.Context, sym string) (float64, error) {
	p, ok := f[sym]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

type fakeApprover struct {
	out   approval.Outcome
	err   error
	calls int
	last  float64
}

func (f *fakeApprover) RequestApproval(_ context.Context, _ trade.Intent, threshold float64, _ performance.Snapshot) (approval.Outcome, error) {
	f.calls++
	f.last = threshold
	return f.out, f.err
}

type fakeClock struct{ open bool }

func (f fakeClock) IsOpen(context.Context) (bool, error) { return f.open, nil }

func newGate(t *testing.T, ap Approver, mutate func(*Deps)) *Gate {
	t.Helper()
	sess, err := risk.ParseSession(risk.Hours{Weekends: true})
	require.NoError(t, err)
	deps := Deps{
		Params:   fakeParams{snap: defaultSnapshot()},
		Risk:     risk.New(100000),
		Prices:   fakePrices{"AAPL": 100},
		Symbols:  NewSymbolSet("AAPL", "msft"),
		Session:  sess,
		Approver: ap,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps)
}

func TestProcessHaltsWhenParamsUnavailable(t *testing.T) {
	g := newGate(t, nil, func(d *Deps) { d.Params = fakeParams{err: params.ErrUnavailable} })
	_, err := g.Process(context.Background(), intent(0.99))
	assert.ErrorIs(t, err, ErrHalted)
}

func TestProcessAutoExecute(t *testing.T) {
	ap := &fakeApprover{}
	g := newGate(t, ap, nil)
	res, err := g.Process(context.Background(), trade.Intent{Symbol: " aapl ", Side: "BUY", Quantity: 1, Confidence: 0.97})
	require.NoError(t, err)
	assert.True(t, res.Execute)
	assert.Equal(t, "AAPL", res.Intent.Symbol)
	assert.Equal(t, 0, ap.calls)
}

func TestProcessOperatorDenial(t *testing.T) {
	ap := &fakeApprover{out: approval.Outcome{Status: approval.StatusDenied, Reason: "denied by operator"}}
	g := newGate(t, ap, nil)
	res, err := g.Process(context.Background(), intent(0.70))
	require.NoError(t, err)
	assert.False(t, res.Execute)
	assert.Equal(t, "denied by operator", res.Reason)
	require.NotNil(t, res.Approval)
	assert.Equal(t, 1, ap.calls)
	assert.Equal(t, 0.95, ap.last)
}

func TestProcessApproved(t *testing.T) {
	ap := &fakeApprover{out: approval.Outcome{Status: approval.StatusApproved, Reason: "approved by operator"}}
	g := newGate(t, ap, nil)
	res, err := g.Process(context.Background(), intent(0.70))
	require.NoError(t, err)
	assert.True(t, res.Execute)
	assert.Equal(t, trade.PendingApproval, res.Decision.Outcome)
}

func TestProcessApprovalFailure(t *testing.T) {
	ap := &fakeApprover{err: errors.New("store down")}
	g := newGate(t, ap, nil)
	res, err := g.Process(context.Background(), intent(0.70))
	assert.Error(t, err)
	assert.False(t, res.Execute)
}

func TestProcessUnknownSymbolIsMalformed(t *testing.T) {
	ap := &fakeApprover{}
	g := newGate(t, ap, nil)
	res, err := g.Process(context.Background(), trade.Intent{Symbol: "ZZZZ", Side: trade.Buy, Quantity: 1, Confidence: 0.5})
	require.NoError(t, err)
	assert.Equal(t, trade.ClassMalformed, res.Decision.Class)
	assert.Equal(t, 0, ap.calls)
}

func TestProcessMissingPriceFailsClosed(t *testing.T) {
	g := newGate(t, nil, nil)
	res, err := g.Process(context.Background(), trade.Intent{Symbol: "MSFT", Side: trade.Buy, Quantity: 1, Confidence: 0.99})
	require.NoError(t, err)
	assert.False(t, res.Execute)
	assert.Equal(t, trade.ClassRisk, res.Decision.Class)
}

func TestProcessMarketClockClosed(t *testing.T) {
	g := newGate(t, nil, func(d *Deps) { d.Clock = fakeClock{open: false} })
	res, err := g.Process(context.Background(), intent(0.99))
	require.NoError(t, err)
	assert.Equal(t, trade.Denied, res.Decision.Outcome)
	assert.Contains(t, res.Reason, risk.LimitTradingHours)
}

func TestProcessSessionClosed(t *testing.T) {
	sess, err := risk.ParseSession(risk.Hours{Start: "09:30", End: "16:00", Location: "America/New_York"})
	require.NoError(t, err)
	sunday := time.Date(2026, 10, 11, 12, 0, 0, 0, time.UTC)
	g := newGate(t, nil, func(d *Deps) {
		d.Session = sess
		d.Now = func() time.Time { return sunday }
	})
	res, err := g.Process(context.Background(), intent(0.99))
	require.NoError(t, err)
	assert.Equal(t, trade.ClassRisk, res.Decision.Class)
}
