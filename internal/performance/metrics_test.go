package performance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func closed(pnl, ret float64, at time.Duration) Trade {
	return Trade{PnL: pnl, ReturnPct: ret, ClosedAt: t0.Add(at), StrategyID: "s1", Confidence: 0.7}
}

func TestComputeEmpty(t *testing.T) {
	m := Compute(nil)
	assert.Equal(t, 0, m.TradeCount)
	assert.Equal(t, 0.0, m.WinRate)
	assert.Equal(t, 0.0, m.SharpeLike)
	assert.Equal(t, 0.0, m.MaxDrawdown)
}

func TestComputeSingleTradeHasZeroSharpe(t *testing.T) {
	m := Compute([]Trade{closed(10, 0.05, 0)})
	assert.Equal(t, 1.0, m.WinRate)
	assert.Equal(t, 0.0, m.SharpeLike)
}

func TestComputeWinRateSharpeDrawdown(t *testing.T) {
	trades := []Trade{
		closed(10, 0.02, 1*time.Hour),
		closed(-30, -0.03, 2*time.Hour),
		closed(5, 0.01, 3*time.Hour),
		closed(-5, -0.01, 4*time.Hour),
	}
	m := Compute(trades)
	assert.Equal(t, 4, m.TradeCount)
	assert.Equal(t, 0.5, m.WinRate)
	assert.InDelta(t, -20.0, m.TotalPnL, 1e-9)
	// Curve: 10, -20, -15, -20 from a peak of 10.
	assert.InDelta(t, 30.0, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 15.0/35.0, m.ProfitFactor, 1e-9)

	// mean = -0.0025, sample stdev of {0.02,-0.03,0.01,-0.01}
	assert.Less(t, m.SharpeLike, 0.0)
}

func TestComputeOrdersByCloseTime(t *testing.T) {
	// Out of order input: the loss closes first.
	trades := []Trade{
		closed(10, 0.01, 2*time.Hour),
		closed(-10, -0.01, 1*time.Hour),
	}
	m := Compute(trades)
	assert.InDelta(t, 10.0, m.MaxDrawdown, 1e-9)
}

func TestComputeZeroStdev(t *testing.T) {
	m := Compute([]Trade{closed(1, 0.01, 0), closed(1, 0.01, time.Hour)})
	assert.Equal(t, 0.0, m.SharpeLike)
}

func TestEquityDrawdown(t *testing.T) {
	assert.InDelta(t, 30.0, EquityDrawdown([]float64{100, 120, 90, 110}), 1e-9)
	assert.Equal(t, 0.0, EquityDrawdown(nil))
}

func TestEvaluatorWindows(t *testing.T) {
	now := t0.Add(100 * 24 * time.Hour)
	src := StaticSource{
		{PnL: 5, ReturnPct: 0.01, ClosedAt: now.Add(-2 * 24 * time.Hour)},
		{PnL: -5, ReturnPct: -0.01, ClosedAt: now.Add(-20 * 24 * time.Hour)},
		{PnL: 7, ReturnPct: 0.02, ClosedAt: now.Add(-60 * 24 * time.Hour)},
	}
	e := NewEvaluator(src, Windows{}, 0)
	e.now = func() time.Time { return now }

	short, err := e.Evaluate(context.Background(), Short)
	require.NoError(t, err)
	assert.Equal(t, 1, short.TradeCount)
	assert.Equal(t, 1.0, short.WinRate)

	medium, err := e.Evaluate(context.Background(), Medium)
	require.NoError(t, err)
	assert.Equal(t, 2, medium.TradeCount)

	long, err := e.Evaluate(context.Background(), Long)
	require.NoError(t, err)
	assert.Equal(t, 3, long.TradeCount)
	assert.InDelta(t, 7.0, long.TotalPnL, 1e-9)

	_, err = e.Evaluate(context.Background(), Window("forever"))
	assert.Error(t, err)
}

type countingSource struct {
	calls int
	StaticSource
}

func (c *countingSource) ClosedTrades(ctx context.Context, since time.Time) ([]Trade, error) {
	c.calls++
	return c.StaticSource.ClosedTrades(ctx, since)
}

func TestEvaluatorCache(t *testing.T) {
	src := &countingSource{}
	e := NewEvaluator(src, Windows{}, time.Minute)
	now := t0
	e.now = func() time.Time { return now }

	_, _ = e.Evaluate(context.Background(), Short)
	_, _ = e.Evaluate(context.Background(), Short)
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	_, _ = e.Evaluate(context.Background(), Short)
	assert.Equal(t, 2, src.calls)

	e.Invalidate()
	_, _ = e.Evaluate(context.Background(), Short)
	assert.Equal(t, 3, src.calls)
}

func TestCalibrateAndByStrategy(t *testing.T) {
	trades := []Trade{
		{StrategyID: "a", Confidence: 0.9, PnL: 1},
		{StrategyID: "a", Confidence: 0.85, PnL: -1},
		{StrategyID: "b", Confidence: 0.7, PnL: 2},
		{StrategyID: "b", Confidence: 0.3, PnL: -2},
	}
	buckets := Calibrate(trades)
	require.Len(t, buckets, 3)
	assert.Equal(t, 2, buckets[0].TradeCount)
	assert.Equal(t, 0.5, buckets[0].WinRate)
	assert.Equal(t, 1, buckets[1].TradeCount)
	assert.Equal(t, 1.0, buckets[1].WinRate)
	assert.Equal(t, 1, buckets[2].TradeCount)
	assert.Equal(t, 0.0, buckets[2].WinRate)

	strats := ByStrategy(trades)
	require.Len(t, strats, 2)
	assert.Equal(t, "a", strats[0].StrategyID)
	assert.Equal(t, 0.0, strats[0].TotalPnL)
	assert.Equal(t, "b", strats[1].StrategyID)
}

func TestReport(t *testing.T) {
	src := StaticSource{closed(3, 0.01, 0), closed(-1, -0.01, time.Hour)}
	e := NewEvaluator(src, Windows{}, 0)
	e.now = func() time.Time { return t0.Add(24 * time.Hour) }
	r, err := e.Report(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.Windows, 3)
	assert.Equal(t, 2, r.Metrics.TradeCount)
	assert.Len(t, r.Strategies, 1)
}
