package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
)

func bars(closes ...float64) []backtest.Bar {
	start := time.Date(2026, 2, 2, 21, 0, 0, 0, time.UTC)
	out := make([]backtest.Bar, len(closes))
	for i, c := range closes {
		out[i] = backtest.Bar{Time: start.Add(time.Duration(i) * 24 * time.Hour), Close: c}
	}
	return out
}

func TestMomentumHoldsUntilEnoughHistory(t *testing.T) {
	m := NewMomentum(MomentumConfig{})
	sig := m.Decide(backtest.View{History: bars(10, 9, 8, 7, 6), Cash: 1000})
	assert.Equal(t, backtest.Hold, sig.Action)
}

func TestMomentumBuysAtLow(t *testing.T) {
	m := NewMomentum(MomentumConfig{})
	sig := m.Decide(backtest.View{History: bars(10, 11, 12, 11, 10, 9.9), Cash: 1000})
	require.Equal(t, backtest.Buy, sig.Action)
	// 10% of 1000 at 9.9 => 10 shares.
	assert.Equal(t, int64(10), sig.Quantity)
	// 1% below the low: 0.6 + 0.4 = 1.0, capped.
	assert.InDelta(t, 0.99, sig.Confidence, 1e-9)
}

func TestMomentumSellsAtHigh(t *testing.T) {
	m := NewMomentum(MomentumConfig{})
	sig := m.Decide(backtest.View{History: bars(10, 11, 12, 11, 10, 12), Position: 7})
	require.Equal(t, backtest.Sell, sig.Action)
	assert.Equal(t, int64(7), sig.Quantity)
	assert.InDelta(t, 0.6, sig.Confidence, 1e-9)

	// No position, nothing to sell.
	sig = m.Decide(backtest.View{History: bars(10, 11, 12, 11, 10, 12)})
	assert.Equal(t, backtest.Hold, sig.Action)
}

func TestMomentumRunsInSimulator(t *testing.T) {
	series := bars(100, 101, 102, 101, 100, 99, 100, 101, 102, 103, 104, 103, 102, 101, 100, 99)
	sim := backtest.NewSimulator(backtest.Config{FeeBps: 1})
	res, err := sim.Run(NewMomentum(DefaultMomentumConfig()), series, 10000, params.NewSnapshot(nil, time.Time{}))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Trades)
	assert.Equal(t, "momentum-5", res.Key.StrategyID)
}

func TestLookup(t *testing.T) {
	s, ok := Lookup("momentum")
	require.True(t, ok)
	assert.Equal(t, "momentum-5", s.ID())
	s, ok = Lookup("buy-and-hold")
	require.True(t, ok)
	sig := s.Decide(backtest.View{History: bars(50), Cash: 120})
	assert.Equal(t, int64(2), sig.Quantity)
	_, ok = Lookup("martingale")
	assert.False(t, ok)
}
