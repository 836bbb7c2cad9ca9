package portfolio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
)

type sourceFunc func(ctx context.Context) (Account, error)

func (f sourceFunc) Account(ctx context.Context) (Account, error) { return f(ctx) }

func TestSyncPushesIntoRisk(t *testing.T) {
	rm := risk.New(1000)
	tr := NewTracker(sourceFunc(func(context.Context) (Account, error) {
		return Account{Equity: 25000, Cash: 20000, Positions: map[string]float64{"AAPL": 10}}, nil
	}), rm, 0)

	require.NoError(t, tr.Sync(context.Background()))
	st := rm.State()
	assert.Equal(t, 25000.0, st.Equity)
	assert.Equal(t, 10.0, st.Positions["AAPL"])
	assert.Equal(t, 20000.0, tr.Account().Cash)
	assert.False(t, tr.LastSync().IsZero())
}

func TestSyncErrorKeepsState(t *testing.T) {
	rm := risk.New(1000)
	tr := NewTracker(sourceFunc(func(context.Context) (Account, error) {
		return Account{}, errors.New("broker down")
	}), rm, 0)

	assert.Error(t, tr.Sync(context.Background()))
	assert.Equal(t, 1000.0, rm.State().Equity)
	assert.True(t, tr.LastSync().IsZero())
}
