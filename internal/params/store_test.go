package params

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*Store, *MemoryBackend) {
	backend := NewMemoryBackend()
	return NewStore(backend, DefaultSpecs()), backend
}

func TestGetReturnsDefaultBeforeFirstWrite(t *testing.T) {
	s, _ := newTestStore()
	v, err := s.Get(context.Background(), AutoTradeThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0.95, v)

	p, err := s.Record(context.Background(), AutoTradeThreshold)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, p.UpdatedBy)
}

func TestSetManualWithinBounds(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	p, err := s.Set(ctx, AutoTradeThreshold, 0.80, SourceManual, "operator")
	require.NoError(t, err)
	assert.Equal(t, 0.80, p.Value)
	assert.Equal(t, 0.95, p.PreviousValue)
	assert.Equal(t, SourceManual, p.UpdatedBy)

	v, err := s.Get(ctx, AutoTradeThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0.80, v)
}

func TestSetRejectsOutOfBoundsAndKeepsValue(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.Set(ctx, AutoTradeThreshold, 0.85, SourceManual, "")
	require.NoError(t, err)

	for _, v := range []float64{0.2, 1.5} {
		_, err := s.Set(ctx, AutoTradeThreshold, v, SourceManual, "")
		var rej *RejectedError
		require.ErrorAs(t, err, &rej)
		assert.ErrorIs(t, err, ErrOutOfBounds)
	}

	v, err := s.Get(ctx, AutoTradeThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0.85, v)
}

func TestSetEvolutionDeltaLimit(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Set(ctx, AutoTradeThreshold, 0.80, SourceEvolution, "too far")
	assert.ErrorIs(t, err, ErrDeltaExceeded)

	_, err = s.Set(ctx, AutoTradeThreshold, 0.90, SourceEvolution, "one step")
	require.NoError(t, err)

	// Manual changes are not delta-limited.
	_, err = s.Set(ctx, AutoTradeThreshold, 0.60, SourceManual, "")
	require.NoError(t, err)
}

func TestSetUnknownKey(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.Set(context.Background(), "nope", 1, SourceManual, "")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	_, err = s.Set(ctx, AutoTradeThreshold, 0.70, SourceManual, "")
	require.NoError(t, err)

	assert.Equal(t, 0.95, snap.Get(AutoTradeThreshold))
	vals := snap.Values()
	vals[AutoTradeThreshold] = 0
	assert.Equal(t, 0.95, snap.Get(AutoTradeThreshold))

	next := snap.With(AutoTradeThreshold, 0.9)
	assert.Equal(t, 0.9, next.Get(AutoTradeThreshold))
	assert.Equal(t, 0.95, snap.Get(AutoTradeThreshold))
}

func TestMonotonicTimestamps(t *testing.T) {
	s, _ := newTestStore()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, err := s.Set(ctx, AutoTradeThreshold, 0.9, SourceManual, "")
	require.NoError(t, err)
	b, err := s.Set(ctx, AutoTradeThreshold, 0.8, SourceManual, "")
	require.NoError(t, err)
	assert.True(t, b.UpdatedAt.After(a.UpdatedAt))
}

func TestConcurrentSetLastWriteWins(t *testing.T) {
	s, backend := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Set(ctx, MaxTradesPerDay, float64(10+i), SourceManual, "")
		}(i)
	}
	wg.Wait()

	hist, err := backend.History(ctx, MaxTradesPerDay, 0)
	require.NoError(t, err)
	require.Len(t, hist, 20)
	v, err := s.Get(ctx, MaxTradesPerDay)
	require.NoError(t, err)
	assert.Equal(t, hist[0].Value, v)
}

func TestBackendFailureIsUnavailable(t *testing.T) {
	s, backend := newTestStore()
	backend.SetErr(errors.New("disk gone"))

	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Set(context.Background(), AutoTradeThreshold, 0.9, SourceManual, "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMergeSpecs(t *testing.T) {
	merged := MergeSpecs(DefaultSpecs(), []Spec{
		{Key: AutoTradeThreshold, Default: 0.9, Min: 0.6, Max: 0.99, MaxDelta: 0.02},
		{Key: "custom", Default: 1, Min: 0, Max: 2},
	})
	s := NewStore(NewMemoryBackend(), merged)
	sp, ok := s.Spec(AutoTradeThreshold)
	require.True(t, ok)
	assert.Equal(t, 0.02, sp.MaxDelta)
	_, ok = s.Spec("custom")
	assert.True(t, ok)
	assert.Len(t, s.Specs(), len(DefaultSpecs())+1)
}
