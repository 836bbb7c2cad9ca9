package params

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.db")
	backend, err := OpenSQLite(path)
	require.NoError(t, err)

	s := NewStore(backend, DefaultSpecs())
	ctx := context.Background()

	_, err = s.Set(ctx, AutoTradeThreshold, 0.85, SourceManual, "first")
	require.NoError(t, err)
	_, err = s.Set(ctx, AutoTradeThreshold, 0.80, SourceEvolution, "second")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	s2 := NewStore(reopened, DefaultSpecs())

	p, err := s2.Record(ctx, AutoTradeThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0.80, p.Value)
	assert.Equal(t, 0.85, p.PreviousValue)
	assert.Equal(t, SourceEvolution, p.UpdatedBy)
	assert.Equal(t, "second", p.Reason)

	hist, err := s2.History(ctx, AutoTradeThreshold, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 0.80, hist[0].Value)
	assert.Equal(t, 0.85, hist[1].Value)
}

func TestSQLiteBackendIgnoresOlderWrite(t *testing.T) {
	backend, err := OpenSQLite(filepath.Join(t.TempDir(), "params.db"))
	require.NoError(t, err)
	defer backend.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, backend.Save(ctx, Parameter{Key: AutoTradeThreshold, Value: 0.9, UpdatedAt: now, UpdatedBy: SourceManual, Min: 0.5, Max: 0.99}))
	require.NoError(t, backend.Save(ctx, Parameter{Key: AutoTradeThreshold, Value: 0.7, UpdatedAt: now.Add(-time.Second), UpdatedBy: SourceManual, Min: 0.5, Max: 0.99}))

	p, ok, err := backend.Load(ctx, AutoTradeThreshold)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.9, p.Value)

	hist, err := backend.History(ctx, AutoTradeThreshold, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
