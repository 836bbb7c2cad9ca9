package approval

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := Pending{
		ID: "tok-1", Intent: testIntent(), Threshold: 0.95, Status: StatusWaiting,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.Create(ctx, p))
	assert.ErrorIs(t, s.Create(ctx, p), ErrAlreadyExists)

	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Intent.Symbol)
	assert.Equal(t, StatusWaiting, got.Status)

	waiting, err := s.List(ctx, StatusWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	res, applied, err := s.Resolve(ctx, "tok-1", Resolution{Status: StatusDenied, By: "alice", Reason: "denied by operator", At: now})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusDenied, res.Status)

	res, applied, err = s.Resolve(ctx, "tok-1", Resolution{Status: StatusApproved, By: "bob", At: now})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, "alice", res.ResolvedBy)

	waiting, err = s.List(ctx, StatusWaiting)
	require.NoError(t, err)
	assert.Empty(t, waiting)
	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, _, err = s.Resolve(ctx, "missing", Resolution{Status: StatusApproved})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func raceResolvers(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Create(ctx, Pending{ID: "race", Status: StatusWaiting, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.Resolve(ctx, "race", Resolution{Status: StatusApproved, By: "op", At: time.Now()})
			assert.NoError(t, err)
			if applied {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
	raceResolvers(t, NewMemoryStore(0))
}

func TestMemoryStorePrunesResolved(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Pending{ID: "old", Status: StatusWaiting, CreatedAt: now.Add(-3 * time.Hour)}))
	_, _, err := s.Resolve(ctx, "old", Resolution{Status: StatusExpired, At: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, Pending{ID: "new", Status: StatusWaiting, CreatedAt: now}))
	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger(BadgerOptions{InMemory: true, Retention: time.Hour})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
	raceResolvers(t, s)
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.Create(ctx, Pending{ID: "keep", Status: StatusWaiting, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	waiting, err := s.List(ctx, StatusWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "keep", waiting[0].ID)
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerOptions{})
	assert.Error(t, err)
}

func TestRedisKeys(t *testing.T) {
	s := &RedisStore{prefix: "gk", retention: time.Hour}
	assert.Equal(t, "gk:approval:abc", s.recordKey("abc"))
	assert.Equal(t, "gk:approval-lock:abc", s.lockKey("abc"))
	assert.Equal(t, "gk:approvals:waiting", s.waitingKey())

	now := time.Now()
	p := Pending{ExpiresAt: now.Add(10 * time.Minute)}
	assert.Equal(t, 70*time.Minute, s.recordTTL(p, now))
	p.ExpiresAt = now.Add(-time.Minute)
	assert.Equal(t, time.Hour, s.recordTTL(p, now))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GATEKEEPER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GATEKEEPER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := OpenRedis(ctx, RedisOptions{Addr: addr, Prefix: "gktest-" + time.Now().Format("150405.000000"), Retention: time.Minute})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
	raceResolvers(t, s)
}
