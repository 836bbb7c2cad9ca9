package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

type capturePublisher struct {
	reqs chan Request
}

func newCapture() *capturePublisher { return &capturePublisher{reqs: make(chan Request, 8)} }

func (c *capturePublisher) PublishApproval(_ context.Context, r Request) error {
	c.reqs <- r
	return nil
}

func (c *capturePublisher) next(t *testing.T) Request {
	t.Helper()
	select {
	case r := <-c.reqs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no approval request published")
	}
	return Request{}
}

func testIntent() trade.Intent {
	return trade.Intent{Symbol: "AAPL", Side: trade.Buy, Quantity: 10, Confidence: 0.70}
}

type result struct {
	o   Outcome
	err error
}

func request(b *Broker, ctx context.Context) <-chan result {
	out := make(chan result, 1)
	go func() {
		o, err := b.RequestApproval(ctx, testIntent(), 0.95, performance.Snapshot{Window: performance.Short})
		out <- result{o, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("approval did not resolve")
	}
	return result{}
}

func TestBrokerApproveOnce(t *testing.T) {
	pub := newCapture()
	b := NewBroker(NewMemoryStore(0), pub, Config{Timeout: time.Minute})
	defer b.Close()

	done := request(b, context.Background())
	req := pub.next(t)
	assert.Equal(t, "/test-trade AAPL BUY 10 --force", req.ForceCommand)
	assert.Equal(t, "/update-threshold 0.70", req.ThresholdCommand)

	p, applied, err := b.Approve(context.Background(), req.Pending.ID, "alice")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusApproved, p.Status)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.True(t, r.o.Approved())
	assert.Equal(t, "alice", r.o.ResolvedBy)

	// Duplicates are no-ops.
	p, applied, err = b.Deny(context.Background(), req.Pending.ID, "bob", "")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusApproved, p.Status)
}

func TestBrokerDeny(t *testing.T) {
	pub := newCapture()
	b := NewBroker(NewMemoryStore(0), pub, Config{Timeout: time.Minute})
	defer b.Close()

	done := request(b, context.Background())
	req := pub.next(t)
	_, applied, err := b.Deny(context.Background(), req.Pending.ID, "alice", "too risky")
	require.NoError(t, err)
	require.True(t, applied)

	r := wait(t, done)
	assert.Equal(t, StatusDenied, r.o.Status)
	assert.Equal(t, "denied by operator", r.o.Reason)

	got, err := b.Get(context.Background(), req.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "too risky", got.Note)
}

func TestBrokerTimeoutNotEarly(t *testing.T) {
	const timeout = 60 * time.Millisecond
	b := NewBroker(NewMemoryStore(0), nil, Config{Timeout: timeout})
	defer b.Close()

	start := time.Now()
	o, err := b.RequestApproval(context.Background(), testIntent(), 0.95, performance.Snapshot{})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, o.Status)
	assert.Equal(t, ActorTimeout, o.ResolvedBy)
	assert.Equal(t, "approval expired after 60ms", o.Reason)
	assert.GreaterOrEqual(t, elapsed, timeout)
}

func TestBrokerContextCancel(t *testing.T) {
	pub := newCapture()
	b := NewBroker(NewMemoryStore(0), pub, Config{Timeout: time.Minute})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := request(b, ctx)
	req := pub.next(t)
	cancel()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, StatusExpired, r.o.Status)
	assert.Equal(t, ActorCancelled, r.o.ResolvedBy)

	_, applied, err := b.Approve(context.Background(), req.Pending.ID, "late")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBrokerUnknownToken(t *testing.T) {
	b := NewBroker(NewMemoryStore(0), nil, Config{})
	_, _, err := b.Approve(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = b.Resolve(context.Background(), "nope", StatusWaiting, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestBrokerConcurrentResolversFirstWins(t *testing.T) {
	pub := newCapture()
	b := NewBroker(NewMemoryStore(0), pub, Config{Timeout: time.Minute})
	defer b.Close()

	done := request(b, context.Background())
	token := pub.next(t).Pending.ID

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusApproved
			if i%2 == 1 {
				status = StatusDenied
			}
			_, applied, err := b.Resolve(context.Background(), token, status, "op", "")
			assert.NoError(t, err)
			if applied {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	r := wait(t, done)
	assert.True(t, r.o.Status.Terminal())
}

func TestBrokerListenersSeeTransitions(t *testing.T) {
	pub := newCapture()
	b := NewBroker(NewMemoryStore(0), pub, Config{Timeout: time.Minute})
	defer b.Close()

	var mu sync.Mutex
	var events []EventType
	b.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	done := request(b, context.Background())
	token := pub.next(t).Pending.ID
	_, _, err := b.Approve(context.Background(), token, "alice")
	require.NoError(t, err)
	wait(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventCreated, EventResolved}, events)
}

func TestBrokerRestore(t *testing.T) {
	store := NewMemoryStore(0)
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Pending{
		ID: "stale", Intent: testIntent(), Status: StatusWaiting,
		CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute),
	}))
	require.NoError(t, store.Create(ctx, Pending{
		ID: "live", Intent: testIntent(), Status: StatusWaiting,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	b := NewBroker(store, nil, Config{Timeout: time.Minute})
	defer b.Close()
	resolved := make(chan Pending, 1)
	b.OnResolved(func(p Pending) { resolved <- p })

	n, err := b.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stale.Status)
	assert.Equal(t, ActorRestart, stale.ResolvedBy)
	assert.Equal(t, "approval expired after 5m0s", stale.Reason)

	// The stale record has no waiter either, so the hook sees it first.
	select {
	case p := <-resolved:
		assert.Equal(t, "stale", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called for stale record")
	}

	_, applied, err := b.Approve(ctx, "live", "alice")
	require.NoError(t, err)
	require.True(t, applied)
	select {
	case p := <-resolved:
		assert.Equal(t, "live", p.ID)
		assert.Equal(t, StatusApproved, p.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called for restored approval")
	}
}

func TestBrokerRestoredTimerExpires(t *testing.T) {
	store := NewMemoryStore(0)
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), Pending{
		ID: "soon", Intent: testIntent(), Status: StatusWaiting,
		CreatedAt: now, ExpiresAt: now.Add(40 * time.Millisecond),
	}))
	b := NewBroker(store, nil, Config{Timeout: time.Minute})
	defer b.Close()
	resolved := make(chan Pending, 1)
	b.OnResolved(func(p Pending) { resolved <- p })

	_, err := b.Restore(context.Background())
	require.NoError(t, err)
	select {
	case p := <-resolved:
		assert.Equal(t, StatusExpired, p.Status)
		assert.Equal(t, ActorTimeout, p.ResolvedBy)
	case <-time.After(2 * time.Second):
		t.Fatal("restored approval never expired")
	}
}

// Two brokers over one store stand in for two processes sharing redis.
func sharedBrokers(t *testing.T, store Store, cfgA Config) (*Broker, *capturePublisher, *Broker) {
	t.Helper()
	pubA := newCapture()
	cfgA.Instance = "proc-a"
	a := NewBroker(store, pubA, cfgA)
	b := NewBroker(store, nil, Config{Timeout: time.Minute, Instance: "proc-b"})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, pubA, b
}

func TestBrokerSharedStorePollPicksUpRemoteDenial(t *testing.T) {
	a, pubA, b := sharedBrokers(t, NewMemoryStore(0), Config{Timeout: time.Minute, PollInterval: 10 * time.Millisecond})
	hooked := make(chan Pending, 1)
	b.OnResolved(func(p Pending) { hooked <- p })

	done := request(a, context.Background())
	req := pubA.next(t)
	assert.Equal(t, "proc-a", req.Pending.Owner)

	_, applied, err := b.Deny(context.Background(), req.Pending.ID, "bob", "no")
	require.NoError(t, err)
	require.True(t, applied)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, StatusDenied, r.o.Status)
	assert.Equal(t, "bob", r.o.ResolvedBy)

	select {
	case p := <-hooked:
		t.Fatalf("resolving broker must not act on %s: its owner is still waiting", p.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerSharedStoreTimerDeliversRemoteResolution(t *testing.T) {
	// Polling is effectively off, so only the timer can wake the waiter.
	a, pubA, b := sharedBrokers(t, NewMemoryStore(0), Config{Timeout: 100 * time.Millisecond, PollInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	done := request(a, ctx)
	req := pubA.next(t)
	_, applied, err := b.Deny(context.Background(), req.Pending.ID, "bob", "")
	require.NoError(t, err)
	require.True(t, applied)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, StatusDenied, r.o.Status)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestBrokerSharedStoreCancelDeliversRemoteResolution(t *testing.T) {
	a, pubA, b := sharedBrokers(t, NewMemoryStore(0), Config{Timeout: time.Minute, PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := request(a, ctx)
	req := pubA.next(t)
	_, applied, err := b.Approve(context.Background(), req.Pending.ID, "bob")
	require.NoError(t, err)
	require.True(t, applied)
	cancel()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, StatusApproved, r.o.Status)
}

type brokenResolveStore struct{ *MemoryStore }

func (brokenResolveStore) Resolve(context.Context, string, Resolution) (Pending, bool, error) {
	return Pending{}, false, errors.New("store unavailable")
}

func TestBrokerExpiresLocallyWhenStoreFails(t *testing.T) {
	b := NewBroker(brokenResolveStore{NewMemoryStore(0)}, nil, Config{Timeout: 50 * time.Millisecond})
	defer b.Close()

	r := wait(t, request(b, context.Background()))
	require.NoError(t, r.err)
	assert.Equal(t, StatusExpired, r.o.Status)
	assert.Equal(t, ActorTimeout, r.o.ResolvedBy)

	pub := newCapture()
	b2 := NewBroker(brokenResolveStore{NewMemoryStore(0)}, pub, Config{Timeout: time.Minute})
	defer b2.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := request(b2, ctx)
	pub.next(t)
	cancel()
	r = wait(t, done)
	assert.Error(t, r.err)
	assert.Equal(t, StatusExpired, r.o.Status)
	assert.Equal(t, ActorCancelled, r.o.ResolvedBy)
}

func TestBrokerTimerRemovesItself(t *testing.T) {
	store := NewMemoryStore(0)
	b := NewBroker(store, nil, Config{Timeout: time.Minute})
	defer b.Close()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, Pending{ID: "done", Intent: testIntent(), Status: StatusWaiting, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))

	// Resolved before its timer exists, as when an operator is quicker
	// than the requester.
	_, applied, err := b.Deny(ctx, "done", "op", "")
	require.NoError(t, err)
	require.True(t, applied)
	b.arm("done", 20*time.Millisecond, time.Minute)

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.timers) == 0
	}, time.Second, 10*time.Millisecond)
	got, err := store.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
}

func TestBrokerRestoreSkipsOtherInstances(t *testing.T) {
	store := NewMemoryStore(0)
	now := time.Now()
	ctx := context.Background()
	for _, owner := range []string{"proc-a", "proc-b"} {
		require.NoError(t, store.Create(ctx, Pending{
			ID: "tok-" + owner, Owner: owner, Intent: testIntent(), Status: StatusWaiting,
			CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
	}
	b := NewBroker(store, nil, Config{Timeout: time.Minute, Instance: "proc-b"})
	defer b.Close()
	hooked := make(chan Pending, 2)
	b.OnResolved(func(p Pending) { hooked <- p })

	n, err := b.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, applied, err := b.Approve(ctx, "tok-proc-a", "op")
	require.NoError(t, err)
	require.True(t, applied)
	_, applied, err = b.Approve(ctx, "tok-proc-b", "op")
	require.NoError(t, err)
	require.True(t, applied)

	select {
	case p := <-hooked:
		assert.Equal(t, "tok-proc-b", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("adopted approval not handed to the hook")
	}
	select {
	case p := <-hooked:
		t.Fatalf("unexpected hook call for %s", p.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("approve")
	assert.True(t, ok)
	assert.Equal(t, StatusApproved, s)
	s, ok = ParseStatus("deny")
	assert.True(t, ok)
	assert.Equal(t, StatusDenied, s)
	_, ok = ParseStatus("maybe")
	assert.False(t, ok)
}
