package approval

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = time.Second

	ActorTimeout   = "timeout"
	ActorCancelled = "cancelled"
	ActorRestart   = "restart"
)

type Config struct {
	Timeout time.Duration
	// PollInterval is how often a waiting caller rereads its record, so a
	// resolution made by another process sharing the store is noticed.
	PollInterval time.Duration
	// Instance names this process in the records it creates. Restore only
	// adopts records created under the same name. Defaults to the hostname.
	Instance string
}

// Broker creates approval requests, waits for them and applies operator
// resolutions.
type Broker struct {
	store     Store
	publisher Publisher
	timeout   time.Duration
	poll      time.Duration
	instance  string
	now       func() time.Time
	log       *logrus.Entry

	mu        sync.Mutex
	waiters   map[string]chan Outcome
	timers    map[string]*time.Timer
	adopted   map[string]struct{} // restored records this broker owns
	listeners []Listener
	onResolve func(Pending)
	closed    bool
}

// NewBroker creates a Broker. A nil publisher only logs requests.
func NewBroker(store Store, publisher Publisher, cfg Config) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Instance == "" {
		cfg.Instance = defaultInstance()
	}
	return &Broker{
		store:     store,
		publisher: publisher,
		timeout:   cfg.Timeout,
		poll:      cfg.PollInterval,
		instance:  cfg.Instance,
		now:       time.Now,
		log:       logging.For("approval").WithField("instance", cfg.Instance),
		waiters:   make(map[string]chan Outcome),
		timers:    make(map[string]*time.Timer),
		adopted:   make(map[string]struct{}),
	}
}

func defaultInstance() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "gatekeeper"
}

func (b *Broker) Timeout() time.Duration { return b.timeout }

func (b *Broker) Instance() string { return b.instance }

// Subscribe registers a listener for every created and resolved approval.
func (b *Broker) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// OnResolved sets the hook for resolutions of approvals adopted by Restore,
// which have no waiting caller. Approvals waited on by another process are
// never passed to it.
func (b *Broker) OnResolved(fn func(Pending)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onResolve = fn
}

// RequestApproval stores a pending approval, publishes it and blocks until
// it is resolved. Cancelling ctx resolves the request as expired, subject to
// the same first-wins rule as any other resolution.
func (b *Broker) RequestApproval(ctx context.Context, intent trade.Intent, threshold float64, perf performance.Snapshot) (Outcome, error) {
	now := b.now()
	p := Pending{
		ID:        uuid.NewString(),
		Owner:     b.instance,
		Intent:    intent,
		Threshold: threshold,
		CreatedAt: now,
		ExpiresAt: now.Add(b.timeout),
		Status:    StatusWaiting,
	}

	ch := make(chan Outcome, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	b.waiters[p.ID] = ch
	b.mu.Unlock()

	if err := b.store.Create(ctx, p); err != nil {
		b.mu.Lock()
		delete(b.waiters, p.ID)
		b.mu.Unlock()
		return Outcome{}, fmt.Errorf("approval: create: %w", err)
	}
	b.arm(p.ID, b.timeout, b.timeout)

	log := b.log.WithFields(logrus.Fields{
		"token":      p.ID,
		"symbol":     intent.Symbol,
		"side":       intent.Side,
		"quantity":   intent.Quantity,
		"confidence": intent.Confidence,
		"threshold":  threshold,
	})
	log.Info("approval requested")
	b.emit(Event{Type: EventCreated, Pending: p})

	if b.publisher != nil {
		req := Request{
			Pending:          p,
			Performance:      perf,
			ForceCommand:     trade.ForceCommand(intent),
			ThresholdCommand: trade.ThresholdCommand(intent.Confidence),
		}
		if err := b.publisher.PublishApproval(ctx, req); err != nil {
			// The request still expires on its own if nobody can see it.
			log.WithError(err).Warn("approval publish failed")
		}
	}

	poll := time.NewTicker(b.poll)
	defer poll.Stop()
wait:
	for {
		select {
		case o := <-ch:
			return o, nil
		case <-ctx.Done():
			break wait
		case <-poll.C:
			cur, err := b.store.Get(ctx, p.ID)
			if err != nil || !cur.Status.Terminal() {
				continue
			}
			if b.claim(p.ID) == nil {
				// A local resolution got there first and is sending.
				return <-ch, nil
			}
			log.WithFields(logrus.Fields{"status": cur.Status, "by": cur.ResolvedBy}).Info("approval resolved elsewhere")
			return outcomeOf(cur), nil
		}
	}

	const reason = "approval cancelled by caller"
	_, _, err := b.resolve(context.Background(), p.ID, Resolution{Status: StatusExpired, By: ActorCancelled, Reason: reason})
	if b.claim(p.ID) == nil {
		// Some resolution, ours or an earlier one, was delivered on ch.
		return <-ch, nil
	}
	// The expiry could not be recorded; fail closed locally.
	return Outcome{Token: p.ID, Status: StatusExpired, Reason: reason, ResolvedBy: ActorCancelled}, err
}

// Resolve applies an operator decision. Only the first resolution of a token
// takes effect; later ones return applied=false and a nil error.
func (b *Broker) Resolve(ctx context.Context, token string, status Status, actor, note string) (Pending, bool, error) {
	var reason string
	switch status {
	case StatusApproved:
		reason = "approved by operator"
	case StatusDenied:
		reason = "denied by operator"
	case StatusExpired:
		reason = "approval cancelled by operator"
	default:
		return Pending{}, false, ErrInvalidStatus
	}
	if actor == "" {
		actor = "operator"
	}
	return b.resolve(ctx, token, Resolution{Status: status, By: actor, Reason: reason, Note: note})
}

func (b *Broker) Approve(ctx context.Context, token, actor string) (Pending, bool, error) {
	return b.Resolve(ctx, token, StatusApproved, actor, "")
}

func (b *Broker) Deny(ctx context.Context, token, actor, note string) (Pending, bool, error) {
	return b.Resolve(ctx, token, StatusDenied, actor, note)
}

func (b *Broker) Get(ctx context.Context, token string) (Pending, error) {
	return b.store.Get(ctx, token)
}

// Waiting lists unresolved approvals, oldest first.
func (b *Broker) Waiting(ctx context.Context) ([]Pending, error) {
	return b.store.List(ctx, StatusWaiting)
}

// Restore re-arms timers for approvals left waiting by a previous process.
// Approvals already past their deadline are expired immediately.
func (b *Broker) Restore(ctx context.Context) (int, error) {
	waiting, err := b.store.List(ctx, StatusWaiting)
	if err != nil {
		return 0, fmt.Errorf("approval: restore: %w", err)
	}
	now := b.now()
	restored := 0
	for _, p := range waiting {
		if p.Owner != "" && p.Owner != b.instance {
			continue
		}
		b.mu.Lock()
		_, live := b.timers[p.ID]
		_, waited := b.waiters[p.ID]
		if !live && !waited {
			b.adopted[p.ID] = struct{}{}
		}
		b.mu.Unlock()
		if live || waited {
			continue
		}
		if !now.Before(p.ExpiresAt) {
			if _, _, err := b.resolve(ctx, p.ID, Resolution{
				Status: StatusExpired,
				By:     ActorRestart,
				Reason: fmt.Sprintf("approval expired after %s", p.ExpiresAt.Sub(p.CreatedAt)),
			}); err != nil {
				return restored, err
			}
			continue
		}
		b.arm(p.ID, p.ExpiresAt.Sub(now), p.ExpiresAt.Sub(p.CreatedAt))
		restored++
	}
	if restored > 0 {
		b.log.WithField("count", restored).Info("approvals restored")
	}
	return restored, nil
}

// Close stops all timers. Waiting callers are left to their contexts.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}

// arm schedules expiry of id after d; total is the full timeout reported in
// the reason. The timer removes its own entry when it fires.
func (b *Broker) arm(id string, d, total time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timers[id] = time.AfterFunc(d, func() {
		reason := fmt.Sprintf("approval expired after %s", total)
		_, _, err := b.resolve(context.Background(), id, Resolution{Status: StatusExpired, By: ActorTimeout, Reason: reason})
		if err != nil {
			b.log.WithError(err).WithField("token", id).Error("approval expiry failed")
		}
		// Still claimable only when no outcome was delivered: the store
		// failed or another process has not finished its resolution.
		if ch := b.claim(id); ch != nil {
			ch <- Outcome{Token: id, Status: StatusExpired, Reason: reason, ResolvedBy: ActorTimeout}
		}
	})
}

func (b *Broker) resolve(ctx context.Context, id string, r Resolution) (Pending, bool, error) {
	if r.At.IsZero() {
		r.At = b.now()
	}
	p, applied, err := b.store.Resolve(ctx, id, r)
	if err != nil {
		return Pending{}, false, err
	}
	log := b.log.WithFields(logrus.Fields{"token": id, "status": p.Status, "by": p.ResolvedBy})
	if !applied {
		log.WithField("ignored", r.Status).Info("approval already resolved")
		// The winner may be another process; a local waiter still gets
		// the stored outcome.
		if p.Status.Terminal() {
			if ch := b.claim(id); ch != nil {
				ch <- outcomeOf(p)
			}
		}
		return p, false, nil
	}

	ch := b.claim(id)
	b.mu.Lock()
	_, adopted := b.adopted[id]
	delete(b.adopted, id)
	hook := b.onResolve
	b.mu.Unlock()

	log.WithField("event", "approval_"+string(p.Status)).Info(p.Reason)
	switch {
	case ch != nil:
		ch <- outcomeOf(p)
	case adopted && hook != nil:
		go hook(p)
	case !adopted:
		log.WithField("owner", p.Owner).Info("approval waited on by another process")
	}
	b.emit(Event{Type: EventResolved, Pending: p})
	return p, true, nil
}

// claim removes the waiter and timer for id. Only the caller that receives
// a non-nil channel may send on it, which makes delivery happen once.
func (b *Broker) claim(id string) chan Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.waiters[id]
	delete(b.waiters, id)
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	return ch
}

func (b *Broker) emit(ev Event) {
	b.mu.Lock()
	ls := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}
