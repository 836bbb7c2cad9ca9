package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
)

// Account is a broker account at one point in time.
type Account struct {
	Equity    float64            `json:"equity"`
	Cash      float64            `json:"cash"`
	Positions map[string]float64 `json:"positions"`
}

// AccountSource reads the account from a broker, live or simulated.
type AccountSource interface {
	Account(ctx context.Context) (Account, error)
}

// Sink receives synced values, normally the risk manager.
type Sink interface {
	SetEquity(equity float64)
	SyncPositions(positions map[string]float64)
}

// Tracker periodically syncs equity and positions into the risk state.
type Tracker struct {
	source       AccountSource
	sink         Sink
	syncInterval time.Duration
	log          *logrus.Entry

	mu       sync.RWMutex
	account  Account
	lastSync time.Time
}

// NewTracker creates a Tracker that syncs at the given interval.
func NewTracker(source AccountSource, sink Sink, syncInterval time.Duration) *Tracker {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	return &Tracker{
		source:       source,
		sink:         sink,
		syncInterval: syncInterval,
		log:          logging.For("portfolio"),
	}
}

// Sync fetches the account and pushes it to the sink.
func (t *Tracker) Sync(ctx context.Context) error {
	acct, err := t.source.Account(ctx)
	if err != nil {
		return err
	}
	if acct.Equity > 0 {
		t.sink.SetEquity(acct.Equity)
	}
	if acct.Positions != nil {
		t.sink.SyncPositions(acct.Positions)
	}

	t.mu.Lock()
	t.account = acct
	t.lastSync = time.Now()
	t.mu.Unlock()
	return nil
}

// Account returns the cached account.
func (t *Tracker) Account() Account {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.account
}

// LastSync returns the time of the last successful sync.
func (t *Tracker) LastSync() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSync
}

// Run starts the periodic sync loop. Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Sync(ctx); err != nil {
		t.log.WithError(err).Warn("initial account sync failed")
	}

	ticker := time.NewTicker(t.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sync(ctx); err != nil {
				t.log.WithError(err).Warn("account sync failed")
			}
		}
	}
}
