package feed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
)

// Quote is the latest top of book and last trade for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	At     time.Time `json:"at"`
}

// Mid returns the bid/ask midpoint, or the last trade when the book is one-sided.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Cache maintains an in-memory quote per symbol.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a Cache. Quotes older than maxAge are treated as missing;
// zero keeps them forever.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{quotes: make(map[string]Quote), maxAge: maxAge, now: time.Now}
}

// Seed stores fixed prices, e.g. the configured paper prices.
func (c *Cache) Seed(prices map[string]float64) {
	now := c.now()
	for sym, p := range prices {
		c.Update(Quote{Symbol: sym, Last: p, At: now})
	}
}

func (c *Cache) Update(q Quote) {
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	if q.At.IsZero() {
		q.At = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Symbol] = q
}

func (c *Cache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[strings.ToUpper(symbol)]
	return q, ok
}

// Price returns the mid price for symbol. Missing and stale quotes are errors.
func (c *Cache) Price(_ context.Context, symbol string) (float64, error) {
	q, ok := c.Get(symbol)
	if !ok || q.Mid() <= 0 {
		return 0, fmt.Errorf("no quote for %s", symbol)
	}
	if c.maxAge > 0 && c.now().Sub(q.At) > c.maxAge {
		return 0, fmt.Errorf("quote for %s is stale (%s old)", symbol, c.now().Sub(q.At).Round(time.Second))
	}
	return q.Mid(), nil
}

// Symbols returns all tracked symbols, sorted.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.quotes))
	for id := range c.quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Upstream fetches a fresh price, e.g. the broker's latest trade.
type Upstream interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Refresher polls an Upstream into a Cache.
type Refresher struct {
	cache    *Cache
	upstream Upstream
	symbols  []string
	interval time.Duration
	log      *logrus.Entry
}

func NewRefresher(cache *Cache, upstream Upstream, symbols []string, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{cache: cache, upstream: upstream, symbols: symbols, interval: interval, log: logging.For("feed")}
}

// Refresh fetches every symbol once and returns how many were updated.
func (r *Refresher) Refresh(ctx context.Context) int {
	n := 0
	for _, sym := range r.symbols {
		p, err := r.upstream.LatestPrice(ctx, sym)
		if err != nil {
			r.log.WithField("symbol", sym).WithError(err).Warn("price refresh failed")
			continue
		}
		r.cache.Update(Quote{Symbol: sym, Last: p})
		n++
	}
	return n
}

// Run refreshes on every tick. Blocks until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.Refresh(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}
