package backtest

import (
	"sync"
	"time"
)

type cacheItem struct {
	result    Result
	expiresAt time.Time
}

// ResultCache keeps recent results by Key. Results are immutable, so entries
// are only dropped when they expire or the cache is full.
type ResultCache struct {
	mu         sync.RWMutex
	items      map[string]cacheItem
	order      []string
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

func NewResultCache(maxEntries int, ttl time.Duration) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	return &ResultCache{
		items:      make(map[string]cacheItem),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *ResultCache) Get(k Key) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[k.String()]
	if !ok {
		return Result{}, false
	}
	if c.ttl > 0 && c.now().After(item.expiresAt) {
		return Result{}, false
	}
	return item.result, true
}

func (c *ResultCache) Put(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := r.Key.String()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = cacheItem{result: r, expiresAt: c.now().Add(c.ttl)}
	for len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
