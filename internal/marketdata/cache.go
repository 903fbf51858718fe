package marketdata

import (
	"sync"
	"time"

	"github.com/tradearena/arena/internal/domain"
)

// ttlCache is a per-ticker cache with a fixed time-to-live. Only the
// provider mutates it; reads and writes are mutex-serialized.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	ticker  domain.Ticker
	expires time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns a fresh cached ticker, if any.
func (c *ttlCache) Get(symbol string) (domain.Ticker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok || c.now().After(e.expires) {
		return domain.Ticker{}, false
	}
	return e.ticker, true
}

// Put stores a ticker with the cache TTL.
func (c *ttlCache) Put(tk domain.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tk.Symbol] = cacheEntry{ticker: tk, expires: c.now().Add(c.ttl)}
}

// Len reports the number of entries, expired or not.
func (c *ttlCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
