package metacache

import (
	"sync"
	"time"

	"github.com/nathanyu/trading-venue/internal/domain"
)

// Entry holds the order attributes needed for trade attribution.
type Entry struct {
	Side        domain.Side
	TradingPair string
	CreatedAt   time.Time
}

// Cache is a process-local, best-effort map from order id to metadata,
// populated on order creation and read during aggressor attribution.
//
// It is not a source of truth: it is empty after a restart and is never
// repopulated from the store. The hot path only inserts; entries are never
// updated or deleted, so readers and writers from concurrent partition
// workers can share one instance.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
	}
}

// Put records an order's metadata. Re-inserting the same id is harmless.
func (c *Cache) Put(orderID string, e Entry) {
	c.mu.Lock()
	c.entries[orderID] = e
	c.mu.Unlock()
}

// Get returns the metadata for an order id, if present.
func (c *Cache) Get(orderID string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[orderID]
	c.mu.RUnlock()
	return e, ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
