package patterns

import (
	"sync"

	"github.com/opsloop/opsloop/pkg/models"
)

// Cache is the in-memory baseline lookup on the detector's hot path. It
// holds the full baselines table; a miss means the slot has no history yet.
// Approved threshold adjustments land here through Put without waiting for
// the weekly recompute.
type Cache struct {
	mu    sync.RWMutex
	slots map[string]*models.Baseline
}

// NewCache creates an empty baseline cache.
func NewCache() *Cache {
	return &Cache{slots: make(map[string]*models.Baseline)}
}

// Get returns the baseline for one (source, event_type, dow, hour) slot.
func (c *Cache) Get(source, eventType string, dayOfWeek, hourOfDay int) (*models.Baseline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.slots[models.BaselineKey(source, eventType, dayOfWeek, hourOfDay)]
	return b, ok
}

// Put inserts or overwrites one slot.
func (c *Cache) Put(b *models.Baseline) {
	if b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[b.CacheKey()] = b
}

// ReplaceAll swaps the whole cache for a fresh snapshot, dropping slots that
// no longer exist in the store.
func (c *Cache) ReplaceAll(baselines []*models.Baseline) {
	slots := make(map[string]*models.Baseline, len(baselines))
	for _, b := range baselines {
		slots[b.CacheKey()] = b
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = slots
}

// Len returns the number of cached slots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}
