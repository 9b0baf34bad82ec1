// Package playbook resolves the operator playbook: the standing instructions
// that become the reasoning loop's system prompt.
package playbook

import (
	"sync"
	"time"
)

// cacheEntry holds a resolved playbook with a timestamp for TTL expiration.
type cacheEntry struct {
	content    string
	resolvedAt time.Time
}

// cache is a thread-safe in-memory cache with TTL expiration. Expired
// entries are cleaned up lazily on get; there is no background goroutine.
type cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *cache) get(key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}

	if time.Since(entry.resolvedAt) > c.ttl {
		// Expired. Re-check under the write lock: a concurrent set may have
		// replaced the entry with a fresh one in the meantime.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.resolvedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return "", false
	}

	return entry.content, true
}

func (c *cache) set(key, content string) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		content:    content,
		resolvedAt: time.Now(),
	}
	c.mu.Unlock()
}

func (c *cache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
