// Package metadata caches last-known remote attributes keyed by remote
// object key. It is a pure lookup structure: the directory tree is its only
// writer, and entries live exactly as long as their owning tree node.
package metadata

import (
	"sync"
	"time"
)

// Attrs holds the cached attributes of one remote object.
type Attrs struct {
	Size     int64
	Hash     string
	ModTime  time.Time
	Revision uint64
}

// Cache maps remote keys to their last-known attributes.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Attrs
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Attrs)}
}

// Get returns the cached attributes for key.
func (c *Cache) Get(key string) (Attrs, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[key]
	return a, ok
}

// Put stores attributes for key, replacing any previous entry.
func (c *Cache) Put(key string, a Attrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = a
}

// Forget drops the entry for key, if any.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// NeedsUpdate reports whether the cached entry for key is missing or older
// than revision. The tree uses this during a refresh merge to skip attribute
// updates for unchanged objects.
func (c *Cache) NeedsUpdate(key string, revision uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[key]
	if !ok {
		return true
	}
	return a.Revision != revision
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
