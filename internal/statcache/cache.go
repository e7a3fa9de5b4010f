// Package statcache caches member attribute lookups between remote queries.
//
// Entries have three states: a hit carrying attributes, a confirmed-absent
// marker (the host said the object does not exist), or a miss (never
// queried). There is no expiry; staleness is bounded by explicit
// invalidation from the provider and connection lifecycle events.
package statcache

import (
	"sync"

	"github.com/crisrivlop/qsysfs/internal/gateway"
)

// State classifies a cache lookup result.
type State int

const (
	Miss State = iota
	Hit
	ConfirmedAbsent
)

type entry struct {
	absent bool
	attrs  gateway.Attributes
}

// Cache maps canonical paths to cached attributes or absence markers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Get looks up a path. The attributes are only meaningful when the state
// is Hit.
func (c *Cache) Get(path string) (gateway.Attributes, State) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[path]
	if !ok {
		return gateway.Attributes{}, Miss
	}
	if e.absent {
		return gateway.Attributes{}, ConfirmedAbsent
	}
	return e.attrs, Hit
}

// Set stores attributes for a path, replacing any previous entry.
func (c *Cache) Set(path string, attrs gateway.Attributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = entry{attrs: attrs}
}

// SetAbsent marks a path as confirmed absent. A later successful creation
// must evict this entry explicitly; nothing ages it out.
func (c *Cache) SetAbsent(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = entry{absent: true}
}

// Clear removes the entry for one path.
func (c *Cache) Clear(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// ClearAll removes every entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of cached entries, absence markers included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
