package service

import (
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
)

// locationCache is a bounded FIFO buffer of recent correction results.
// Eviction is strictly oldest-first, not LRU: results are time-ordered, so
// the oldest entry is by definition the least relevant. It has its own lock,
// disjoint from the queue lock, so reads never contend with ingestion.
type locationCache struct {
	mu       sync.Mutex
	entries  []*pkg.CorrectedLocation
	capacity int
}

func newLocationCache(capacity int) *locationCache {
	if capacity < 1 {
		capacity = 1
	}
	return &locationCache{
		entries:  make([]*pkg.CorrectedLocation, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a result, evicting the oldest entries once capacity is
// exceeded. Nil results are ignored.
func (c *locationCache) Add(location *pkg.CorrectedLocation) {
	if location == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, location)
	if over := len(c.entries) - c.capacity; over > 0 {
		c.entries = c.entries[over:]
	}
}

// Latest returns the most recent entry, or nil when the cache is empty.
func (c *locationCache) Latest() *pkg.CorrectedLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1]
}

// Snapshot returns a copy of the cache contents, oldest first.
func (c *locationCache) Snapshot() []*pkg.CorrectedLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*pkg.CorrectedLocation, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of cached entries.
func (c *locationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the cache bound.
func (c *locationCache) Capacity() int {
	return c.capacity
}

// Clear empties the cache.
func (c *locationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
}
