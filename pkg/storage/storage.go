// Package storage persists corrected locations. MemoryStorage is the bounded
// in-process default, SQLiteStorage adds durable history with indexed range
// and source queries, and SnapshotStore keeps the single most recent result
// for offline serving and warm restarts.
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// DefaultMemoryCapacity bounds the in-memory store.
const DefaultMemoryCapacity = 10000

// Storage is the corrected-location persistence surface. Implementations are
// safe for concurrent use; callers treat write failures as degradations, not
// pipeline errors.
type Storage interface {
	// Store appends one corrected location.
	Store(loc *pkg.CorrectedLocation) error
	// QueryByTimeRange returns locations with start <= Timestamp <= end,
	// oldest first.
	QueryByTimeRange(start, end time.Time) ([]*pkg.CorrectedLocation, error)
	// QueryBySource returns locations whose originating fix carries the
	// given source, oldest first.
	QueryBySource(source pkg.SourceType) ([]*pkg.CorrectedLocation, error)
	// Latest returns the most recently stored location, or (nil, nil) when
	// the store is empty.
	Latest() (*pkg.CorrectedLocation, error)
	// Count returns the number of stored locations.
	Count() int
	// Clear removes every stored location.
	Clear() error
	// Close releases underlying resources.
	Close() error
}

// MemoryStorage is a bounded in-memory store. When full it evicts the oldest
// entry, so it holds a sliding window of recent results.
type MemoryStorage struct {
	logger *logx.Logger

	mu        sync.RWMutex
	locations []*pkg.CorrectedLocation
	capacity  int
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a store holding at most capacity locations.
// Non-positive capacities fall back to the default.
func NewMemoryStorage(capacity int, logger *logx.Logger) *MemoryStorage {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if logger == nil {
		logger = logx.NewLogger("info", "storage")
	}
	return &MemoryStorage{
		logger:   logger,
		capacity: capacity,
	}
}

// Store appends the location, evicting the oldest entry when full.
func (m *MemoryStorage) Store(loc *pkg.CorrectedLocation) error {
	if loc == nil {
		return fmt.Errorf("cannot store nil location")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.locations = append(m.locations, loc)
	if over := len(m.locations) - m.capacity; over > 0 {
		m.locations = m.locations[over:]
	}
	return nil
}

// QueryByTimeRange returns stored locations inside [start, end], inclusive
// on both ends, oldest first.
func (m *MemoryStorage) QueryByTimeRange(start, end time.Time) ([]*pkg.CorrectedLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*pkg.CorrectedLocation
	for _, loc := range m.locations {
		if !loc.Timestamp.Before(start) && !loc.Timestamp.After(end) {
			results = append(results, loc)
		}
	}
	return results, nil
}

// QueryBySource returns stored locations whose originating fix carries the
// given source, oldest first.
func (m *MemoryStorage) QueryBySource(source pkg.SourceType) ([]*pkg.CorrectedLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*pkg.CorrectedLocation
	for _, loc := range m.locations {
		if originSource(loc) == source {
			results = append(results, loc)
		}
	}
	return results, nil
}

// Latest returns the most recently stored location, or (nil, nil) when empty.
func (m *MemoryStorage) Latest() (*pkg.CorrectedLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.locations) == 0 {
		return nil, nil
	}
	return m.locations[len(m.locations)-1], nil
}

// Count returns the number of stored locations.
func (m *MemoryStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locations)
}

// Clear removes every stored location.
func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations = nil
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStorage) Close() error {
	return nil
}

// Capacity returns the store's bound.
func (m *MemoryStorage) Capacity() int {
	return m.capacity
}

// originSource extracts the source of the fix a result was corrected from.
// Fused results carry SourceFused on their merged fix.
func originSource(loc *pkg.CorrectedLocation) pkg.SourceType {
	if loc == nil || loc.Original == nil {
		return ""
	}
	return loc.Original.Source
}
