// Package filter implements the sequential pre-processing chain that runs
// ahead of fusion: accuracy gating, freshness gating, statistical outlier
// rejection and datum conversion. Filters mark status on a working copy and
// never touch the caller's fix; a step that fails is skipped and the fix
// continues through the chain unchanged.
package filter

import (
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
)

// Default chain positions. Lower runs earlier.
const (
	PriorityAccuracy  = 10
	PriorityFreshness = 20
	PriorityOutlier   = 30
	PriorityDatum     = 40
)

// Extras keys stamped by filters for downstream consumers.
const (
	ExtraIsOutlier        = "is_outlier"
	ExtraOutlierDistance  = "outlier_distance_m"
	ExtraOutlierThreshold = "outlier_threshold_m"
	ExtraCoordinateSystem = "coordinate_system"
)

// Filter is one step of the pre-processing chain. Apply mutates the working
// copy handed to it (status demotion, coordinate rewrite, extras) and returns
// an error only when the step could not run at all; demoting a fix to
// LOW_ACCURACY, INVALID or ANOMALY is a normal, error-free outcome.
type Filter interface {
	Name() string
	Priority() int
	Enabled() bool
	SetEnabled(enabled bool)
	Apply(fix *pkg.Fix) error
}

// baseFilter carries the identity, chain position and enable flag shared by
// all filter implementations.
type baseFilter struct {
	name     string
	priority int
	enabled  bool
	mu       sync.RWMutex
}

func newBaseFilter(name string, priority int) baseFilter {
	return baseFilter{name: name, priority: priority, enabled: true}
}

func (b *baseFilter) Name() string { return b.name }

func (b *baseFilter) Priority() int { return b.priority }

func (b *baseFilter) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *baseFilter) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}
