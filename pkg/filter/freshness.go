package filter

import (
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// DefaultMaxFixAgeMs is the freshness horizon: fixes older than this are
// marked INVALID.
const DefaultMaxFixAgeMs int64 = 300000

// FreshnessFilter marks fixes older than a maximum age INVALID. Age is
// measured against the filter's clock, injectable for tests. Fixes with
// future timestamps pass.
type FreshnessFilter struct {
	baseFilter
	logger   *logx.Logger
	maxAgeMs int64
	now      func() time.Time
}

// NewFreshnessFilter creates the filter. A non-positive maxAgeMs selects the
// default horizon.
func NewFreshnessFilter(maxAgeMs int64, logger *logx.Logger) *FreshnessFilter {
	if logger == nil {
		logger = logx.NewLogger("info", "filter")
	}
	if maxAgeMs <= 0 {
		maxAgeMs = DefaultMaxFixAgeMs
	}
	return &FreshnessFilter{
		baseFilter: newBaseFilter("freshness_filter", PriorityFreshness),
		logger:     logger,
		maxAgeMs:   maxAgeMs,
		now:        time.Now,
	}
}

// SetMaxAge updates the horizon; negative values clamp to 0, which marks
// everything not timestamped right now as stale.
func (f *FreshnessFilter) SetMaxAge(maxAgeMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maxAgeMs < 0 {
		maxAgeMs = 0
	}
	f.maxAgeMs = maxAgeMs
}

// MaxAge returns the current horizon in milliseconds.
func (f *FreshnessFilter) MaxAge() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxAgeMs
}

// Apply marks the fix INVALID when it is older than the horizon.
func (f *FreshnessFilter) Apply(fix *pkg.Fix) error {
	f.mu.RLock()
	maxAgeMs := f.maxAgeMs
	f.mu.RUnlock()

	ageMs := f.now().Sub(fix.Timestamp).Milliseconds()
	if ageMs > maxAgeMs {
		fix.Status = pkg.StatusInvalid
		f.logger.Debug("fix_stale",
			"age_ms", ageMs,
			"max_age_ms", maxAgeMs,
			"source", string(fix.Source))
	}
	return nil
}
