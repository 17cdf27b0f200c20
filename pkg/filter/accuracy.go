package filter

import (
	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Default acceptance band for reported horizontal accuracy.
const (
	DefaultMinAccuracyM = 0.0
	DefaultMaxAccuracyM = 100.0
)

// AccuracyFilter demotes fixes whose reported accuracy falls outside the
// accepted band to LOW_ACCURACY. It never rejects outright; downstream stages
// decide what to do with demoted fixes.
type AccuracyFilter struct {
	baseFilter
	logger *logx.Logger
	minM   float64
	maxM   float64
}

// NewAccuracyFilter creates the filter with the given band. A non-positive
// max selects the default band; bounds are clamped so 0 <= min <= max.
func NewAccuracyFilter(minM, maxM float64, logger *logx.Logger) *AccuracyFilter {
	if logger == nil {
		logger = logx.NewLogger("info", "filter")
	}
	if maxM <= 0 {
		minM, maxM = DefaultMinAccuracyM, DefaultMaxAccuracyM
	}
	f := &AccuracyFilter{
		baseFilter: newBaseFilter("accuracy_filter", PriorityAccuracy),
		logger:     logger,
	}
	f.SetAccuracyRange(minM, maxM)
	return f
}

// SetAccuracyRange updates the band, clamping min to >= 0 and max to >= min.
func (f *AccuracyFilter) SetAccuracyRange(minM, maxM float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if minM < 0 {
		minM = 0
	}
	if maxM < minM {
		maxM = minM
	}
	f.minM = minM
	f.maxM = maxM
}

// AccuracyRange returns the current acceptance band.
func (f *AccuracyFilter) AccuracyRange() (minM, maxM float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.minM, f.maxM
}

// Apply demotes the fix to LOW_ACCURACY when its accuracy is out of band.
func (f *AccuracyFilter) Apply(fix *pkg.Fix) error {
	f.mu.RLock()
	minM, maxM := f.minM, f.maxM
	f.mu.RUnlock()

	if fix.Accuracy < minM || fix.Accuracy > maxM {
		fix.Status = pkg.StatusLowAccuracy
		f.logger.Debug("accuracy_out_of_band",
			"accuracy_m", fix.Accuracy,
			"min_m", minM,
			"max_m", maxM,
			"source", string(fix.Source))
	}
	return nil
}
