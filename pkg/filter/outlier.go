package filter

import (
	"fmt"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Outlier filter defaults.
const (
	DefaultOutlierThresholdFactor = 2.0
	DefaultOutlierHistorySize     = 50
	DefaultOutlierMinSamples      = 5
)

// minDistanceSpreadM floors the spread estimate so a perfectly still history
// does not flag every subsequent fix.
const minDistanceSpreadM = 0.0001

// OutlierFilterConfig bounds the per-filter history and the rejection
// threshold.
type OutlierFilterConfig struct {
	ThresholdFactor float64 `json:"threshold_factor"`
	MaxHistorySize  int     `json:"max_history_size"`
	MinSampleSize   int     `json:"min_sample_size"`
}

// DefaultOutlierFilterConfig returns the stock thresholds.
func DefaultOutlierFilterConfig() *OutlierFilterConfig {
	return &OutlierFilterConfig{
		ThresholdFactor: DefaultOutlierThresholdFactor,
		MaxHistorySize:  DefaultOutlierHistorySize,
		MinSampleSize:   DefaultOutlierMinSamples,
	}
}

// OutlierFilter marks a fix ANOMALY when its distance from the centroid of
// the filter's own accepted history exceeds thresholdFactor times the
// history's distance spread. Rejected fixes are not admitted to the history,
// so a burst of outliers cannot drag the centroid toward itself. Each
// instance owns its history and lock; instances never share state.
type OutlierFilter struct {
	baseFilter
	logger          *logx.Logger
	thresholdFactor float64
	maxHistorySize  int
	minSampleSize   int
	history         []*pkg.Fix
}

// NewOutlierFilter creates the filter. A nil config selects the defaults.
// The threshold factor clamps to >= 1 and the history bound to >= the
// minimum sample size.
func NewOutlierFilter(config *OutlierFilterConfig, logger *logx.Logger) *OutlierFilter {
	if config == nil {
		config = DefaultOutlierFilterConfig()
	}
	if logger == nil {
		logger = logx.NewLogger("info", "filter")
	}

	minSamples := config.MinSampleSize
	if minSamples <= 0 {
		minSamples = DefaultOutlierMinSamples
	}
	factor := config.ThresholdFactor
	if factor <= 0 {
		factor = DefaultOutlierThresholdFactor
	}
	if factor < 1 {
		factor = 1
	}
	maxHistory := config.MaxHistorySize
	if maxHistory <= 0 {
		maxHistory = DefaultOutlierHistorySize
	}
	if maxHistory < minSamples {
		maxHistory = minSamples
	}

	return &OutlierFilter{
		baseFilter:      newBaseFilter("outlier_filter", PriorityOutlier),
		logger:          logger,
		thresholdFactor: factor,
		maxHistorySize:  maxHistory,
		minSampleSize:   minSamples,
	}
}

// SetThresholdFactor updates the rejection multiplier, clamped to >= 1.
func (f *OutlierFilter) SetThresholdFactor(factor float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if factor < 1 {
		factor = 1
	}
	f.thresholdFactor = factor
}

// ThresholdFactor returns the current rejection multiplier.
func (f *OutlierFilter) ThresholdFactor() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.thresholdFactor
}

// HistorySize reports how many accepted fixes the filter currently holds.
func (f *OutlierFilter) HistorySize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}

// ClearHistory drops the accepted history, restarting the warm-up phase.
func (f *OutlierFilter) ClearHistory() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = nil
}

// Apply evaluates the fix against the accepted history. Fixes that are not
// valid pass straight through without touching the history; during warm-up
// (history below the minimum sample size) every valid fix is admitted.
func (f *OutlierFilter) Apply(fix *pkg.Fix) error {
	if !fix.IsValid() {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.history) < f.minSampleSize {
		f.admit(fix)
		return nil
	}

	var sumLat, sumLon float64
	for _, h := range f.history {
		sumLat += h.Latitude
		sumLon += h.Longitude
	}
	centroidLat := sumLat / float64(len(f.history))
	centroidLon := sumLon / float64(len(f.history))

	distances := make([]float64, len(f.history))
	for i, h := range f.history {
		distances[i] = geo.Distance(h.Latitude, h.Longitude, centroidLat, centroidLon)
	}
	spread := geo.StdDev(distances)
	if spread < minDistanceSpreadM {
		spread = 1.0
	}

	distance := geo.Distance(fix.Latitude, fix.Longitude, centroidLat, centroidLon)
	threshold := f.thresholdFactor * spread
	if distance > threshold {
		fix.Status = pkg.StatusAnomaly
		fix.SetExtra(ExtraIsOutlier, "true")
		fix.SetExtra(ExtraOutlierDistance, fmt.Sprintf("%.2f", distance))
		fix.SetExtra(ExtraOutlierThreshold, fmt.Sprintf("%.2f", threshold))
		f.logger.Debug("outlier_rejected",
			"distance_m", distance,
			"threshold_m", threshold,
			"history_size", len(f.history),
			"source", string(fix.Source))
		return nil
	}

	f.admit(fix)
	return nil
}

// admit appends a copy and trims the oldest entries past the bound. Callers
// hold mu.
func (f *OutlierFilter) admit(fix *pkg.Fix) {
	f.history = append(f.history, fix.Clone())
	if len(f.history) > f.maxHistorySize {
		f.history = f.history[len(f.history)-f.maxHistorySize:]
	}
}
