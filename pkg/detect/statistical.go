package detect

import (
	"fmt"
	"math"
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// StatisticalConfig holds z-score detector settings.
type StatisticalConfig struct {
	ZScoreThreshold float64 `json:"z_score_threshold"`
	MaxHistorySize  int     `json:"max_history_size"`
	MinSampleSize   int     `json:"min_sample_size"`
}

// DefaultStatisticalConfig returns the stock settings (z 2.0, history 50).
func DefaultStatisticalConfig() *StatisticalConfig {
	return &StatisticalConfig{
		ZScoreThreshold: 2.0,
		MaxHistorySize:  50,
		MinSampleSize:   5,
	}
}

// HistoryStats is a snapshot of the detector's rolling history distribution,
// exposed for inspection and tests.
type HistoryStats struct {
	Count     int
	LatMean   float64
	LatStdDev float64
	LonMean   float64
	LonStdDev float64
	AccMean   float64
	AccStdDev float64
}

// StatisticalDetector flags fixes whose latitude, longitude or accuracy
// deviates from the rolling distribution by more than the z-score threshold.
// It maintains its own bounded history, merged with the caller-supplied
// context at evaluation time. Anomalous fixes are never appended to the
// history, so one outlier cannot contaminate the distribution it was judged
// against.
type StatisticalDetector struct {
	baseDetector
	zThreshold     float64
	maxHistorySize int
	history        []*pkg.Fix
	historyMu      sync.Mutex
	logger         *logx.Logger
}

// NewStatisticalDetector creates a z-score detector. A nil config uses
// defaults.
func NewStatisticalDetector(config *StatisticalConfig, logger *logx.Logger) *StatisticalDetector {
	if config == nil {
		config = DefaultStatisticalConfig()
	}
	z := config.ZScoreThreshold
	if z <= 0 {
		z = DefaultStatisticalConfig().ZScoreThreshold
	}
	maxHistory := config.MaxHistorySize
	if maxHistory < 1 {
		maxHistory = DefaultStatisticalConfig().MaxHistorySize
	}
	return &StatisticalDetector{
		baseDetector:   newBaseDetector("statistical", config.MinSampleSize),
		zThreshold:     z,
		maxHistorySize: maxHistory,
		logger:         logger,
	}
}

// Detect evaluates per-axis z-scores against the merged history+context
// distribution. The accuracy axis uses twice the base threshold since
// accuracy naturally varies more between sources.
func (d *StatisticalDetector) Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error) {
	d.mu.RLock()
	enabled := d.enabled
	minSamples := d.minSampleSize
	d.mu.RUnlock()

	if !enabled {
		return pkg.NormalResult("detector disabled"), nil
	}

	d.historyMu.Lock()
	defer d.historyMu.Unlock()

	merged := make([]*pkg.Fix, 0, len(d.history)+len(context))
	merged = append(merged, d.history...)
	for _, c := range context {
		if c != nil {
			merged = append(merged, c)
		}
	}

	if len(merged) < minSamples {
		return pkg.NormalResult("insufficient context"), nil
	}

	lats := make([]float64, len(merged))
	lons := make([]float64, len(merged))
	accs := make([]float64, len(merged))
	for i, m := range merged {
		lats[i] = m.Latitude
		lons[i] = m.Longitude
		accs[i] = m.Accuracy
	}

	zLat := zScore(fix.Latitude, lats)
	zLon := zScore(fix.Longitude, lons)
	zAcc := zScore(fix.Accuracy, accs)

	anomalous := zLat > d.zThreshold || zLon > d.zThreshold || zAcc > 2*d.zThreshold

	maxZ := math.Max(zLat, math.Max(zLon, zAcc/2))
	confidence := 0.0
	if anomalous {
		confidence = math.Min(1.0, (maxZ-d.zThreshold)/d.zThreshold)
		if confidence < 0 {
			confidence = 0
		}
	}

	result := &pkg.AnomalyResult{
		Anomalous:  anomalous,
		Confidence: confidence,
		Details: map[string]string{
			"z_lat":       fmt.Sprintf("%.3f", zLat),
			"z_lon":       fmt.Sprintf("%.3f", zLon),
			"z_accuracy":  fmt.Sprintf("%.3f", zAcc),
			"z_threshold": fmt.Sprintf("%.2f", d.zThreshold),
			"sample_size": fmt.Sprintf("%d", len(merged)),
		},
	}

	if anomalous {
		if d.logger != nil {
			d.logger.Debug("statistical_anomaly",
				"z_lat", zLat,
				"z_lon", zLon,
				"z_accuracy", zAcc,
				"threshold", d.zThreshold,
			)
		}
		return result, nil
	}

	d.appendLocked(fix)
	return result, nil
}

// Observe appends a fix to the rolling history without evaluating it. Used to
// seed the distribution.
func (d *StatisticalDetector) Observe(fix *pkg.Fix) {
	if fix == nil {
		return
	}
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	d.appendLocked(fix)
}

func (d *StatisticalDetector) appendLocked(fix *pkg.Fix) {
	d.history = append(d.history, fix.Clone())
	if len(d.history) > d.maxHistorySize {
		d.history = d.history[len(d.history)-d.maxHistorySize:]
	}
}

// HistorySize returns the number of fixes in the rolling history.
func (d *StatisticalDetector) HistorySize() int {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	return len(d.history)
}

// Stats returns a snapshot of the rolling history distribution.
func (d *StatisticalDetector) Stats() HistoryStats {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()

	lats := make([]float64, len(d.history))
	lons := make([]float64, len(d.history))
	accs := make([]float64, len(d.history))
	for i, h := range d.history {
		lats[i] = h.Latitude
		lons[i] = h.Longitude
		accs[i] = h.Accuracy
	}
	return HistoryStats{
		Count:     len(d.history),
		LatMean:   geo.Mean(lats),
		LatStdDev: geo.StdDev(lats),
		LonMean:   geo.Mean(lons),
		LonStdDev: geo.StdDev(lons),
		AccMean:   geo.Mean(accs),
		AccStdDev: geo.StdDev(accs),
	}
}

// ClearHistory drops the rolling history.
func (d *StatisticalDetector) ClearHistory() {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	d.history = nil
}

// zScore returns |value − mean| / stddev over the samples. A zero-spread
// distribution contributes z=0 when the value matches the mean; a value off a
// zero-spread distribution is maximally surprising and returns +Inf.
func zScore(value float64, samples []float64) float64 {
	mean := geo.Mean(samples)
	stddev := geo.StdDev(samples)
	if stddev <= 0 {
		if len(samples) >= 2 && value != mean {
			return math.Inf(1)
		}
		return 0
	}
	return math.Abs(value-mean) / stddev
}
