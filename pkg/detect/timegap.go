package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// TimeGapConfig holds time-gap detector settings.
type TimeGapConfig struct {
	MaxTimeGapMs  int64 `json:"max_time_gap_ms"`
	MinSampleSize int   `json:"min_sample_size"`
}

// DefaultTimeGapConfig returns the stock settings (60s gap, 5 samples).
func DefaultTimeGapConfig() *TimeGapConfig {
	return &TimeGapConfig{
		MaxTimeGapMs:  60000,
		MinSampleSize: 5,
	}
}

// TimeGapDetector flags fixes whose age exceeds the configured maximum gap.
type TimeGapDetector struct {
	baseDetector
	maxTimeGapMs int64
	logger       *logx.Logger
	now          func() time.Time
}

// NewTimeGapDetector creates a time-gap detector. A nil config uses defaults.
func NewTimeGapDetector(config *TimeGapConfig, logger *logx.Logger) *TimeGapDetector {
	if config == nil {
		config = DefaultTimeGapConfig()
	}
	maxGap := config.MaxTimeGapMs
	if maxGap <= 0 {
		maxGap = DefaultTimeGapConfig().MaxTimeGapMs
	}
	return &TimeGapDetector{
		baseDetector: newBaseDetector("time_gap", config.MinSampleSize),
		maxTimeGapMs: maxGap,
		logger:       logger,
		now:          time.Now,
	}
}

// Detect flags the fix when now − fix.Timestamp exceeds the maximum gap.
// Confidence is the gap ratio capped at 1.
func (d *TimeGapDetector) Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error) {
	if res := d.gate(context); res != nil {
		return res, nil
	}

	gapMs := d.now().Sub(fix.Timestamp).Milliseconds()
	if gapMs < 0 {
		gapMs = 0
	}
	ratio := float64(gapMs) / float64(d.maxTimeGapMs)
	anomalous := gapMs > d.maxTimeGapMs

	result := &pkg.AnomalyResult{
		Anomalous:  anomalous,
		Confidence: math.Min(1.0, ratio),
		Details: map[string]string{
			"time_gap_ms":     fmt.Sprintf("%d", gapMs),
			"max_time_gap_ms": fmt.Sprintf("%d", d.maxTimeGapMs),
		},
	}

	if anomalous && d.logger != nil {
		d.logger.Debug("time_gap_anomaly",
			"gap_ms", gapMs,
			"max_gap_ms", d.maxTimeGapMs,
			"source", string(fix.Source),
		)
	}
	return result, nil
}
