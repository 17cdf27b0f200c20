package detect

import (
	"fmt"
	"math"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// SpeedConfig holds implied-speed detector settings.
type SpeedConfig struct {
	MaxSpeedMPS   float64 `json:"max_speed_mps"`
	MinSampleSize int     `json:"min_sample_size"`
}

// DefaultSpeedConfig returns the stock settings (30 m/s, 5 samples).
func DefaultSpeedConfig() *SpeedConfig {
	return &SpeedConfig{
		MaxSpeedMPS:   30,
		MinSampleSize: 5,
	}
}

// SpeedDetector flags fixes whose implied speed from the chronologically
// nearest prior fix exceeds the configured maximum. Context may arrive in any
// order; the prior fix is found by timestamp, never by list position.
type SpeedDetector struct {
	baseDetector
	maxSpeedMPS float64
	logger      *logx.Logger
}

// NewSpeedDetector creates a speed detector. A nil config uses defaults.
func NewSpeedDetector(config *SpeedConfig, logger *logx.Logger) *SpeedDetector {
	if config == nil {
		config = DefaultSpeedConfig()
	}
	maxSpeed := config.MaxSpeedMPS
	if maxSpeed <= 0 {
		maxSpeed = DefaultSpeedConfig().MaxSpeedMPS
	}
	return &SpeedDetector{
		baseDetector: newBaseDetector("speed", config.MinSampleSize),
		maxSpeedMPS:  maxSpeed,
		logger:       logger,
	}
}

// Detect computes implied speed = distance / elapsed against the nearest
// prior fix. Confidence scales with the overshoot ratio, capped at 1.
func (d *SpeedDetector) Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error) {
	if res := d.gate(context); res != nil {
		return res, nil
	}

	prior := nearestPrior(fix, context)
	if prior == nil {
		return pkg.NormalResult("no prior fix"), nil
	}

	elapsedMs := fix.Timestamp.Sub(prior.Timestamp).Milliseconds()
	if elapsedMs <= 0 {
		return pkg.NormalResult("non-positive elapsed time"), nil
	}

	distanceM := geo.Distance(prior.Latitude, prior.Longitude, fix.Latitude, fix.Longitude)
	speed := distanceM / (float64(elapsedMs) / 1000.0)
	anomalous := speed > d.maxSpeedMPS

	confidence := 0.0
	if anomalous {
		confidence = math.Min(1.0, speed/d.maxSpeedMPS-1.0)
	}

	result := &pkg.AnomalyResult{
		Anomalous:  anomalous,
		Confidence: confidence,
		Details: map[string]string{
			"implied_speed_mps": fmt.Sprintf("%.2f", speed),
			"max_speed_mps":     fmt.Sprintf("%.2f", d.maxSpeedMPS),
			"distance_m":        fmt.Sprintf("%.2f", distanceM),
			"elapsed_ms":        fmt.Sprintf("%d", elapsedMs),
		},
	}

	if anomalous && d.logger != nil {
		d.logger.Debug("speed_anomaly",
			"speed_mps", speed,
			"max_speed_mps", d.maxSpeedMPS,
			"distance_m", distanceM,
			"elapsed_ms", elapsedMs,
		)
	}
	return result, nil
}

// nearestPrior returns the context fix with the largest timestamp strictly
// before the candidate's, or nil when none exists.
func nearestPrior(fix *pkg.Fix, context []*pkg.Fix) *pkg.Fix {
	var prior *pkg.Fix
	for _, c := range context {
		if c == nil || !c.Timestamp.Before(fix.Timestamp) {
			continue
		}
		if prior == nil || c.Timestamp.After(prior.Timestamp) {
			prior = c
		}
	}
	return prior
}
