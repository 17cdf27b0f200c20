package detect

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sajari/regression"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// PredictiveConfig holds trend-prediction detector settings.
type PredictiveConfig struct {
	MaxResidualM  float64 `json:"max_residual_m"`
	MinSampleSize int     `json:"min_sample_size"`
}

// DefaultPredictiveConfig returns the stock settings (250 m residual).
func DefaultPredictiveConfig() *PredictiveConfig {
	return &PredictiveConfig{
		MaxResidualM:  250,
		MinSampleSize: 5,
	}
}

// PredictiveDetector fits linear latitude/longitude trends over the context
// and flags fixes that land too far from the extrapolated position. A failed
// regression is treated as no verdict, never as an error.
type PredictiveDetector struct {
	baseDetector
	maxResidualM float64
	logger       *logx.Logger
}

// NewPredictiveDetector creates a trend-prediction detector. A nil config
// uses defaults.
func NewPredictiveDetector(config *PredictiveConfig, logger *logx.Logger) *PredictiveDetector {
	if config == nil {
		config = DefaultPredictiveConfig()
	}
	maxResidual := config.MaxResidualM
	if maxResidual <= 0 {
		maxResidual = DefaultPredictiveConfig().MaxResidualM
	}
	return &PredictiveDetector{
		baseDetector: newBaseDetector("predictive", config.MinSampleSize),
		maxResidualM: maxResidual,
		logger:       logger,
	}
}

// Detect predicts the fix position from the context trend and compares the
// residual distance against the configured maximum.
func (d *PredictiveDetector) Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error) {
	if res := d.gate(context); res != nil {
		return res, nil
	}

	samples := make([]*pkg.Fix, 0, len(context))
	for _, c := range context {
		if c != nil && !c.Timestamp.IsZero() {
			samples = append(samples, c)
		}
	}
	if len(samples) < 2 {
		return pkg.NormalResult("insufficient context"), nil
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	origin := samples[0].Timestamp
	elapsed := func(t time.Time) float64 {
		return t.Sub(origin).Seconds()
	}

	// Degenerate time spans cannot support a trend fit.
	if elapsed(samples[len(samples)-1].Timestamp) <= 0 {
		return pkg.NormalResult("no time spread in context"), nil
	}

	latReg := new(regression.Regression)
	latReg.SetObserved("latitude")
	latReg.SetVar(0, "elapsed_s")
	lonReg := new(regression.Regression)
	lonReg.SetObserved("longitude")
	lonReg.SetVar(0, "elapsed_s")

	for _, s := range samples {
		t := elapsed(s.Timestamp)
		latReg.Train(regression.DataPoint(s.Latitude, []float64{t}))
		lonReg.Train(regression.DataPoint(s.Longitude, []float64{t}))
	}

	if err := latReg.Run(); err != nil {
		return pkg.NormalResult("regression failed"), nil
	}
	if err := lonReg.Run(); err != nil {
		return pkg.NormalResult("regression failed"), nil
	}

	t := elapsed(fix.Timestamp)
	predLat, err := latReg.Predict([]float64{t})
	if err != nil {
		return pkg.NormalResult("prediction failed"), nil
	}
	predLon, err := lonReg.Predict([]float64{t})
	if err != nil {
		return pkg.NormalResult("prediction failed"), nil
	}

	residualM := geo.Distance(predLat, predLon, fix.Latitude, fix.Longitude)
	anomalous := residualM > d.maxResidualM

	confidence := 0.0
	if anomalous {
		confidence = math.Min(1.0, residualM/d.maxResidualM-1.0)
	}

	result := &pkg.AnomalyResult{
		Anomalous:  anomalous,
		Confidence: confidence,
		Details: map[string]string{
			"residual_m":     fmt.Sprintf("%.2f", residualM),
			"max_residual_m": fmt.Sprintf("%.2f", d.maxResidualM),
			"predicted_lat":  fmt.Sprintf("%.6f", predLat),
			"predicted_lon":  fmt.Sprintf("%.6f", predLon),
		},
	}

	if anomalous && d.logger != nil {
		d.logger.Debug("predictive_anomaly",
			"residual_m", residualM,
			"max_residual_m", d.maxResidualM,
			"predicted_lat", predLat,
			"predicted_lon", predLon,
		)
	}
	return result, nil
}
