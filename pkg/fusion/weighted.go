package fusion

import (
	"fmt"
	"strings"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// WeightMode selects how per-fix weights are derived.
type WeightMode string

const (
	// WeightEqual gives every fix the same weight.
	WeightEqual WeightMode = "equal"
	// WeightAccuracyBased weights each fix by the inverse of its accuracy,
	// renormalized. Fixes reporting a non-positive accuracy contribute a
	// raw weight of one.
	WeightAccuracyBased WeightMode = "accuracy_based"
	// WeightCustom weights each fix by its source kind, renormalized.
	WeightCustom WeightMode = "custom"
)

// WeightedConfig configures the weighted-average strategy.
type WeightedConfig struct {
	MinRequiredSources int                        `json:"min_required_sources"`
	Mode               WeightMode                 `json:"mode"`
	CustomWeights      map[pkg.SourceType]float64 `json:"custom_weights,omitempty"`
}

// DefaultWeightedConfig returns accuracy-based weighting with the stock
// quorum.
func DefaultWeightedConfig() *WeightedConfig {
	return &WeightedConfig{
		MinRequiredSources: DefaultMinRequiredSources,
		Mode:               WeightAccuracyBased,
	}
}

// WeightedAverageStrategy blends the coordinates of all valid fixes. Output
// accuracy is a harmonic-style combination, so agreeing sources yield a
// tighter estimate than any single input.
type WeightedAverageStrategy struct {
	baseStrategy
	logger        *logx.Logger
	mode          WeightMode
	customWeights map[pkg.SourceType]float64
}

// NewWeightedAverageStrategy creates a weighted-average strategy. A nil
// config uses defaults.
func NewWeightedAverageStrategy(config *WeightedConfig, logger *logx.Logger) *WeightedAverageStrategy {
	if config == nil {
		config = DefaultWeightedConfig()
	}
	mode := config.Mode
	if mode == "" {
		mode = WeightAccuracyBased
	}
	s := &WeightedAverageStrategy{
		baseStrategy: newBaseStrategy("weighted_average", config.MinRequiredSources),
		logger:       logger,
		mode:         mode,
	}
	s.customWeights = make(map[pkg.SourceType]float64, len(config.CustomWeights))
	for k, v := range config.CustomWeights {
		s.customWeights[k] = v
	}
	return s
}

// SetWeightMode switches the weighting scheme.
func (s *WeightedAverageStrategy) SetWeightMode(mode WeightMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// WeightModeInUse returns the active weighting scheme.
func (s *WeightedAverageStrategy) WeightModeInUse() WeightMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetCustomWeight assigns a per-source weight for WeightCustom mode. Negative
// weights are clamped to zero.
func (s *WeightedAverageStrategy) SetCustomWeight(source pkg.SourceType, weight float64) {
	if weight < 0 {
		weight = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customWeights[source] = weight
}

// CustomWeight returns the configured weight for a source, one when unset.
func (s *WeightedAverageStrategy) CustomWeight(source pkg.SourceType) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.customWeights[source]; ok {
		return w
	}
	return 1.0
}

// Fuse blends all valid fixes under the configured weight mode.
func (s *WeightedAverageStrategy) Fuse(fixes []*pkg.Fix) (*Result, error) {
	valid := s.prepare(fixes, s.logger)
	if valid == nil {
		return nil, nil
	}

	s.mu.RLock()
	mode := s.mode
	custom := make(map[pkg.SourceType]float64, len(s.customWeights))
	for k, v := range s.customWeights {
		custom[k] = v
	}
	s.mu.RUnlock()

	fused, details := weightedFuse(valid, mode, custom)

	if s.logger != nil {
		s.logger.Debug("weighted_fusion_completed",
			"mode", string(mode),
			"sources", len(valid),
			"accuracy_m", fused.Accuracy)
	}

	return s.finish(fused, len(valid), consistency(valid, DefaultMaxFootprintRadiusM), details), nil
}

// computeWeights derives one normalized weight per fix.
func computeWeights(fixes []*pkg.Fix, mode WeightMode, custom map[pkg.SourceType]float64) []float64 {
	n := len(fixes)
	weights := make([]float64, 0, n)

	switch mode {
	case WeightAccuracyBased:
		totalInverse := 0.0
		for _, f := range fixes {
			if f.Accuracy > 0 {
				totalInverse += 1.0 / f.Accuracy
			} else {
				totalInverse += 1.0
			}
		}
		for _, f := range fixes {
			if totalInverse > 0 {
				if f.Accuracy > 0 {
					weights = append(weights, (1.0/f.Accuracy)/totalInverse)
				} else {
					weights = append(weights, 1.0/totalInverse)
				}
			} else {
				weights = append(weights, 1.0/float64(n))
			}
		}

	case WeightCustom:
		total := 0.0
		for _, f := range fixes {
			total += customWeightFor(custom, f.Source)
		}
		for _, f := range fixes {
			if total > 0 {
				weights = append(weights, customWeightFor(custom, f.Source)/total)
			} else {
				weights = append(weights, 1.0/float64(n))
			}
		}

	default: // WeightEqual and anything unrecognized
		for range fixes {
			weights = append(weights, 1.0/float64(n))
		}
	}

	return weights
}

// customWeightFor looks up a source weight, defaulting to one so an
// unconfigured source still participates.
func customWeightFor(custom map[pkg.SourceType]float64, source pkg.SourceType) float64 {
	if w, ok := custom[source]; ok {
		if w < 0 {
			return 0
		}
		return w
	}
	return 1.0
}

// weightedFuse is the strategy core, shared with the footprint and adaptive
// strategies.
func weightedFuse(fixes []*pkg.Fix, mode WeightMode, custom map[pkg.SourceType]float64) (*pkg.Fix, map[string]string) {
	weights := computeWeights(fixes, mode, custom)

	var lat, lon, alt, accInverse float64
	for i, f := range fixes {
		lat += f.Latitude * weights[i]
		lon += f.Longitude * weights[i]
		alt += f.Altitude * weights[i]
		if f.Accuracy > 0 {
			accInverse += weights[i] / f.Accuracy
		}
	}

	fused := &pkg.Fix{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  alt,
		Timestamp: time.Now(),
		Source:    pkg.SourceFused,
		Status:    pkg.StatusValid,
	}

	if accInverse > 0 {
		fused.Accuracy = 1.0 / accInverse
	} else {
		sum := 0.0
		for _, f := range fixes {
			sum += f.Accuracy
		}
		fused.Accuracy = sum / float64(len(fixes))
	}

	var weightInfo strings.Builder
	weightInfo.WriteString("[")
	for i, f := range fixes {
		if i > 0 {
			weightInfo.WriteString(", ")
		}
		fmt.Fprintf(&weightInfo, "%s:%.3f", f.Source, weights[i])
	}
	weightInfo.WriteString("]")

	details := map[string]string{
		"weight_mode": string(mode),
		"weights":     weightInfo.String(),
	}
	return fused, details
}
