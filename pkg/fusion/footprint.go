package fusion

import (
	"strconv"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// FootprintConfig configures the footprint-coherence strategy.
type FootprintConfig struct {
	MinRequiredSources  int     `json:"min_required_sources"`
	CoherenceThreshold  float64 `json:"coherence_threshold"`
	MaxFootprintRadiusM float64 `json:"max_footprint_radius_m"`
}

// DefaultFootprintConfig returns the stock coherence parameters.
func DefaultFootprintConfig() *FootprintConfig {
	return &FootprintConfig{
		MinRequiredSources:  DefaultMinRequiredSources,
		CoherenceThreshold:  DefaultCoherenceThreshold,
		MaxFootprintRadiusM: DefaultMaxFootprintRadiusM,
	}
}

// FootprintCoherenceStrategy selects the largest mutually agreeing subset of
// fixes before blending. Each fix gets a confidence circle (twice its
// accuracy, capped); fixes whose circles overlap enough are considered
// coherent, and disagreeing outliers are excluded from the blend.
type FootprintCoherenceStrategy struct {
	baseStrategy
	logger     *logx.Logger
	threshold  float64
	maxRadiusM float64
}

// NewFootprintCoherenceStrategy creates a footprint-coherence strategy. A nil
// config uses defaults.
func NewFootprintCoherenceStrategy(config *FootprintConfig, logger *logx.Logger) *FootprintCoherenceStrategy {
	if config == nil {
		config = DefaultFootprintConfig()
	}
	threshold := config.CoherenceThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCoherenceThreshold
	}
	maxRadius := config.MaxFootprintRadiusM
	if maxRadius <= 0 {
		maxRadius = DefaultMaxFootprintRadiusM
	}
	return &FootprintCoherenceStrategy{
		baseStrategy: newBaseStrategy("footprint_coherence", config.MinRequiredSources),
		logger:       logger,
		threshold:    threshold,
		maxRadiusM:   maxRadius,
	}
}

// SetCoherenceThreshold clamps the threshold into [0,1].
func (s *FootprintCoherenceStrategy) SetCoherenceThreshold(threshold float64) {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
}

// CoherenceThreshold returns the active threshold.
func (s *FootprintCoherenceStrategy) CoherenceThreshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold
}

// SetMaxFootprintRadius caps the confidence-circle radius in meters.
func (s *FootprintCoherenceStrategy) SetMaxFootprintRadius(radiusM float64) {
	if radiusM < 0 {
		radiusM = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRadiusM = radiusM
}

// MaxFootprintRadius returns the active radius cap in meters.
func (s *FootprintCoherenceStrategy) MaxFootprintRadius() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxRadiusM
}

// Fuse blends the most coherent subset of the valid fixes, falling back to
// all of them when no subset reaches the quorum.
func (s *FootprintCoherenceStrategy) Fuse(fixes []*pkg.Fix) (*Result, error) {
	valid := s.prepare(fixes, s.logger)
	if valid == nil {
		return nil, nil
	}

	s.mu.RLock()
	threshold := s.threshold
	maxRadius := s.maxRadiusM
	s.mu.RUnlock()

	selected, score := coherentSubset(valid, threshold, maxRadius, s.MinRequiredSources())

	fused, details := weightedFuse(selected, WeightAccuracyBased, nil)
	details["coherence_score"] = strconv.FormatFloat(score, 'f', 3, 64)
	details["selected_source_count"] = strconv.Itoa(len(selected))
	details["total_source_count"] = strconv.Itoa(len(valid))

	if s.logger != nil {
		s.logger.Debug("footprint_fusion_completed",
			"selected", len(selected),
			"total", len(valid),
			"coherence_score", score)
	}

	return s.finish(fused, len(valid), consistency(selected, maxRadius), details), nil
}

// coherentSubset greedily picks, for each candidate fix, every fix whose
// footprint overlap with it reaches the threshold, scores each candidate set
// by mean pairwise overlap, and keeps the best set meeting the quorum. The
// first best-scoring set wins; when none reach the quorum, all fixes are
// returned with a zero score.
func coherentSubset(fixes []*pkg.Fix, threshold, maxRadiusM float64, minRequired int) ([]*pkg.Fix, float64) {
	n := len(fixes)

	radii := make([]float64, n)
	for i, f := range fixes {
		radii[i] = footprintRadius(f.Accuracy, maxRadiusM)
	}

	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1.0
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			overlap := geo.CircleOverlapRatio(
				fixes[i].Latitude, fixes[i].Longitude, radii[i],
				fixes[j].Latitude, fixes[j].Longitude, radii[j])
			matrix[i][j] = overlap
			matrix[j][i] = overlap
		}
	}

	var best []int
	bestScore := 0.0

	for i := 0; i < n; i++ {
		set := []int{i}
		for j := 0; j < n; j++ {
			if i != j && matrix[i][j] >= threshold {
				set = append(set, j)
			}
		}

		score := 0.0
		if len(set) > 1 {
			total := 0.0
			pairs := 0
			for a := 0; a < len(set); a++ {
				for b := a + 1; b < len(set); b++ {
					total += matrix[set[a]][set[b]]
					pairs++
				}
			}
			if pairs > 0 {
				score = total / float64(pairs)
			}
		}

		if len(set) >= minRequired && score > bestScore {
			best = set
			bestScore = score
		}
	}

	if len(best) < minRequired {
		selected := make([]*pkg.Fix, n)
		copy(selected, fixes)
		return selected, 0.0
	}

	selected := make([]*pkg.Fix, 0, len(best))
	for _, idx := range best {
		selected = append(selected, fixes[idx])
	}
	return selected, bestScore
}
