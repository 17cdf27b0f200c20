package detect

import (
	"fmt"
	"math"
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Predicate weights used when scoring a fix against a pattern.
const (
	patternWeightSource   = 0.2
	patternWeightAccuracy = 0.2
	patternWeightStatus   = 0.1
	patternWeightRegion   = 0.3
	patternWeightExtra    = 0.05
)

// Region is a rectangular coordinate bound used by pattern predicates.
type Region struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the coordinate lies inside the region.
func (r Region) Contains(lat, lon float64) bool {
	return lat >= r.MinLat && lat <= r.MaxLat && lon >= r.MinLon && lon <= r.MaxLon
}

// Pattern is a named set of optional predicates describing a known anomalous
// fix shape. Only defined predicates participate in scoring. A Strict pattern
// short-circuits the scan as soon as it matches.
type Pattern struct {
	Name        string            `json:"name"`
	Source      *pkg.SourceType   `json:"source,omitempty"`
	MinAccuracy *float64          `json:"min_accuracy,omitempty"`
	MaxAccuracy *float64          `json:"max_accuracy,omitempty"`
	Status      *pkg.FixStatus    `json:"status,omitempty"`
	Region      *Region           `json:"region,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
	Strict      bool              `json:"strict,omitempty"`
}

// similarity returns the weighted share of defined predicates the fix
// matches, capped at 1.
func (p *Pattern) similarity(fix *pkg.Fix) float64 {
	score := 0.0

	if p.Source != nil && fix.Source == *p.Source {
		score += patternWeightSource
	}
	if p.MinAccuracy != nil || p.MaxAccuracy != nil {
		inRange := true
		if p.MinAccuracy != nil && fix.Accuracy < *p.MinAccuracy {
			inRange = false
		}
		if p.MaxAccuracy != nil && fix.Accuracy > *p.MaxAccuracy {
			inRange = false
		}
		if inRange {
			score += patternWeightAccuracy
		}
	}
	if p.Status != nil && fix.Status == *p.Status {
		score += patternWeightStatus
	}
	if p.Region != nil && p.Region.Contains(fix.Latitude, fix.Longitude) {
		score += patternWeightRegion
	}
	for k, v := range p.Extras {
		if fix.GetExtra(k, "") == v {
			score += patternWeightExtra
		}
	}

	return math.Min(1.0, score)
}

// PatternConfig holds pattern detector settings.
type PatternConfig struct {
	PatternThreshold float64 `json:"pattern_threshold"`
	MinSampleSize    int     `json:"min_sample_size"`
}

// DefaultPatternConfig returns the stock settings (threshold 0.7).
func DefaultPatternConfig() *PatternConfig {
	return &PatternConfig{
		PatternThreshold: 0.7,
		MinSampleSize:    5,
	}
}

// PatternDetector scores fixes against a runtime-editable set of named
// patterns and flags those whose best similarity reaches the threshold.
type PatternDetector struct {
	baseDetector
	threshold float64
	patterns  []Pattern
	patternMu sync.RWMutex
	logger    *logx.Logger
}

// NewPatternDetector creates a pattern detector. A nil config uses defaults.
func NewPatternDetector(config *PatternConfig, logger *logx.Logger) *PatternDetector {
	if config == nil {
		config = DefaultPatternConfig()
	}
	threshold := config.PatternThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultPatternConfig().PatternThreshold
	}
	return &PatternDetector{
		baseDetector: newBaseDetector("pattern", config.MinSampleSize),
		threshold:    threshold,
		logger:       logger,
	}
}

// AddPattern registers a pattern, replacing any existing pattern of the same
// name.
func (d *PatternDetector) AddPattern(p Pattern) {
	d.patternMu.Lock()
	defer d.patternMu.Unlock()
	for i, existing := range d.patterns {
		if existing.Name == p.Name {
			d.patterns[i] = p
			return
		}
	}
	d.patterns = append(d.patterns, p)
}

// RemovePattern drops the named pattern; unknown names are a no-op.
func (d *PatternDetector) RemovePattern(name string) {
	d.patternMu.Lock()
	defer d.patternMu.Unlock()
	for i, existing := range d.patterns {
		if existing.Name == name {
			d.patterns = append(d.patterns[:i], d.patterns[i+1:]...)
			return
		}
	}
}

// PatternCount returns the number of registered patterns.
func (d *PatternDetector) PatternCount() int {
	d.patternMu.RLock()
	defer d.patternMu.RUnlock()
	return len(d.patterns)
}

// Detect scores the fix against every pattern, keeping the best similarity.
// A strict pattern reaching the threshold stops the scan immediately.
func (d *PatternDetector) Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error) {
	if res := d.gate(context); res != nil {
		return res, nil
	}

	d.patternMu.RLock()
	patterns := make([]Pattern, len(d.patterns))
	copy(patterns, d.patterns)
	d.patternMu.RUnlock()

	if len(patterns) == 0 {
		return pkg.NormalResult("no patterns registered"), nil
	}

	bestSim := 0.0
	bestName := ""
	for i := range patterns {
		sim := patterns[i].similarity(fix)
		if sim > bestSim {
			bestSim = sim
			bestName = patterns[i].Name
		}
		if patterns[i].Strict && sim >= d.threshold {
			bestSim = sim
			bestName = patterns[i].Name
			break
		}
	}

	anomalous := bestSim >= d.threshold
	result := &pkg.AnomalyResult{
		Anomalous:  anomalous,
		Confidence: bestSim,
		Details: map[string]string{
			"best_pattern":      bestName,
			"best_similarity":   fmt.Sprintf("%.3f", bestSim),
			"pattern_threshold": fmt.Sprintf("%.2f", d.threshold),
		},
	}

	if anomalous && d.logger != nil {
		d.logger.Debug("pattern_anomaly",
			"pattern", bestName,
			"similarity", bestSim,
			"threshold", d.threshold,
		)
	}
	return result, nil
}
