// Package fusion combines concurrent fixes from multiple positioning sources
// into a single location estimate. Strategies share a common contract: too few
// valid inputs is an expected outcome and yields no result rather than an
// error.
package fusion

import (
	"math"
	"strconv"
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

const (
	// DefaultMinRequiredSources is the fusion quorum applied when a config
	// does not say otherwise.
	DefaultMinRequiredSources = 2

	// DefaultCoherenceThreshold is the pairwise overlap a fix pair must
	// reach to be considered mutually coherent.
	DefaultCoherenceThreshold = 0.7

	// DefaultMaxFootprintRadiusM caps the confidence-circle radius derived
	// from a fix's accuracy.
	DefaultMaxFootprintRadiusM = 50.0
)

// Result is the outcome of one fusion pass. Fix carries the combined
// coordinates with Source set to SourceFused; Details explains the decision
// (weights, scene, coherence score) for downstream consumers.
type Result struct {
	Fix         *pkg.Fix
	Confidence  float64
	Method      string
	Scene       pkg.SceneType
	SourceCount int
	Details     map[string]string
}

// Strategy fuses a set of fixes into one estimate. Fuse returns (nil, nil)
// when fewer than the required number of valid fixes are supplied; callers
// treat that as a skip, never as a failure.
type Strategy interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	MinRequiredSources() int
	SetMinRequiredSources(n int)
	Fuse(fixes []*pkg.Fix) (*Result, error)
}

// baseStrategy carries the enablement and quorum settings shared by every
// strategy. The embedding struct reuses mu for its own mutable parameters so
// each strategy instance has exactly one lock.
type baseStrategy struct {
	name        string
	minRequired int
	enabled     bool
	mu          sync.RWMutex
}

func newBaseStrategy(name string, minRequired int) baseStrategy {
	if minRequired < 1 {
		minRequired = 1
	}
	return baseStrategy{name: name, minRequired: minRequired, enabled: true}
}

func (b *baseStrategy) Name() string { return b.name }

func (b *baseStrategy) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *baseStrategy) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

func (b *baseStrategy) MinRequiredSources() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.minRequired
}

// SetMinRequiredSources clamps the quorum to at least one source.
func (b *baseStrategy) SetMinRequiredSources(n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minRequired = n
}

// prepare filters the inputs down to valid fixes and applies the quorum
// check. A nil return means fusion should be skipped this cycle.
func (b *baseStrategy) prepare(fixes []*pkg.Fix, logger *logx.Logger) []*pkg.Fix {
	if !b.Enabled() {
		if logger != nil {
			logger.Debug("fusion_disabled", "strategy", b.name)
		}
		return nil
	}

	minRequired := b.MinRequiredSources()
	if len(fixes) < minRequired {
		if logger != nil {
			logger.Debug("fusion_insufficient_sources", "strategy", b.name, "have", len(fixes), "need", minRequired)
		}
		return nil
	}

	valid := make([]*pkg.Fix, 0, len(fixes))
	for _, f := range fixes {
		if f != nil && f.IsValid() {
			valid = append(valid, f)
		}
	}
	if len(valid) < minRequired {
		if logger != nil {
			logger.Debug("fusion_insufficient_valid_sources", "strategy", b.name, "have", len(valid), "need", minRequired)
		}
		return nil
	}
	return valid
}

// finish stamps the fused fix with the standard tags and wraps it in a
// Result. The details map is copied into the fix extras so the tags survive
// serialization of the fix alone.
func (b *baseStrategy) finish(fused *pkg.Fix, sourceCount int, confidence float64, details map[string]string) *Result {
	fused.Source = pkg.SourceFused
	fused.Status = pkg.StatusValid

	if details == nil {
		details = make(map[string]string, 2)
	}
	details["fusion_strategy"] = b.name
	details["source_count"] = strconv.Itoa(sourceCount)
	for k, v := range details {
		fused.SetExtra(k, v)
	}

	return &Result{
		Fix:         fused,
		Confidence:  confidence,
		Method:      b.name,
		SourceCount: sourceCount,
		Details:     details,
	}
}

// footprintRadius derives a confidence-circle radius from accuracy, floored
// at one meter so exact fixes still cover a point, capped at maxRadiusM.
func footprintRadius(accuracyM, maxRadiusM float64) float64 {
	return math.Min(math.Max(accuracyM*2.0, 1.0), maxRadiusM)
}

// consistency scores the agreement of a fix set as the mean pairwise overlap
// of their footprints. Identical fixes score exactly 1; a single fix is
// vacuously consistent. Used as the confidence of a fused result.
func consistency(fixes []*pkg.Fix, maxRadiusM float64) float64 {
	if len(fixes) < 2 {
		return 1.0
	}
	total := 0.0
	pairs := 0
	for i := 0; i < len(fixes); i++ {
		ri := footprintRadius(fixes[i].Accuracy, maxRadiusM)
		for j := i + 1; j < len(fixes); j++ {
			rj := footprintRadius(fixes[j].Accuracy, maxRadiusM)
			total += geo.CircleOverlapRatio(
				fixes[i].Latitude, fixes[i].Longitude, ri,
				fixes[j].Latitude, fixes[j].Longitude, rj)
			pairs++
		}
	}
	return total / float64(pairs)
}

// New builds the strategy named by kind, seeded from the correction config.
// Unknown kinds fall back to the scene-adaptive strategy, which is the
// default wiring for correctors.
func New(kind pkg.FusionStrategyKind, cfg *pkg.CorrectionConfig, logger *logx.Logger) Strategy {
	if cfg == nil {
		cfg = pkg.DefaultCorrectionConfig()
	}
	switch kind {
	case pkg.FusionPriorityBased:
		return NewPriorityStrategy(nil, logger)
	case pkg.FusionWeightedAverage:
		return NewWeightedAverageStrategy(nil, logger)
	case pkg.FusionFootprintCoherence:
		return NewFootprintCoherenceStrategy(nil, logger)
	default:
		scenes := make([]*pkg.SceneConfig, 0, len(cfg.Scenes))
		for i := range cfg.Scenes {
			sc := cfg.Scenes[i].Clone()
			scenes = append(scenes, &sc)
		}
		return NewAdaptiveStrategy(&AdaptiveConfig{Scenes: scenes}, NewSpeedBasedClassifier(nil), logger)
	}
}
