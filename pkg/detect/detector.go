// Package detect implements anomaly detection over a fix stream: time-gap,
// implied-speed, statistical z-score, pattern-match and trend-prediction
// strategies, plus a composite combinator with pluggable voting policies.
package detect

import (
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
)

// Detector is the contract shared by all anomaly detectors. Detect always
// returns a non-nil result when err is nil. A disabled detector and a context
// smaller than the detector's minimum sample size both yield a non-anomalous
// verdict: insufficient evidence is a normal outcome, not an error.
type Detector interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error)
}

// baseDetector carries the enable flag and evidence gate shared by all
// detector implementations.
type baseDetector struct {
	name          string
	minSampleSize int
	enabled       bool
	mu            sync.RWMutex
}

func newBaseDetector(name string, minSampleSize int) baseDetector {
	if minSampleSize < 0 {
		minSampleSize = 0
	}
	return baseDetector{
		name:          name,
		minSampleSize: minSampleSize,
		enabled:       true,
	}
}

func (b *baseDetector) Name() string { return b.name }

func (b *baseDetector) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *baseDetector) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// SetMinSampleSize adjusts the evidence gate; negative values clamp to 0.
func (b *baseDetector) SetMinSampleSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	b.minSampleSize = n
}

// gate returns a non-anomalous verdict when the detector must not evaluate:
// disabled, or not enough context samples. A nil return means proceed.
func (b *baseDetector) gate(context []*pkg.Fix) *pkg.AnomalyResult {
	b.mu.RLock()
	enabled := b.enabled
	minSamples := b.minSampleSize
	b.mu.RUnlock()

	if !enabled {
		return pkg.NormalResult("detector disabled")
	}
	if len(context) < minSamples {
		return pkg.NormalResult("insufficient context")
	}
	return nil
}
