package detect

import (
	"fmt"
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// CombinationPolicy selects how a composite detector merges sub-verdicts.
type CombinationPolicy string

const (
	// PolicyMajorityVote flags when at least MinRequiredDetectors members
	// report an anomaly; confidence is the mean of their confidences.
	PolicyMajorityVote CombinationPolicy = "majority_vote"
	// PolicyWeightedAverage flags when the weighted mean confidence over all
	// verdicts reaches the threshold.
	PolicyWeightedAverage CombinationPolicy = "weighted_average"
	// PolicyThreshold flags when any single member reports an anomaly with
	// confidence at or above the threshold; confidence is the maximum such.
	PolicyThreshold CombinationPolicy = "threshold"
)

// CompositeConfig holds composite detector settings.
type CompositeConfig struct {
	Policy               CombinationPolicy `json:"policy"`
	MinRequiredDetectors int               `json:"min_required_detectors"`
	Threshold            float64           `json:"threshold"`
}

// DefaultCompositeConfig returns majority voting with two required members.
func DefaultCompositeConfig() *CompositeConfig {
	return &CompositeConfig{
		Policy:               PolicyMajorityVote,
		MinRequiredDetectors: 2,
		Threshold:            0.6,
	}
}

type weightedDetector struct {
	detector Detector
	weight   float64
}

// CompositeDetector runs weighted sub-detectors and combines their verdicts
// under one policy. A member failure (error or panic) counts as no verdict
// from that member and never fails the composite.
type CompositeDetector struct {
	baseDetector
	policy      CombinationPolicy
	minRequired int
	threshold   float64
	members     []weightedDetector
	membersMu   sync.RWMutex
	logger      *logx.Logger
}

// NewCompositeDetector creates a composite detector. A nil config uses
// defaults. The composite itself applies no context-size gate; members gate
// themselves.
func NewCompositeDetector(config *CompositeConfig, logger *logx.Logger) *CompositeDetector {
	if config == nil {
		config = DefaultCompositeConfig()
	}
	minRequired := config.MinRequiredDetectors
	if minRequired < 1 {
		minRequired = 1
	}
	threshold := config.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCompositeConfig().Threshold
	}
	policy := config.Policy
	switch policy {
	case PolicyMajorityVote, PolicyWeightedAverage, PolicyThreshold:
	default:
		policy = PolicyMajorityVote
	}
	return &CompositeDetector{
		baseDetector: newBaseDetector("composite", 0),
		policy:       policy,
		minRequired:  minRequired,
		threshold:    threshold,
		logger:       logger,
	}
}

// NewDefaultComposite assembles the standard detector stack (time-gap, speed,
// statistical) under majority voting, parameterized by the shared thresholds.
func NewDefaultComposite(thresholds pkg.AnomalyThresholds, logger *logx.Logger) *CompositeDetector {
	c := NewCompositeDetector(nil, logger)
	c.Add(NewTimeGapDetector(&TimeGapConfig{MaxTimeGapMs: thresholds.MaxTimeGapMs, MinSampleSize: 5}, logger), 1.0)
	c.Add(NewSpeedDetector(&SpeedConfig{MaxSpeedMPS: thresholds.MaxSpeedMPS, MinSampleSize: 5}, logger), 1.0)
	c.Add(NewStatisticalDetector(&StatisticalConfig{
		ZScoreThreshold: thresholds.ZScoreThreshold,
		MaxHistorySize:  50,
		MinSampleSize:   5,
	}, logger), 1.0)
	return c
}

// Add registers a sub-detector. Non-positive weights clamp to 1.
func (c *CompositeDetector) Add(d Detector, weight float64) {
	if d == nil {
		return
	}
	if weight <= 0 {
		weight = 1.0
	}
	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	c.members = append(c.members, weightedDetector{detector: d, weight: weight})
}

// Remove drops the named sub-detector.
func (c *CompositeDetector) Remove(name string) {
	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	for i, m := range c.members {
		if m.detector.Name() == name {
			c.members = append(c.members[:i], c.members[i+1:]...)
			return
		}
	}
}

// MemberCount returns the number of registered sub-detectors.
func (c *CompositeDetector) MemberCount() int {
	c.membersMu.RLock()
	defer c.membersMu.RUnlock()
	return len(c.members)
}

type memberVerdict struct {
	name   string
	weight float64
	result *pkg.AnomalyResult
}

// Detect runs every member and combines the verdicts under the configured
// policy.
func (c *CompositeDetector) Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error) {
	if res := c.gate(context); res != nil {
		return res, nil
	}

	c.membersMu.RLock()
	members := make([]weightedDetector, len(c.members))
	copy(members, c.members)
	c.membersMu.RUnlock()

	if len(members) == 0 {
		return pkg.NormalResult("no detectors registered"), nil
	}

	verdicts := make([]memberVerdict, 0, len(members))
	for _, m := range members {
		result := c.safeDetect(m.detector, fix, context)
		if result == nil {
			continue
		}
		verdicts = append(verdicts, memberVerdict{
			name:   m.detector.Name(),
			weight: m.weight,
			result: result,
		})
	}

	if len(verdicts) == 0 {
		return pkg.NormalResult("no verdicts available"), nil
	}

	switch c.policy {
	case PolicyWeightedAverage:
		return c.combineWeightedAverage(verdicts), nil
	case PolicyThreshold:
		return c.combineThreshold(verdicts), nil
	default:
		return c.combineMajorityVote(verdicts), nil
	}
}

// safeDetect isolates member failures: an error or panic yields no verdict.
func (c *CompositeDetector) safeDetect(d Detector, fix *pkg.Fix, context []*pkg.Fix) (result *pkg.AnomalyResult) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if c.logger != nil {
				c.logger.Warn("detector_panic", "detector", d.Name(), "panic", fmt.Sprintf("%v", r))
			}
		}
	}()

	res, err := d.Detect(fix, context)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("detector_error", "detector", d.Name(), "error", err.Error())
		}
		return nil
	}
	return res
}

func (c *CompositeDetector) combineMajorityVote(verdicts []memberVerdict) *pkg.AnomalyResult {
	anomalousCount := 0
	confidenceSum := 0.0
	details := make(map[string]string, len(verdicts)+2)

	for _, v := range verdicts {
		details["detector_"+v.name] = fmt.Sprintf("anomalous=%t confidence=%.3f", v.result.Anomalous, v.result.Confidence)
		if v.result.Anomalous {
			anomalousCount++
			confidenceSum += v.result.Confidence
		}
	}

	anomalous := anomalousCount >= c.minRequired
	confidence := 0.0
	if anomalousCount > 0 {
		confidence = confidenceSum / float64(anomalousCount)
	}
	details["policy"] = string(PolicyMajorityVote)
	details["anomalous_count"] = fmt.Sprintf("%d/%d", anomalousCount, len(verdicts))

	return &pkg.AnomalyResult{Anomalous: anomalous, Confidence: confidence, Details: details}
}

func (c *CompositeDetector) combineWeightedAverage(verdicts []memberVerdict) *pkg.AnomalyResult {
	var weightedSum, totalWeight float64
	details := make(map[string]string, len(verdicts)+2)

	for _, v := range verdicts {
		details["detector_"+v.name] = fmt.Sprintf("anomalous=%t confidence=%.3f weight=%.2f", v.result.Anomalous, v.result.Confidence, v.weight)
		weightedSum += v.result.Confidence * v.weight
		totalWeight += v.weight
	}

	confidence := 0.0
	if totalWeight > 0 {
		confidence = weightedSum / totalWeight
	}
	details["policy"] = string(PolicyWeightedAverage)
	details["threshold"] = fmt.Sprintf("%.2f", c.threshold)

	return &pkg.AnomalyResult{
		Anomalous:  confidence >= c.threshold,
		Confidence: confidence,
		Details:    details,
	}
}

func (c *CompositeDetector) combineThreshold(verdicts []memberVerdict) *pkg.AnomalyResult {
	best := 0.0
	anomalous := false
	details := make(map[string]string, len(verdicts)+2)

	for _, v := range verdicts {
		details["detector_"+v.name] = fmt.Sprintf("anomalous=%t confidence=%.3f", v.result.Anomalous, v.result.Confidence)
		if v.result.Anomalous && v.result.Confidence >= c.threshold && v.result.Confidence > best {
			best = v.result.Confidence
			anomalous = true
		}
	}
	details["policy"] = string(PolicyThreshold)
	details["threshold"] = fmt.Sprintf("%.2f", c.threshold)

	return &pkg.AnomalyResult{Anomalous: anomalous, Confidence: best, Details: details}
}
