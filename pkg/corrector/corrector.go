// Package corrector orchestrates the correction cycle: interval gate, filter
// chain, anomaly detection, fusion and listener notification. The base
// Corrector handles single-fix and multi-source batch cycles; AdaptiveCorrector
// adds debounced scene recognition and MultiModeCorrector adds explicit
// interval-scaling modes with an offline cache.
package corrector

import (
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/detect"
	"github.com/markus-lassfolk/geofix/pkg/filter"
	"github.com/markus-lassfolk/geofix/pkg/fusion"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Correction methods stamped on results.
const (
	MethodSingleSource       = "single_source"
	MethodAnomalyPassThrough = "anomaly_passthrough"
	MethodOfflineCache       = "offline_cache"
)

const (
	// DefaultHistorySize bounds the corrector's result history.
	DefaultHistorySize = 100
	// DefaultContextSize bounds the accepted-fix context handed to detectors.
	DefaultContextSize = 50
)

// singleFixLowAccuracyConfidence discounts pass-through results whose fix was
// demoted by the chain.
const singleFixLowAccuracyConfidence = 0.5

// Corrector runs the correction cycle over fixes from one or more sources. It
// owns the filter chain, the composite anomaly detector, the fusion strategy,
// the current config snapshot and the listener registry. Collaborator
// failures are logged and degraded; they never escape a cycle.
type Corrector struct {
	logger   *logx.Logger
	chain    *filter.Chain
	detector *detect.CompositeDetector

	mu                 sync.RWMutex
	config             *pkg.CorrectionConfig
	strategy           fusion.Strategy
	sceneClassifier    fusion.SceneClassifier
	lastCorrectionTime time.Time
	lastLocation       *pkg.CorrectedLocation
	history            []*pkg.CorrectedLocation
	recent             []*pkg.Fix

	listenersMu sync.RWMutex
	listeners   []pkg.LocationListener

	now func() time.Time
}

// NewCorrector creates a base corrector with the standard pre-processing
// chain (accuracy, freshness, outlier) and the default detector stack. A nil
// config uses defaults; the config is cloned and clamped, never aliased.
func NewCorrector(config *pkg.CorrectionConfig, logger *logx.Logger) *Corrector {
	if config == nil {
		config = pkg.DefaultCorrectionConfig()
	}
	cfg := config.Clone()
	cfg.Validate()
	if logger == nil {
		logger = logx.NewLogger("info", "corrector")
	}

	chain := filter.NewChain(logger)
	chain.Add(filter.NewAccuracyFilter(0, cfg.Thresholds.MinAccuracyM, logger))
	chain.Add(filter.NewFreshnessFilter(0, logger))
	chain.Add(filter.NewOutlierFilter(nil, logger))

	c := &Corrector{
		logger:   logger,
		chain:    chain,
		detector: detect.NewDefaultComposite(cfg.Thresholds, logger),
		config:   cfg,
		strategy: fusion.New(cfg.FusionStrategy, cfg, logger),
		now:      time.Now,
	}
	return c
}

// Config returns the current config snapshot. Callers treat it as immutable;
// UpdateConfig installs a replacement.
func (c *Corrector) Config() *pkg.CorrectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// UpdateConfig clones, clamps and atomically installs a new config snapshot.
// The fusion strategy is re-derived from the new config, so a cycle never
// observes a config/strategy mismatch.
func (c *Corrector) UpdateConfig(config *pkg.CorrectionConfig) {
	if config == nil {
		return
	}
	cfg := config.Clone()
	cfg.Validate()
	strategy := fusion.New(cfg.FusionStrategy, cfg, c.logger)

	c.mu.Lock()
	old := c.config
	c.config = cfg
	c.strategy = strategy
	c.wireClassifierLocked()
	c.mu.Unlock()

	if old.FusionStrategy != cfg.FusionStrategy {
		c.logger.LogStateChange("corrector", string(old.FusionStrategy), string(cfg.FusionStrategy),
			"fusion_strategy_changed", nil)
	}
	c.logger.Info("config_updated",
		"fusion_strategy", string(cfg.FusionStrategy),
		"min_interval_ms", cfg.MinCorrectionIntervalMs,
		"reject_anomalies", cfg.RejectAnomalies)
}

// Chain exposes the filter chain so callers can add or tune filters.
func (c *Corrector) Chain() *filter.Chain { return c.chain }

// Detector exposes the composite detector so callers can add members.
func (c *Corrector) Detector() *detect.CompositeDetector { return c.detector }

// Strategy returns the active fusion strategy.
func (c *Corrector) Strategy() fusion.Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy
}

// SetStrategy replaces the fusion strategy. UpdateConfig re-derives the
// strategy from config, discarding a custom one.
func (c *Corrector) SetStrategy(s fusion.Strategy) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategy = s
	c.wireClassifierLocked()
}

// setSceneClassifier installs the classifier handed to adaptive fusion
// strategies, surviving config updates. Used by AdaptiveCorrector.
func (c *Corrector) setSceneClassifier(cl fusion.SceneClassifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sceneClassifier = cl
	c.wireClassifierLocked()
}

// wireClassifierLocked rebinds the scene classifier to the current strategy
// when that strategy is scene-adaptive. Callers hold mu.
func (c *Corrector) wireClassifierLocked() {
	if c.sceneClassifier == nil {
		return
	}
	if s, ok := c.strategy.(*fusion.AdaptiveStrategy); ok {
		s.SetClassifier(c.sceneClassifier)
	}
}

// RegisterListener adds a pipeline listener. Nil listeners are ignored.
func (c *Corrector) RegisterListener(l pkg.LocationListener) {
	if l == nil {
		return
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// UnregisterListener removes a previously registered listener. Safe to call
// from inside the listener's own callback.
func (c *Corrector) UnregisterListener(l pkg.LocationListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount reports how many listeners are registered.
func (c *Corrector) ListenerCount() int {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return len(c.listeners)
}

// LastLocation returns the most recent correction result, or nil.
func (c *Corrector) LastLocation() *pkg.CorrectedLocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastLocation
}

// History returns a copy of the bounded result history, oldest first.
func (c *Corrector) History() []*pkg.CorrectedLocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*pkg.CorrectedLocation, len(c.history))
	copy(out, c.history)
	return out
}

// Correct runs one correction cycle over a single fix. Returns (nil, nil)
// when the cycle is gated or the fix is rejected; both are normal outcomes.
func (c *Corrector) Correct(fix *pkg.Fix) (*pkg.CorrectedLocation, error) {
	cfg := c.Config()
	return c.correctWithInterval(fix, cfg, cfg.MinCorrectionIntervalMs)
}

// CorrectBatch runs one correction cycle over concurrent fixes from multiple
// sources, fusing them when at least two survive the chain and detectors.
func (c *Corrector) CorrectBatch(fixes []*pkg.Fix) (*pkg.CorrectedLocation, error) {
	cfg := c.Config()
	return c.correctBatchWithInterval(fixes, cfg, cfg.MinCorrectionIntervalMs)
}

// correctWithInterval is the single-fix cycle with an explicit gate interval,
// so mode-scaling correctors can scale per call without touching the stored
// config.
func (c *Corrector) correctWithInterval(fix *pkg.Fix, cfg *pkg.CorrectionConfig, intervalMs int64) (*pkg.CorrectedLocation, error) {
	if fix == nil {
		return nil, nil
	}
	now := c.now()
	if c.gated(now, intervalMs) {
		return nil, nil
	}

	processed := c.chain.Process(fix)
	if processed == nil || processed.Status == pkg.StatusInvalid {
		c.logger.Debug("fix_rejected_invalid", "source", string(fix.Source))
		c.notifyStatus(pkg.StatusInvalid)
		return nil, nil
	}

	if verdict := c.anomalyVerdict(processed); verdict != nil && verdict.Anomalous {
		if cfg.RejectAnomalies {
			result := c.anomalyPassThrough(processed, verdict)
			c.commit(result, now)
			c.notifyStatus(pkg.StatusAnomaly)
			return result, nil
		}
		c.logger.Debug("anomaly_advisory",
			"source", string(processed.Source),
			"confidence", verdict.Confidence)
	}

	c.rememberFix(processed)
	result := c.singleResult(processed)
	c.commit(result, now)
	return result, nil
}

// correctBatchWithInterval is the multi-source cycle with an explicit gate
// interval.
func (c *Corrector) correctBatchWithInterval(fixes []*pkg.Fix, cfg *pkg.CorrectionConfig, intervalMs int64) (*pkg.CorrectedLocation, error) {
	if len(fixes) == 0 {
		return nil, nil
	}
	now := c.now()
	if c.gated(now, intervalMs) {
		return nil, nil
	}

	candidates := make([]*pkg.Fix, 0, len(fixes))
	for _, fix := range fixes {
		processed := c.chain.Process(fix)
		if processed == nil || processed.Status == pkg.StatusInvalid {
			continue
		}
		if verdict := c.anomalyVerdict(processed); verdict != nil && verdict.Anomalous && cfg.RejectAnomalies {
			c.logger.Debug("batch_fix_rejected_anomalous",
				"source", string(processed.Source),
				"confidence", verdict.Confidence)
			continue
		}
		c.rememberFix(processed)
		candidates = append(candidates, processed)
	}
	if len(candidates) == 0 {
		c.logger.Debug("batch_empty_after_filtering", "input_count", len(fixes))
		return nil, nil
	}

	if len(candidates) == 1 {
		result := c.singleResult(candidates[0])
		c.commit(result, now)
		return result, nil
	}

	fused, err := c.fuse(candidates)
	if err != nil {
		c.logger.Warn("fusion_failed", "error", err.Error())
	}
	if fused == nil {
		// Quorum not met or strategy failed: best single candidate wins.
		result := c.singleResult(bestByAccuracy(candidates))
		c.commit(result, now)
		return result, nil
	}

	result := fusedResult(fused)
	c.commit(result, now)
	return result, nil
}

// gated reports whether the cycle falls inside the minimum interval window.
func (c *Corrector) gated(now time.Time, intervalMs int64) bool {
	c.mu.RLock()
	last := c.lastCorrectionTime
	c.mu.RUnlock()
	if last.IsZero() {
		return false
	}
	elapsed := now.Sub(last)
	if elapsed < time.Duration(intervalMs)*time.Millisecond {
		c.logger.Debug("correction_gated",
			"elapsed_ms", elapsed.Milliseconds(),
			"interval_ms", intervalMs)
		return true
	}
	return false
}

// anomalyVerdict produces one verdict per fix: a chain-marked ANOMALY is
// already decided; anything else goes to the composite detector. Detector
// failure degrades to no verdict.
func (c *Corrector) anomalyVerdict(fix *pkg.Fix) *pkg.AnomalyResult {
	if fix.Status == pkg.StatusAnomaly {
		return &pkg.AnomalyResult{
			Anomalous:  true,
			Confidence: 1.0,
			Details:    map[string]string{"policy": "filter_chain"},
		}
	}

	c.mu.RLock()
	context := make([]*pkg.Fix, len(c.recent))
	copy(context, c.recent)
	c.mu.RUnlock()

	verdict, err := c.detector.Detect(fix, context)
	if err != nil {
		c.logger.Warn("anomaly_detection_failed", "error", err.Error())
		return nil
	}
	return verdict
}

// rememberFix admits an accepted fix into the detector context. Anomalous
// fixes never reach here, so the context cannot be dragged by outliers.
func (c *Corrector) rememberFix(fix *pkg.Fix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, fix.Clone())
	if len(c.recent) > DefaultContextSize {
		c.recent = c.recent[len(c.recent)-DefaultContextSize:]
	}
}

// recentContext returns a copy of the accepted-fix context.
func (c *Corrector) recentContext() []*pkg.Fix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*pkg.Fix, len(c.recent))
	copy(out, c.recent)
	return out
}

// fuse runs the active strategy with panic isolation.
func (c *Corrector) fuse(fixes []*pkg.Fix) (res *fusion.Result, err error) {
	c.mu.RLock()
	strategy := c.strategy
	c.mu.RUnlock()
	if strategy == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("fusion panicked: %v", r)
		}
	}()
	return strategy.Fuse(fixes)
}

// singleResult passes one fix through as its own correction.
func (c *Corrector) singleResult(fix *pkg.Fix) *pkg.CorrectedLocation {
	result := pkg.NewCorrectedLocation(fix, MethodSingleSource)
	result.Confidence = 1.0
	if fix.Status == pkg.StatusLowAccuracy {
		result.Confidence = singleFixLowAccuracyConfidence
	}
	if scene := fix.GetExtra("scene", ""); scene != "" {
		result.Details["scene"] = scene
	}
	return result
}

// anomalyPassThrough emits the fix untouched, tagged anomalous so consumers
// can see what was rejected and why.
func (c *Corrector) anomalyPassThrough(fix *pkg.Fix, verdict *pkg.AnomalyResult) *pkg.CorrectedLocation {
	result := pkg.NewCorrectedLocation(fix, MethodAnomalyPassThrough)
	result.Anomalous = true
	result.Confidence = 0
	for k, v := range verdict.Details {
		result.Details[k] = v
	}
	result.AnomalyType = verdict.Details["policy"]
	if result.AnomalyType == "" {
		result.AnomalyType = "composite"
	}
	result.Details["anomaly_confidence"] = fmt.Sprintf("%.3f", verdict.Confidence)
	return result
}

// fusedResult converts a fusion outcome into the terminal artifact.
func fusedResult(r *fusion.Result) *pkg.CorrectedLocation {
	result := pkg.NewCorrectedLocation(r.Fix, r.Method)
	result.Confidence = r.Confidence
	result.SourceCount = r.SourceCount
	for k, v := range r.Details {
		result.Details[k] = v
	}
	if r.Scene != "" {
		result.Details["scene"] = string(r.Scene)
	}
	return result
}

// bestByAccuracy picks the most trustworthy candidate: valid beats demoted,
// then lower reported accuracy wins.
func bestByAccuracy(fixes []*pkg.Fix) *pkg.Fix {
	var best *pkg.Fix
	for _, f := range fixes {
		if f == nil {
			continue
		}
		if best == nil {
			best = f
			continue
		}
		if f.IsValid() != best.IsValid() {
			if f.IsValid() {
				best = f
			}
			continue
		}
		if f.Accuracy < best.Accuracy {
			best = f
		}
	}
	return best
}

// commit records the result and notifies listeners outside any lock.
func (c *Corrector) commit(result *pkg.CorrectedLocation, now time.Time) {
	c.mu.Lock()
	c.lastCorrectionTime = now
	c.lastLocation = result
	c.history = append(c.history, result)
	if len(c.history) > DefaultHistorySize {
		c.history = c.history[len(c.history)-DefaultHistorySize:]
	}
	c.mu.Unlock()

	c.logger.Debug("correction_committed",
		"method", result.Method,
		"confidence", result.Confidence,
		"source_count", result.SourceCount,
		"anomalous", result.Anomalous)
	c.notifyLocation(result)
}

// notifyLocation invokes OnLocationChanged on a copy of the listener list,
// outside the registry lock. Listener panics are contained.
func (c *Corrector) notifyLocation(result *pkg.CorrectedLocation) {
	for _, l := range c.copyListeners() {
		c.safeNotify(l, func() { l.OnLocationChanged(result) })
	}
}

// notifyStatus invokes OnStatusChanged the same way.
func (c *Corrector) notifyStatus(status pkg.FixStatus) {
	for _, l := range c.copyListeners() {
		c.safeNotify(l, func() { l.OnStatusChanged(status) })
	}
}

func (c *Corrector) copyListeners() []pkg.LocationListener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	out := make([]pkg.LocationListener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Corrector) safeNotify(l pkg.LocationListener, call func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("listener_panic", "panic", fmt.Sprintf("%v", r))
		}
	}()
	call()
}
