package fusion

import (
	"fmt"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// SceneClassifier assigns a scene to a set of concurrent fixes. It is called
// synchronously inside the fusion cycle, so implementations must be fast and
// must not block; a classifier failure degrades to the unknown scene.
type SceneClassifier interface {
	Classify(fixes []*pkg.Fix) (pkg.SceneType, error)
}

// AdaptiveConfig configures the scene-adaptive dispatcher.
type AdaptiveConfig struct {
	MinRequiredSources int                `json:"min_required_sources"`
	Scenes             []*pkg.SceneConfig `json:"scenes,omitempty"`
}

// DefaultAdaptiveConfig returns a dispatcher that only knows the unknown
// scene.
func DefaultAdaptiveConfig() *AdaptiveConfig {
	unknown := pkg.DefaultUnknownScene()
	return &AdaptiveConfig{
		MinRequiredSources: DefaultMinRequiredSources,
		Scenes:             []*pkg.SceneConfig{&unknown},
	}
}

// AdaptiveStrategy classifies the current scene and delegates to the fusion
// core that scene's config asks for, with that scene's source priorities or
// weights applied. Classification failures and unknown scenes fall back to
// the unknown scene config.
type AdaptiveStrategy struct {
	baseStrategy
	logger     *logx.Logger
	classifier SceneClassifier
	scenes     map[pkg.SceneType]pkg.SceneConfig
}

// NewAdaptiveStrategy creates a scene-adaptive strategy. A nil config uses
// defaults; a nil classifier pins the scene to unknown.
func NewAdaptiveStrategy(config *AdaptiveConfig, classifier SceneClassifier, logger *logx.Logger) *AdaptiveStrategy {
	if config == nil {
		config = DefaultAdaptiveConfig()
	}
	s := &AdaptiveStrategy{
		baseStrategy: newBaseStrategy("adaptive", config.MinRequiredSources),
		logger:       logger,
		classifier:   classifier,
		scenes:       make(map[pkg.SceneType]pkg.SceneConfig, len(config.Scenes)+1),
	}
	for _, sc := range config.Scenes {
		if sc != nil {
			s.scenes[sc.Scene] = sc.Clone()
		}
	}
	if _, ok := s.scenes[pkg.SceneUnknown]; !ok {
		s.scenes[pkg.SceneUnknown] = pkg.DefaultUnknownScene()
	}
	return s
}

// SetClassifier swaps the scene classifier.
func (s *AdaptiveStrategy) SetClassifier(classifier SceneClassifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifier = classifier
}

// AddSceneConfig registers or replaces the config for one scene.
func (s *AdaptiveStrategy) AddSceneConfig(config pkg.SceneConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes[config.Scene] = config.Clone()
}

// SceneConfigFor returns the registered config for a scene.
func (s *AdaptiveStrategy) SceneConfigFor(scene pkg.SceneType) (pkg.SceneConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	config, ok := s.scenes[scene]
	return config, ok
}

// Fuse classifies the scene, then delegates to the per-scene fusion core.
// The result is always tagged with the scene used.
func (s *AdaptiveStrategy) Fuse(fixes []*pkg.Fix) (*Result, error) {
	valid := s.prepare(fixes, s.logger)
	if valid == nil {
		return nil, nil
	}

	scene := s.classifyScene(valid)

	s.mu.RLock()
	config, ok := s.scenes[scene]
	if !ok || !config.Enabled {
		config, ok = s.scenes[pkg.SceneUnknown]
	}
	s.mu.RUnlock()
	if !ok {
		config = pkg.DefaultUnknownScene()
	}

	var fused *pkg.Fix
	var details map[string]string

	switch config.Strategy {
	case pkg.FusionPriorityBased:
		priorities := config.SourcePriorities
		if len(priorities) == 0 {
			priorities = DefaultPriorityConfig().SourcePriorities
		}
		fused, details = priorityFuse(valid, priorities)

	case pkg.FusionWeightedAverage:
		fused, details = weightedFuse(valid, WeightCustom, config.SourceWeights)

	case pkg.FusionFootprintCoherence:
		selected, score := coherentSubset(valid, DefaultCoherenceThreshold, DefaultMaxFootprintRadiusM, s.MinRequiredSources())
		fused, details = weightedFuse(selected, WeightAccuracyBased, nil)
		details["coherence_score"] = fmt.Sprintf("%.3f", score)
		details["selected_source_count"] = fmt.Sprintf("%d", len(selected))

	default:
		fused, details = weightedFuse(valid, WeightAccuracyBased, nil)
	}

	details["scene"] = string(scene)
	details["scene_strategy"] = string(config.Strategy)

	if s.logger != nil {
		s.logger.Debug("adaptive_fusion_completed",
			"scene", string(scene),
			"strategy", string(config.Strategy),
			"sources", len(valid))
	}

	result := s.finish(fused, len(valid), consistency(valid, DefaultMaxFootprintRadiusM), details)
	result.Scene = scene
	return result, nil
}

// classifyScene runs the classifier, converting errors and panics into the
// unknown scene so a misbehaving classifier can never break the fusion cycle.
func (s *AdaptiveStrategy) classifyScene(fixes []*pkg.Fix) (scene pkg.SceneType) {
	scene = pkg.SceneUnknown

	s.mu.RLock()
	classifier := s.classifier
	s.mu.RUnlock()
	if classifier == nil {
		return scene
	}

	defer func() {
		if r := recover(); r != nil {
			scene = pkg.SceneUnknown
			if s.logger != nil {
				s.logger.Warn("classifier_panic", "panic", fmt.Sprintf("%v", r))
			}
		}
	}()

	got, err := classifier.Classify(fixes)
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("classifier_error", "error", err.Error())
		}
		return pkg.SceneUnknown
	}
	if got == "" {
		return pkg.SceneUnknown
	}
	return got
}
