package corrector

import (
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/fusion"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// AdaptiveCorrector re-evaluates the movement scene on a debounced interval
// (SceneCheckIntervalMs, never per fix) and applies the matched scene's
// accuracy floor to GNSS fixes before the base cycle runs. It also serves as
// the scene classifier for an adaptive fusion strategy, so fusion dispatch
// reuses the debounced scene instead of re-classifying every call.
type AdaptiveCorrector struct {
	*Corrector

	sceneMu        sync.RWMutex
	classifier     fusion.SceneClassifier
	currentScene   pkg.SceneType
	lastSceneCheck time.Time
}

// NewAdaptiveCorrector creates an adaptive corrector starting in the unknown
// scene.
func NewAdaptiveCorrector(config *pkg.CorrectionConfig, logger *logx.Logger) *AdaptiveCorrector {
	a := &AdaptiveCorrector{
		Corrector:    NewCorrector(config, logger),
		classifier:   fusion.NewSpeedBasedClassifier(nil),
		currentScene: pkg.SceneUnknown,
	}
	a.setSceneClassifier(a)
	return a
}

// Classify implements fusion.SceneClassifier by returning the debounced
// current scene. The fix list handed in by the strategy is ignored; the
// corrector classifies from its own accepted-fix context on its own schedule.
func (a *AdaptiveCorrector) Classify(fixes []*pkg.Fix) (pkg.SceneType, error) {
	return a.CurrentScene(), nil
}

// CurrentScene returns the scene selected by the last debounced check.
func (a *AdaptiveCorrector) CurrentScene() pkg.SceneType {
	a.sceneMu.RLock()
	defer a.sceneMu.RUnlock()
	return a.currentScene
}

// SetClassifier replaces the scene classifier. Nil is ignored.
func (a *AdaptiveCorrector) SetClassifier(cl fusion.SceneClassifier) {
	if cl == nil {
		return
	}
	a.sceneMu.Lock()
	defer a.sceneMu.Unlock()
	a.classifier = cl
}

// Correct adjusts the fix for the current scene, refreshing the scene first
// if the debounce window has elapsed, then runs the base cycle.
func (a *AdaptiveCorrector) Correct(fix *pkg.Fix) (*pkg.CorrectedLocation, error) {
	if fix == nil {
		return nil, nil
	}
	cfg := a.Config()
	a.maybeCheckScene(a.now(), cfg)
	return a.correctWithInterval(a.applyScene(fix, cfg), cfg, cfg.MinCorrectionIntervalMs)
}

// CorrectBatch adjusts every fix for the current scene before the base
// multi-source cycle.
func (a *AdaptiveCorrector) CorrectBatch(fixes []*pkg.Fix) (*pkg.CorrectedLocation, error) {
	if len(fixes) == 0 {
		return nil, nil
	}
	cfg := a.Config()
	a.maybeCheckScene(a.now(), cfg)
	adjusted := make([]*pkg.Fix, 0, len(fixes))
	for _, fix := range fixes {
		if fix == nil {
			continue
		}
		adjusted = append(adjusted, a.applyScene(fix, cfg))
	}
	return a.correctBatchWithInterval(adjusted, cfg, cfg.MinCorrectionIntervalMs)
}

// maybeCheckScene re-classifies only when SceneCheckIntervalMs has elapsed
// since the previous check. Transitions are logged; an unchanged scene is a
// no-op.
func (a *AdaptiveCorrector) maybeCheckScene(now time.Time, cfg *pkg.CorrectionConfig) {
	a.sceneMu.Lock()
	window := time.Duration(cfg.SceneCheckIntervalMs) * time.Millisecond
	if !a.lastSceneCheck.IsZero() && now.Sub(a.lastSceneCheck) < window {
		a.sceneMu.Unlock()
		return
	}
	a.lastSceneCheck = now
	classifier := a.classifier
	old := a.currentScene
	a.sceneMu.Unlock()

	scene := a.classifyContext(classifier)
	if scene == old {
		return
	}

	a.sceneMu.Lock()
	a.currentScene = scene
	a.sceneMu.Unlock()

	a.logger.LogStateChange("corrector", string(old), string(scene), "scene_changed",
		map[string]interface{}{"context_size": len(a.recentContext())})
}

// classifyContext runs the classifier over the accepted-fix context with the
// usual degradation: error, panic or empty verdict all mean unknown.
func (a *AdaptiveCorrector) classifyContext(classifier fusion.SceneClassifier) (scene pkg.SceneType) {
	scene = pkg.SceneUnknown
	if classifier == nil {
		return scene
	}
	defer func() {
		if r := recover(); r != nil {
			scene = pkg.SceneUnknown
			a.logger.Warn("scene_classifier_panic", "panic", fmt.Sprintf("%v", r))
		}
	}()

	s, err := classifier.Classify(a.recentContext())
	if err != nil {
		a.logger.Debug("scene_classifier_error", "error", err.Error())
		return pkg.SceneUnknown
	}
	if s == "" {
		return pkg.SceneUnknown
	}
	return s
}

// applyScene clones the fix, stamps the scene and floors GNSS accuracy at
// the scene's minimum: an indoor scene cannot report better GNSS accuracy
// than its configured floor.
func (a *AdaptiveCorrector) applyScene(fix *pkg.Fix, cfg *pkg.CorrectionConfig) *pkg.Fix {
	scene := a.CurrentScene()
	sceneCfg := cfg.SceneFor(scene)

	adjusted := fix.Clone()
	adjusted.SetExtra("scene", string(scene))
	if adjusted.Source == pkg.SourceGNSS && sceneCfg.MinAccuracyM > 0 && adjusted.Accuracy < sceneCfg.MinAccuracyM {
		a.logger.Debug("scene_accuracy_floor",
			"scene", string(scene),
			"reported_m", adjusted.Accuracy,
			"floor_m", sceneCfg.MinAccuracyM)
		adjusted.Accuracy = sceneCfg.MinAccuracyM
	}
	return adjusted
}
