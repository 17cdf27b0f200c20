package fusion

import (
	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
)

// SpeedClassifierConfig holds the decision boundaries for the speed-based
// scene classifier. Speeds are meters per second.
type SpeedClassifierConfig struct {
	StationaryMaxMps    float64 `json:"stationary_max_mps"`
	WalkingMaxMps       float64 `json:"walking_max_mps"`
	RunningMaxMps       float64 `json:"running_max_mps"`
	DrivingMaxMps       float64 `json:"driving_max_mps"`
	IndoorMinAccuracyM  float64 `json:"indoor_min_accuracy_m"`
	OutdoorMaxAccuracyM float64 `json:"outdoor_max_accuracy_m"`
	DegradedAccuracyM   float64 `json:"degraded_accuracy_m"`
}

// DefaultSpeedClassifierConfig returns boundaries tuned for pedestrian and
// vehicle movement.
func DefaultSpeedClassifierConfig() *SpeedClassifierConfig {
	return &SpeedClassifierConfig{
		StationaryMaxMps:    0.5,
		WalkingMaxMps:       2.5,
		RunningMaxMps:       7.0,
		DrivingMaxMps:       25.0,
		IndoorMinAccuracyM:  50.0,
		OutdoorMaxAccuracyM: 10.0,
		DegradedAccuracyM:   30.0,
	}
}

// SpeedBasedClassifier derives the scene from the mean reported speed of the
// fix set, refined by signal quality: a stationary set with no usable GNSS is
// indoor, sharp GNSS outdoors, and a moving set whose best GNSS accuracy is
// badly degraded reads as an urban canyon (multipath).
type SpeedBasedClassifier struct {
	config *SpeedClassifierConfig
}

// NewSpeedBasedClassifier creates a classifier. A nil config uses defaults.
func NewSpeedBasedClassifier(config *SpeedClassifierConfig) *SpeedBasedClassifier {
	if config == nil {
		config = DefaultSpeedClassifierConfig()
	}
	return &SpeedBasedClassifier{config: config}
}

// Classify maps the fix set to a scene. An empty set is unknown. Classify
// never returns an error; the error slot exists for remote classifiers that
// share the interface.
func (c *SpeedBasedClassifier) Classify(fixes []*pkg.Fix) (pkg.SceneType, error) {
	if len(fixes) == 0 {
		return pkg.SceneUnknown, nil
	}

	speeds := make([]float64, 0, len(fixes))
	accuracies := make([]float64, 0, len(fixes))
	hasGNSS := false
	bestGNSSAcc := 0.0

	for _, f := range fixes {
		if f == nil {
			continue
		}
		if f.Speed > 0 {
			speeds = append(speeds, f.Speed)
		}
		accuracies = append(accuracies, f.Accuracy)
		if f.Source == pkg.SourceGNSS {
			if !hasGNSS || f.Accuracy < bestGNSSAcc {
				bestGNSSAcc = f.Accuracy
			}
			hasGNSS = true
		}
	}
	if len(accuracies) == 0 {
		return pkg.SceneUnknown, nil
	}

	meanSpeed := geo.Mean(speeds)
	meanAccuracy := geo.Mean(accuracies)

	switch {
	case meanSpeed >= c.config.DrivingMaxMps:
		return pkg.SceneHighway, nil
	case meanSpeed >= c.config.RunningMaxMps:
		return pkg.SceneDriving, nil
	case meanSpeed >= c.config.WalkingMaxMps:
		return pkg.SceneRunning, nil
	case meanSpeed >= c.config.StationaryMaxMps:
		if hasGNSS && bestGNSSAcc >= c.config.DegradedAccuracyM {
			return pkg.SceneUrbanCanyon, nil
		}
		return pkg.SceneWalking, nil
	default:
		if !hasGNSS && meanAccuracy >= c.config.IndoorMinAccuracyM {
			return pkg.SceneIndoor, nil
		}
		if hasGNSS && bestGNSSAcc < c.config.OutdoorMaxAccuracyM {
			return pkg.SceneOutdoor, nil
		}
		return pkg.SceneStationary, nil
	}
}
