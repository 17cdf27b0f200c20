package pkg

// FusionStrategyKind selects which fusion strategy a corrector or scene uses.
type FusionStrategyKind string

const (
	FusionPriorityBased      FusionStrategyKind = "priority_based"
	FusionWeightedAverage    FusionStrategyKind = "weighted_average"
	FusionFootprintCoherence FusionStrategyKind = "footprint_coherence"
	FusionAdaptive           FusionStrategyKind = "adaptive"
)

// AnomalyThresholds bundles the limits shared by the anomaly detectors.
type AnomalyThresholds struct {
	MaxTimeGapMs        int64   `json:"max_time_gap_ms"`
	MaxDistanceM        float64 `json:"max_distance_m"`
	MaxSpeedMPS         float64 `json:"max_speed_mps"`
	MaxAccelerationMPS2 float64 `json:"max_acceleration_mps2"`
	MinAccuracyM        float64 `json:"min_accuracy_m"`
	MinConfidence       float64 `json:"min_confidence"`
	ZScoreThreshold     float64 `json:"z_score_threshold"`
}

// DefaultAnomalyThresholds returns the stock detector limits.
func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MaxTimeGapMs:        60000,
		MaxDistanceM:        500,
		MaxSpeedMPS:         30,
		MaxAccelerationMPS2: 10,
		MinAccuracyM:        100,
		MinConfidence:       0.6,
		ZScoreThreshold:     2.0,
	}
}

// SceneConfig holds the fusion parameters for one recognized scene. A scene
// may be matched behaviorally (speed/accuracy signals) or by geofence when
// CenterLat/CenterLon/RadiusM are set.
type SceneConfig struct {
	Scene            SceneType              `json:"scene"`
	Name             string                 `json:"name"`
	CenterLat        float64                `json:"center_lat,omitempty"`
	CenterLon        float64                `json:"center_lon,omitempty"`
	RadiusM          float64                `json:"radius_m,omitempty"`
	Strategy         FusionStrategyKind     `json:"strategy"`
	SourceWeights    map[SourceType]float64 `json:"source_weights,omitempty"`
	SourcePriorities map[SourceType]int     `json:"source_priorities,omitempty"`
	MinAccuracyM     float64                `json:"min_accuracy_m,omitempty"`
	Enabled          bool                   `json:"enabled"`
}

// Clone deep-copies the scene config.
func (s SceneConfig) Clone() SceneConfig {
	cp := s
	if s.SourceWeights != nil {
		cp.SourceWeights = make(map[SourceType]float64, len(s.SourceWeights))
		for k, v := range s.SourceWeights {
			cp.SourceWeights[k] = v
		}
	}
	if s.SourcePriorities != nil {
		cp.SourcePriorities = make(map[SourceType]int, len(s.SourcePriorities))
		for k, v := range s.SourcePriorities {
			cp.SourcePriorities[k] = v
		}
	}
	return cp
}

// DefaultUnknownScene is the fallback scene config used whenever
// classification fails or no configured scene matches.
func DefaultUnknownScene() SceneConfig {
	return SceneConfig{
		Scene:    SceneUnknown,
		Name:     "unknown",
		Strategy: FusionWeightedAverage,
		SourceWeights: map[SourceType]float64{
			SourceGNSS:        0.6,
			SourceWiFi:        0.3,
			SourceBaseStation: 0.1,
		},
		Enabled: true,
	}
}

// CorrectionConfig is the sole externally supplied configuration object for a
// corrector. It is exchanged as an immutable snapshot: the active corrector
// holds exactly one current config, replaced atomically by UpdateConfig.
type CorrectionConfig struct {
	EnableGNSS        bool `json:"enable_gnss"`
	EnableWiFi        bool `json:"enable_wifi"`
	EnableBaseStation bool `json:"enable_base_station"`

	FusionStrategy FusionStrategyKind `json:"fusion_strategy"`

	MinCorrectionIntervalMs int64 `json:"min_correction_interval_ms"`
	SceneCheckIntervalMs    int64 `json:"scene_check_interval_ms"`

	RejectAnomalies bool `json:"reject_anomalies"`

	Scenes     []SceneConfig     `json:"scenes,omitempty"`
	Thresholds AnomalyThresholds `json:"thresholds"`

	Params map[string]string `json:"params,omitempty"`
}

// DefaultCorrectionConfig returns a runnable configuration.
func DefaultCorrectionConfig() *CorrectionConfig {
	return &CorrectionConfig{
		EnableGNSS:              true,
		EnableWiFi:              true,
		EnableBaseStation:       true,
		FusionStrategy:          FusionAdaptive,
		MinCorrectionIntervalMs: 1000,
		SceneCheckIntervalMs:    10000,
		RejectAnomalies:         true,
		Scenes:                  []SceneConfig{DefaultUnknownScene()},
		Thresholds:              DefaultAnomalyThresholds(),
	}
}

// Clone deep-copies the config so snapshot swaps never share mutable state.
func (c *CorrectionConfig) Clone() *CorrectionConfig {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Scenes != nil {
		cp.Scenes = make([]SceneConfig, len(c.Scenes))
		for i, s := range c.Scenes {
			cp.Scenes[i] = s.Clone()
		}
	}
	if c.Params != nil {
		cp.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

// SceneFor returns the enabled scene config for the given scene type, falling
// back to the UNKNOWN config (and finally to DefaultUnknownScene) so a lookup
// always succeeds.
func (c *CorrectionConfig) SceneFor(scene SceneType) SceneConfig {
	for _, s := range c.Scenes {
		if s.Enabled && s.Scene == scene {
			return s
		}
	}
	for _, s := range c.Scenes {
		if s.Enabled && s.Scene == SceneUnknown {
			return s
		}
	}
	return DefaultUnknownScene()
}

// Validate clamps out-of-range values to safe minimums instead of rejecting,
// keeping the pipeline runnable.
func (c *CorrectionConfig) Validate() {
	if c.MinCorrectionIntervalMs < 0 {
		c.MinCorrectionIntervalMs = 0
	}
	if c.SceneCheckIntervalMs < 1000 {
		c.SceneCheckIntervalMs = 1000
	}
	if c.Thresholds.MaxTimeGapMs <= 0 {
		c.Thresholds.MaxTimeGapMs = DefaultAnomalyThresholds().MaxTimeGapMs
	}
	if c.Thresholds.MaxSpeedMPS <= 0 {
		c.Thresholds.MaxSpeedMPS = DefaultAnomalyThresholds().MaxSpeedMPS
	}
	if c.Thresholds.ZScoreThreshold <= 0 {
		c.Thresholds.ZScoreThreshold = DefaultAnomalyThresholds().ZScoreThreshold
	}
	if c.Thresholds.MinConfidence < 0 || c.Thresholds.MinConfidence > 1 {
		c.Thresholds.MinConfidence = DefaultAnomalyThresholds().MinConfidence
	}
	if c.FusionStrategy == "" {
		c.FusionStrategy = FusionAdaptive
	}
	if len(c.Scenes) == 0 {
		c.Scenes = []SceneConfig{DefaultUnknownScene()}
	}
}
