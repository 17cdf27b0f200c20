// Package pkg contains the shared data model for the geofix correction
// pipeline: raw fixes, corrected locations, anomaly verdicts and the
// configuration surface exchanged between components.
package pkg

import (
	"fmt"
	"time"
)

// SourceType identifies the positioning technology that produced a fix.
type SourceType string

const (
	SourceGNSS        SourceType = "gnss"
	SourceWiFi        SourceType = "wifi"
	SourceBaseStation SourceType = "base_station"
	SourceInertial    SourceType = "inertial"
	SourceFused       SourceType = "fused"
	SourceOther       SourceType = "other"
)

// FixStatus is the validity state a fix carries through the pipeline.
// Filters and detectors change status; they never silently drop a fix.
type FixStatus string

const (
	StatusValid       FixStatus = "valid"
	StatusInvalid     FixStatus = "invalid"
	StatusLowAccuracy FixStatus = "low_accuracy"
	StatusAnomaly     FixStatus = "anomaly"
)

// SceneType is the behavioral/environmental classification used to select
// fusion parameters.
type SceneType string

const (
	SceneStationary  SceneType = "stationary"
	SceneWalking     SceneType = "walking"
	SceneRunning     SceneType = "running"
	SceneDriving     SceneType = "driving"
	SceneIndoor      SceneType = "indoor"
	SceneOutdoor     SceneType = "outdoor"
	SceneUrbanCanyon SceneType = "urban_canyon"
	SceneHighway     SceneType = "highway"
	SceneUnknown     SceneType = "unknown"
)

// CorrectionMode selects the corrector's interval scaling behavior. Modes are
// set explicitly, never auto-detected.
type CorrectionMode string

const (
	ModeNormal       CorrectionMode = "normal"
	ModeHighAccuracy CorrectionMode = "high_accuracy"
	ModeLowPower     CorrectionMode = "low_power"
	ModeFastUpdate   CorrectionMode = "fast_update"
	ModeOffline      CorrectionMode = "offline"
)

// ParseCorrectionMode converts a string (API/CLI input) into a mode.
func ParseCorrectionMode(s string) (CorrectionMode, error) {
	switch CorrectionMode(s) {
	case ModeNormal, ModeHighAccuracy, ModeLowPower, ModeFastUpdate, ModeOffline:
		return CorrectionMode(s), nil
	}
	return ModeNormal, fmt.Errorf("unknown correction mode: %q", s)
}

// Fix is one timestamped position reading from one source. Timestamps are
// monotonically non-decreasing per source but carry no global order across
// sources.
type Fix struct {
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Altitude  float64           `json:"altitude,omitempty"`
	Accuracy  float64           `json:"accuracy"`
	Timestamp time.Time         `json:"timestamp"`
	Speed     float64           `json:"speed,omitempty"`
	Bearing   float64           `json:"bearing,omitempty"`
	Source    SourceType        `json:"source"`
	Status    FixStatus         `json:"status"`
	Extras    map[string]string `json:"extras,omitempty"`
}

// NewFix creates a VALID fix stamped with the current time.
func NewFix(lat, lon, accuracy float64, source SourceType) *Fix {
	return &Fix{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  accuracy,
		Timestamp: time.Now(),
		Source:    source,
		Status:    StatusValid,
	}
}

// IsValid reports whether the fix may be used as fusion input.
func (f *Fix) IsValid() bool {
	if f == nil || f.Status != StatusValid {
		return false
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return false
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return false
	}
	if f.Accuracy < 0 {
		return false
	}
	return !f.Timestamp.IsZero()
}

// Clone returns a deep copy; the Extras map is copied, not shared.
func (f *Fix) Clone() *Fix {
	if f == nil {
		return nil
	}
	cp := *f
	if f.Extras != nil {
		cp.Extras = make(map[string]string, len(f.Extras))
		for k, v := range f.Extras {
			cp.Extras[k] = v
		}
	}
	return &cp
}

// SetExtra stores a provenance value, allocating the map on first use.
func (f *Fix) SetExtra(key, value string) {
	if f.Extras == nil {
		f.Extras = make(map[string]string)
	}
	f.Extras[key] = value
}

// GetExtra returns the value for key, or def when absent.
func (f *Fix) GetExtra(key, def string) string {
	if f.Extras == nil {
		return def
	}
	if v, ok := f.Extras[key]; ok {
		return v
	}
	return def
}

// Age returns how long ago the fix was produced.
func (f *Fix) Age() time.Duration {
	return time.Since(f.Timestamp)
}

func (f *Fix) String() string {
	return fmt.Sprintf("Fix{%.6f,%.6f acc=%.1fm src=%s status=%s}",
		f.Latitude, f.Longitude, f.Accuracy, f.Source, f.Status)
}

// CorrectedLocation is the terminal artifact of one correction cycle. It owns
// an immutable copy of the originating fix and is never mutated after
// construction.
type CorrectedLocation struct {
	Original    *Fix              `json:"original"`
	Latitude    float64           `json:"latitude"`
	Longitude   float64           `json:"longitude"`
	Altitude    float64           `json:"altitude,omitempty"`
	Accuracy    float64           `json:"accuracy"`
	Confidence  float64           `json:"confidence"`
	Method      string            `json:"method"`
	Anomalous   bool              `json:"anomalous"`
	AnomalyType string            `json:"anomaly_type,omitempty"`
	SourceCount int               `json:"source_count"`
	Details     map[string]string `json:"details,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NewCorrectedLocation builds a corrected location from a fix, cloning the
// fix so later pipeline stages cannot alias it.
func NewCorrectedLocation(original *Fix, method string) *CorrectedLocation {
	c := &CorrectedLocation{
		Original:    original.Clone(),
		Latitude:    original.Latitude,
		Longitude:   original.Longitude,
		Altitude:    original.Altitude,
		Accuracy:    original.Accuracy,
		Confidence:  0,
		Method:      method,
		SourceCount: 1,
		Details:     make(map[string]string),
		Timestamp:   time.Now(),
	}
	return c
}

// Clone returns a deep copy, detaching the original fix and details map.
func (c *CorrectedLocation) Clone() *CorrectedLocation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Original = c.Original.Clone()
	if c.Details != nil {
		cp.Details = make(map[string]string, len(c.Details))
		for k, v := range c.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

func (c *CorrectedLocation) String() string {
	return fmt.Sprintf("Corrected{%.6f,%.6f acc=%.1fm conf=%.2f method=%s sources=%d}",
		c.Latitude, c.Longitude, c.Accuracy, c.Confidence, c.Method, c.SourceCount)
}

// AnomalyResult is one detector's verdict about one fix. Ephemeral, never
// persisted.
type AnomalyResult struct {
	Anomalous  bool              `json:"anomalous"`
	Confidence float64           `json:"confidence"`
	Details    map[string]string `json:"details,omitempty"`
}

// NormalResult returns a non-anomalous verdict with the given reason.
func NormalResult(reason string) *AnomalyResult {
	return &AnomalyResult{
		Anomalous:  false,
		Confidence: 0,
		Details:    map[string]string{"reason": reason},
	}
}

// LocationListener receives pipeline outputs. Implementations are invoked
// outside any pipeline lock and may unregister themselves from within the
// callback.
type LocationListener interface {
	OnLocationChanged(location *CorrectedLocation)
	OnStatusChanged(status FixStatus)
}
