package corrector

import (
	"sync"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Mode-specific interval floors in milliseconds.
const (
	minHighAccuracyIntervalMs int64 = 100
	minFastUpdateIntervalMs   int64 = 50
	minLowPowerIntervalMs     int64 = 1000
)

// LastLocationStore persists the most recent corrected location so OFFLINE
// mode can answer without a live pipeline and restarts start warm.
type LastLocationStore interface {
	SaveLast(location *pkg.CorrectedLocation) error
	LoadLast() (*pkg.CorrectedLocation, error)
}

// MultiModeCorrector scales the correction-interval gate per explicit mode.
// The scaled interval is computed per call from the config snapshot; the
// stored base interval is never mutated, so concurrent cycles cannot observe
// a torn value and the base is "restored" by construction. OFFLINE mode
// serves the last known location instead of running a cycle.
type MultiModeCorrector struct {
	*Corrector

	modeMu    sync.RWMutex
	mode      pkg.CorrectionMode
	snapshots LastLocationStore
}

// NewMultiModeCorrector creates a corrector in NORMAL mode.
func NewMultiModeCorrector(config *pkg.CorrectionConfig, logger *logx.Logger) *MultiModeCorrector {
	return &MultiModeCorrector{
		Corrector: NewCorrector(config, logger),
		mode:      pkg.ModeNormal,
	}
}

// SetMode switches the correction mode. Unknown modes are rejected with a
// warning; transitions are logged, setting the current mode again is silent.
func (m *MultiModeCorrector) SetMode(mode pkg.CorrectionMode) {
	if _, err := pkg.ParseCorrectionMode(string(mode)); err != nil {
		m.logger.Warn("mode_rejected", "mode", string(mode), "error", err.Error())
		return
	}

	m.modeMu.Lock()
	old := m.mode
	m.mode = mode
	m.modeMu.Unlock()

	if old != mode {
		m.logger.LogStateChange("corrector", string(old), string(mode), "mode_changed", nil)
	}
}

// Mode returns the active correction mode.
func (m *MultiModeCorrector) Mode() pkg.CorrectionMode {
	m.modeMu.RLock()
	defer m.modeMu.RUnlock()
	return m.mode
}

// SetSnapshotStore wires the persistent last-location store used by OFFLINE
// mode and saved to after every successful cycle.
func (m *MultiModeCorrector) SetSnapshotStore(store LastLocationStore) {
	m.modeMu.Lock()
	defer m.modeMu.Unlock()
	m.snapshots = store
}

// ScaledIntervalMs returns the effective gate interval for a base interval
// under the given mode, floored per mode. NORMAL and OFFLINE pass the base
// through unscaled.
func ScaledIntervalMs(mode pkg.CorrectionMode, baseMs int64) int64 {
	switch mode {
	case pkg.ModeHighAccuracy:
		return maxInt64(minHighAccuracyIntervalMs, baseMs/2)
	case pkg.ModeFastUpdate:
		return maxInt64(minFastUpdateIntervalMs, baseMs/4)
	case pkg.ModeLowPower:
		return maxInt64(minLowPowerIntervalMs, baseMs*2)
	default:
		return baseMs
	}
}

// EffectiveIntervalMs reports the gate interval the next cycle will use.
func (m *MultiModeCorrector) EffectiveIntervalMs() int64 {
	return ScaledIntervalMs(m.Mode(), m.Config().MinCorrectionIntervalMs)
}

// Correct runs the single-fix cycle under the mode-scaled interval. In
// OFFLINE mode the fix is ignored and the last known location is served.
func (m *MultiModeCorrector) Correct(fix *pkg.Fix) (*pkg.CorrectedLocation, error) {
	mode := m.Mode()
	if mode == pkg.ModeOffline {
		return m.serveOffline()
	}
	cfg := m.Config()
	result, err := m.correctWithInterval(fix, cfg, ScaledIntervalMs(mode, cfg.MinCorrectionIntervalMs))
	m.persistLast(result)
	return result, err
}

// CorrectBatch runs the multi-source cycle under the mode-scaled interval.
func (m *MultiModeCorrector) CorrectBatch(fixes []*pkg.Fix) (*pkg.CorrectedLocation, error) {
	mode := m.Mode()
	if mode == pkg.ModeOffline {
		return m.serveOffline()
	}
	cfg := m.Config()
	result, err := m.correctBatchWithInterval(fixes, cfg, ScaledIntervalMs(mode, cfg.MinCorrectionIntervalMs))
	m.persistLast(result)
	return result, err
}

// persistLast saves a committed result to the snapshot store. Anomalous
// pass-throughs are not snapshotted: a restart begins from the last trusted
// position. Save failures are logged and ignored; persistence never blocks
// the pipeline.
func (m *MultiModeCorrector) persistLast(result *pkg.CorrectedLocation) {
	if result == nil || result.Anomalous {
		return
	}
	m.modeMu.RLock()
	store := m.snapshots
	m.modeMu.RUnlock()
	if store == nil {
		return
	}
	if err := store.SaveLast(result); err != nil {
		m.logger.Warn("snapshot_save_failed", "error", err.Error())
	}
}

// serveOffline answers from the in-memory last location, then from the
// snapshot store. Nothing cached means (nil, nil).
func (m *MultiModeCorrector) serveOffline() (*pkg.CorrectedLocation, error) {
	if last := m.LastLocation(); last != nil {
		return offlineCopy(last), nil
	}

	m.modeMu.RLock()
	store := m.snapshots
	m.modeMu.RUnlock()
	if store == nil {
		return nil, nil
	}

	loaded, err := store.LoadLast()
	if err != nil {
		m.logger.Warn("snapshot_load_failed", "error", err.Error())
		return nil, nil
	}
	if loaded == nil {
		return nil, nil
	}
	m.logger.Debug("offline_served_from_snapshot", "method", loaded.Method)
	return offlineCopy(loaded), nil
}

// offlineCopy re-tags a cached result so consumers can tell it from a live
// correction.
func offlineCopy(src *pkg.CorrectedLocation) *pkg.CorrectedLocation {
	cp := src.Clone()
	cp.Method = MethodOfflineCache
	return cp
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
