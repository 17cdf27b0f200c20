// Package source provides the location providers that feed the correction
// pipeline: simulated GNSS/WiFi/cell sources for demos and tests, a gRPC
// gateway poller, a Google Geolocation resolver, and the Manager registry
// that owns provider lifecycle and fans collected fixes out to the service.
package source

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// DefaultInterval is the collection interval used when none is configured.
const DefaultInterval = time.Second

// DataSource is one location provider. Implementations poll their backend on
// a fixed interval while started and hand every produced fix to the callback.
type DataSource interface {
	// Type identifies the provider class. The Manager keeps one source per type.
	Type() pkg.SourceType
	// Name is the human-readable provider name used in logs.
	Name() string
	// Start launches the collection goroutine. Safe to call on a started
	// source (no-op). Errors are reserved for unrecoverable setup failure;
	// per-poll errors are handled inside the loop.
	Start() error
	// Stop halts collection and joins the goroutine. Idempotent.
	Stop()
	// IsEnabled reports whether the source is currently collecting.
	IsEnabled() bool
	// LastFix returns a copy of the most recent fix, or nil before the first
	// successful poll.
	LastFix() *pkg.Fix
	// SetCallback registers the consumer of produced fixes. The callback
	// receives its own copy and must not be assumed panic-free by callers.
	SetCallback(func(*pkg.Fix))
	// SetInterval changes the collection interval. Non-positive values are
	// ignored. A running source applies the change on its next cycle.
	SetInterval(time.Duration)
}

// pollFunc produces one fix per collection cycle. Returning nil means the
// backend had nothing this cycle; the loop just waits for the next tick.
type pollFunc func() *pkg.Fix

// baseSource carries the lifecycle shared by every polling provider: the
// collection goroutine, the last produced fix, and copy-then-notify callback
// delivery with panic isolation. Concrete sources supply the poll function.
type baseSource struct {
	name   string
	typ    pkg.SourceType
	logger *logx.Logger
	poll   pollFunc

	mu       sync.Mutex
	interval time.Duration
	callback func(*pkg.Fix)
	lastFix  *pkg.Fix
	stopChan chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

func newBaseSource(name string, typ pkg.SourceType, logger *logx.Logger, poll pollFunc) *baseSource {
	if logger == nil {
		logger = logx.NewLogger("info", "source")
	}
	return &baseSource{
		name:     name,
		typ:      typ,
		logger:   logger,
		poll:     poll,
		interval: DefaultInterval,
	}
}

func (b *baseSource) Type() pkg.SourceType { return b.typ }

func (b *baseSource) Name() string { return b.name }

func (b *baseSource) IsEnabled() bool { return b.running.Load() }

// Start launches the collection goroutine. The first poll happens
// immediately, subsequent polls after each interval.
func (b *baseSource) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	b.stopChan = make(chan struct{})
	stop := b.stopChan
	interval := b.interval
	b.mu.Unlock()

	b.wg.Add(1)
	go b.collectLoop(stop)

	b.logger.Info("source_started", "source", b.name, "type", string(b.typ), "interval", interval.String())
	return nil
}

// Stop halts collection and waits for the goroutine to exit.
func (b *baseSource) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	stop := b.stopChan
	b.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	b.wg.Wait()

	b.logger.Info("source_stopped", "source", b.name)
}

// LastFix returns a copy of the most recent fix so callers cannot mutate the
// source's own record.
func (b *baseSource) LastFix() *pkg.Fix {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFix.Clone()
}

func (b *baseSource) SetCallback(cb func(*pkg.Fix)) {
	b.mu.Lock()
	b.callback = cb
	b.mu.Unlock()
}

func (b *baseSource) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.interval = d
	b.mu.Unlock()
}

// currentInterval is read each cycle so SetInterval takes effect on the next
// wait, not only after a restart.
func (b *baseSource) currentInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

func (b *baseSource) collectLoop(stop chan struct{}) {
	defer b.wg.Done()

	for {
		b.collectOnce()
		select {
		case <-stop:
			return
		case <-time.After(b.currentInterval()):
		}
	}
}

// collectOnce runs one poll and publishes the result: the fix is recorded as
// lastFix, then the callback receives its own copy outside any source state
// that it could corrupt.
func (b *baseSource) collectOnce() {
	fix := b.poll()
	if fix == nil {
		return
	}

	b.mu.Lock()
	b.lastFix = fix
	cb := b.callback
	b.mu.Unlock()

	b.logger.Trace("fix_collected", "source", b.name,
		"lat", fix.Latitude, "lon", fix.Longitude,
		"accuracy", fix.Accuracy, "status", string(fix.Status))

	if cb != nil {
		b.deliver(cb, fix.Clone())
	}
}

// deliver invokes the callback with panic isolation. A consumer crash must
// not kill the collection goroutine.
func (b *baseSource) deliver(cb func(*pkg.Fix), fix *pkg.Fix) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("source_callback_panic", "source", b.name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	cb(fix)
}

// Manager is the provider registry. It holds at most one source per source
// type, drives their shared lifecycle and exposes the per-source latest fixes
// that feed multi-source fusion.
type Manager struct {
	logger *logx.Logger

	mu       sync.Mutex
	sources  map[pkg.SourceType]DataSource
	callback func(*pkg.Fix)
}

// NewManager creates an empty registry.
func NewManager(logger *logx.Logger) *Manager {
	if logger == nil {
		logger = logx.NewLogger("info", "source")
	}
	return &Manager{
		logger:  logger,
		sources: make(map[pkg.SourceType]DataSource),
	}
}

// DefaultManager creates a registry pre-populated with the three simulated
// providers (GNSS, WiFi, base station).
func DefaultManager(logger *logx.Logger) *Manager {
	m := NewManager(logger)
	m.Add(NewSimulatedGNSS(logger))
	m.Add(NewSimulatedWiFi(logger))
	m.Add(NewSimulatedCell(logger))
	return m
}

// Add registers a source. A second source of an already-registered type is
// rejected so each type has exactly one provider.
func (m *Manager) Add(src DataSource) bool {
	if src == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	typ := src.Type()
	if _, exists := m.sources[typ]; exists {
		m.logger.Warn("source_type_exists", "type", string(typ), "rejected", src.Name())
		return false
	}
	m.sources[typ] = src
	if m.callback != nil {
		src.SetCallback(m.callback)
	}

	m.logger.Info("source_added", "type", string(typ), "source", src.Name())
	return true
}

// Remove stops and deregisters the source of the given type.
func (m *Manager) Remove(typ pkg.SourceType) bool {
	m.mu.Lock()
	src, exists := m.sources[typ]
	if exists {
		delete(m.sources, typ)
	}
	m.mu.Unlock()

	if !exists {
		m.logger.Warn("source_not_found", "type", string(typ))
		return false
	}
	src.Stop()
	m.logger.Info("source_removed", "type", string(typ))
	return true
}

// Get returns the registered source of the given type, or nil.
func (m *Manager) Get(typ pkg.SourceType) DataSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[typ]
}

// Len returns the number of registered sources.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// SetCallback registers the consumer every source delivers to. It applies to
// already-registered sources and to any added later.
func (m *Manager) SetCallback(cb func(*pkg.Fix)) {
	m.mu.Lock()
	m.callback = cb
	sources := m.snapshotLocked()
	m.mu.Unlock()

	for _, src := range sources {
		src.SetCallback(cb)
	}
}

// StartAll starts every registered source. On the first failure the
// already-started sources are stopped again so a partial start is never left
// running.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	sources := m.snapshotLocked()
	m.mu.Unlock()

	started := make([]DataSource, 0, len(sources))
	for _, src := range sources {
		if err := src.Start(); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("start source %s: %w", src.Name(), err)
		}
		started = append(started, src)
	}

	m.logger.Info("sources_started", "count", len(sources))
	return nil
}

// StopAll stops every registered source and joins their goroutines.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sources := m.snapshotLocked()
	m.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
	m.logger.Info("sources_stopped", "count", len(sources))
}

// LatestFixes returns the valid last fix of each enabled source, ordered by
// source type. This is the input set for a multi-source fusion cycle;
// sources that have not produced a usable fix yet are skipped.
func (m *Manager) LatestFixes() []*pkg.Fix {
	m.mu.Lock()
	sources := m.snapshotLocked()
	m.mu.Unlock()

	fixes := make([]*pkg.Fix, 0, len(sources))
	for _, src := range sources {
		if !src.IsEnabled() {
			continue
		}
		fix := src.LastFix()
		if fix.IsValid() {
			fixes = append(fixes, fix)
		}
	}
	return fixes
}

// ActiveTypes returns the types of all currently collecting sources, sorted.
func (m *Manager) ActiveTypes() []pkg.SourceType {
	m.mu.Lock()
	sources := m.snapshotLocked()
	m.mu.Unlock()

	types := make([]pkg.SourceType, 0, len(sources))
	for _, src := range sources {
		if src.IsEnabled() {
			types = append(types, src.Type())
		}
	}
	return types
}

// Types returns the types of all registered sources, sorted.
func (m *Manager) Types() []pkg.SourceType {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := make([]pkg.SourceType, 0, len(m.sources))
	for typ := range m.sources {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// snapshotLocked returns the registered sources sorted by type so iteration
// order is stable. Callers hold m.mu.
func (m *Manager) snapshotLocked() []DataSource {
	sources := make([]DataSource, 0, len(m.sources))
	for _, src := range m.sources {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Type() < sources[j].Type() })
	return sources
}
