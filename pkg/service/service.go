// Package service runs the correction pipeline: data sources push fixes into
// a bounded queue, a consumer goroutine drains it through a corrector, and
// results flow to storage, the location cache and registered listeners. The
// high-performance variant trades latency for throughput by draining fixes in
// batches.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Corrector is the slice of the correction engine the service drives. All
// corrector variants satisfy it.
type Corrector interface {
	Correct(fix *pkg.Fix) (*pkg.CorrectedLocation, error)
	CorrectBatch(fixes []*pkg.Fix) (*pkg.CorrectedLocation, error)
	UpdateConfig(config *pkg.CorrectionConfig)
	LastLocation() *pkg.CorrectedLocation
}

// ResultStore persists correction results. Store failures are logged and
// never interrupt the processing goroutine.
type ResultStore interface {
	Store(location *pkg.CorrectedLocation) error
	QueryByTimeRange(start, end time.Time) ([]*pkg.CorrectedLocation, error)
}

// SourcePool starts and stops the registered data sources and exposes their
// latest fixes for the multi-source fusion path.
type SourcePool interface {
	StartAll() error
	StopAll()
	LatestFixes() []*pkg.Fix
}

// Config holds the service tuning knobs. The correction behavior itself is
// configured on the corrector, not here.
type Config struct {
	MaxQueueSize     int   `json:"max_queue_size"`
	PollIntervalMs   int64 `json:"poll_interval_ms"`
	FusionIntervalMs int64 `json:"fusion_interval_ms"`
	StoreResults     bool  `json:"store_results"`
	BatchSize        int   `json:"batch_size"`
	BatchTimeoutMs   int64 `json:"batch_timeout_ms"`
	BatchWorkers     int   `json:"batch_workers"`
	CacheSize        int   `json:"cache_size"`
}

// DefaultConfig returns the service defaults: queue of 1000 with a 50ms empty
// poll, batches of 10 flushed every 500ms, cache of 100. The multi-source
// fusion ticker is off until given an interval.
func DefaultConfig() *Config {
	return &Config{
		MaxQueueSize:   1000,
		PollIntervalMs: 50,
		StoreResults:   true,
		BatchSize:      10,
		BatchTimeoutMs: 500,
		BatchWorkers:   2,
		CacheSize:      100,
	}
}

// Validate clamps out-of-range values to safe minimums.
func (c *Config) Validate() {
	if c.MaxQueueSize < 1 {
		c.MaxQueueSize = 1
	}
	if c.PollIntervalMs < 1 {
		c.PollIntervalMs = 1
	}
	if c.FusionIntervalMs < 0 {
		c.FusionIntervalMs = 0
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.BatchTimeoutMs < 1 {
		c.BatchTimeoutMs = 1
	}
	if c.BatchWorkers < 1 {
		c.BatchWorkers = 1
	}
	if c.CacheSize < 1 {
		c.CacheSize = 1
	}
}

// Clone returns an independent copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

type serviceCounters struct {
	submitted   atomic.Uint64
	dropped     atomic.Uint64
	processed   atomic.Uint64
	skipped     atomic.Uint64
	fused       atomic.Uint64
	storeErrors atomic.Uint64
}

func (c *serviceCounters) reset() {
	c.submitted.Store(0)
	c.dropped.Store(0)
	c.processed.Store(0)
	c.skipped.Store(0)
	c.fused.Store(0)
	c.storeErrors.Store(0)
}

// Stats is a point-in-time snapshot of the service counters.
type Stats struct {
	Running     bool   `json:"running"`
	QueueDepth  int    `json:"queue_depth"`
	Submitted   uint64 `json:"submitted"`
	Dropped     uint64 `json:"dropped"`
	Processed   uint64 `json:"processed"`
	Skipped     uint64 `json:"skipped"`
	Fused       uint64 `json:"fused"`
	StoreErrors uint64 `json:"store_errors"`
	CacheSize   int    `json:"cache_size,omitempty"`
	Batches     uint64 `json:"batches,omitempty"`
}

// LocationService is the base pipeline: one consumer goroutine drains the
// bounded fix queue through the corrector. Producers never block; when the
// queue is full the oldest fix is evicted in favor of fresher data.
type LocationService struct {
	config *Config
	logger *logx.Logger
	perf   *logx.PerformanceLogger

	corr    Corrector
	store   ResultStore
	sources SourcePool

	queueMu  sync.Mutex
	fixQueue []*pkg.Fix

	resultMu   sync.RWMutex
	lastResult *pkg.CorrectedLocation

	listenersMu sync.RWMutex
	listeners   []pkg.LocationListener

	// onResult, when set, observes every committed result. The batch variant
	// uses it to keep its cache current regardless of which path produced the
	// result.
	onResult func(location *pkg.CorrectedLocation)

	running  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	counters serviceCounters
}

// NewLocationService creates the base service. The corrector must be
// non-nil; storage and sources are attached with setters before Start.
func NewLocationService(config *Config, corr Corrector, logger *logx.Logger) *LocationService {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	config.Validate()
	if logger == nil {
		logger = logx.NewLogger("info", "service")
	}
	return &LocationService{
		config: config,
		logger: logger,
		perf:   logx.NewPerformanceLogger(logger),
		corr:   corr,
	}
}

// SetStorage attaches the result store. Call before Start.
func (s *LocationService) SetStorage(store ResultStore) {
	s.store = store
}

// SetSources attaches the data source pool. Call before Start.
func (s *LocationService) SetSources(pool SourcePool) {
	s.sources = pool
}

// Config returns the service configuration (immutable after construction).
func (s *LocationService) Config() *Config {
	return s.config
}

// Start launches the data sources and the consumer goroutine. Starting a
// running service is a logged no-op.
func (s *LocationService) Start() error {
	_, err := s.start()
	return err
}

// start reports whether this call performed the startup, so embedding
// variants can launch their own workers exactly once.
func (s *LocationService) start() (bool, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("service_already_running")
		return false, nil
	}

	s.stopChan = make(chan struct{})

	if s.sources != nil {
		if err := s.sources.StartAll(); err != nil {
			s.running.Store(false)
			return false, fmt.Errorf("start data sources: %w", err)
		}
	}

	stop := s.stopChan
	s.wg.Add(1)
	go s.processingLoop(stop)

	if s.config.FusionIntervalMs > 0 && s.sources != nil {
		s.wg.Add(1)
		go s.fusionLoop(stop)
	}

	s.logger.Info("service_started",
		"max_queue_size", s.config.MaxQueueSize,
		"poll_interval_ms", s.config.PollIntervalMs,
		"fusion_interval_ms", s.config.FusionIntervalMs)
	return true, nil
}

// Stop halts the workers, joins them, stops the sources and clears the
// queue. Stopping a stopped service is a no-op.
func (s *LocationService) Stop() {
	if !s.stop() {
		return
	}
	s.perf.LogMetrics()
	s.logger.Info("service_stopped",
		"processed", s.counters.processed.Load(),
		"dropped", s.counters.dropped.Load())
}

func (s *LocationService) stop() bool {
	if !s.running.CompareAndSwap(true, false) {
		return false
	}

	close(s.stopChan)
	s.wg.Wait()

	if s.sources != nil {
		s.sources.StopAll()
	}

	s.queueMu.Lock()
	s.fixQueue = nil
	s.queueMu.Unlock()
	return true
}

// IsRunning reports whether the consumer goroutine is active.
func (s *LocationService) IsRunning() bool {
	return s.running.Load()
}

// SubmitFix enqueues a fix for processing. Never blocks: when the queue is
// full the oldest entry is evicted, favoring freshness over completeness.
func (s *LocationService) SubmitFix(fix *pkg.Fix) {
	if fix == nil {
		return
	}
	s.counters.submitted.Add(1)

	s.queueMu.Lock()
	s.fixQueue = append(s.fixQueue, fix)
	evicted := 0
	for len(s.fixQueue) > s.config.MaxQueueSize {
		s.fixQueue = s.fixQueue[1:]
		evicted++
	}
	depth := len(s.fixQueue)
	s.queueMu.Unlock()

	if evicted > 0 {
		s.counters.dropped.Add(uint64(evicted))
		s.logger.Trace("queue_evicted", "evicted", evicted, "depth", depth)
	}
}

// dequeue pops the oldest queued fix, or nil when the queue is empty.
func (s *LocationService) dequeue() *pkg.Fix {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.fixQueue) == 0 {
		return nil
	}
	fix := s.fixQueue[0]
	s.fixQueue = s.fixQueue[1:]
	return fix
}

// QueueDepth returns the number of fixes waiting in the queue.
func (s *LocationService) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.fixQueue)
}

// processingLoop drains the queue one fix at a time, sleeping briefly when
// the queue is empty. This poll is the documented fallback; producers never
// signal the consumer directly.
func (s *LocationService) processingLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	s.logger.Debug("processing_loop_started")

	poll := time.Duration(s.config.PollIntervalMs) * time.Millisecond

	for {
		select {
		case <-stop:
			s.logger.Debug("processing_loop_stopped")
			return
		default:
		}

		fix := s.dequeue()
		if fix == nil {
			select {
			case <-stop:
				s.logger.Debug("processing_loop_stopped")
				return
			case <-time.After(poll):
			}
			continue
		}

		s.processFix(fix)
	}
}

// fusionLoop periodically collects the latest fix from every active source
// and runs the multi-source correction path. Single fixes are left to the
// queue; fusion needs at least two sources.
func (s *LocationService) fusionLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.config.FusionIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fixes := s.sources.LatestFixes()
			if len(fixes) < 2 {
				continue
			}
			s.logger.LogDataFlow("sources", "fixes", "fusion", len(fixes), nil)
			op := s.perf.StartOperation(context.Background(), "fusion_cycle")
			res, err := s.corr.CorrectBatch(fixes)
			op.Complete(err)
			if err != nil {
				s.logger.Warn("fusion_cycle_failed", "error", err.Error())
				continue
			}
			if res == nil {
				continue
			}
			s.counters.fused.Add(1)
			s.processResult(res)
		}
	}
}

// processFix runs one fix through the corrector. A panic anywhere below is
// contained here so the consumer goroutine survives component failures.
func (s *LocationService) processFix(fix *pkg.Fix) {
	defer func() {
		if r := recover(); r != nil {
			s.counters.skipped.Add(1)
			s.logger.Error("processing_panic", "panic", fmt.Sprintf("%v", r))
		}
	}()

	op := s.perf.StartOperation(context.Background(), "correction_cycle")
	res, err := s.corr.Correct(fix)
	op.Complete(err)
	if err != nil {
		s.counters.skipped.Add(1)
		s.logger.Warn("correction_failed", "source", string(fix.Source), "error", err.Error())
		return
	}
	if res == nil {
		// Gated or rejected: a normal outcome, not a failure.
		s.counters.skipped.Add(1)
		return
	}
	s.processResult(res)
}

// processResult commits one correction result: store, cache hook, last
// location, listener notification.
func (s *LocationService) processResult(res *pkg.CorrectedLocation) {
	s.counters.processed.Add(1)

	if s.config.StoreResults && s.store != nil {
		if err := s.store.Store(res); err != nil {
			s.counters.storeErrors.Add(1)
			s.logger.Warn("store_failed", "error", err.Error())
		}
	}

	if s.onResult != nil {
		s.onResult(res)
	}

	s.resultMu.Lock()
	s.lastResult = res
	s.resultMu.Unlock()

	s.notifyListeners(res)

	s.logger.Debug("location_processed",
		"lat", res.Latitude,
		"lon", res.Longitude,
		"accuracy", res.Accuracy,
		"method", res.Method,
		"confidence", res.Confidence)
}

// CurrentLocation returns the most recent correction result, or nil.
func (s *LocationService) CurrentLocation() *pkg.CorrectedLocation {
	s.resultMu.RLock()
	defer s.resultMu.RUnlock()
	return s.lastResult
}

// History returns stored results in [start, end]. Without a store it
// returns nothing.
func (s *LocationService) History(start, end time.Time) ([]*pkg.CorrectedLocation, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.QueryByTimeRange(start, end)
}

// UpdateConfig forwards a new correction config to the corrector. The
// service's own tuning is fixed at construction.
func (s *LocationService) UpdateConfig(config *pkg.CorrectionConfig) {
	s.corr.UpdateConfig(config)
}

// RegisterListener subscribes to processed locations.
func (s *LocationService) RegisterListener(l pkg.LocationListener) {
	if l == nil {
		return
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// UnregisterListener removes a previously registered listener. Safe to call
// from inside the listener's own callback.
func (s *LocationService) UnregisterListener(l pkg.LocationListener) {
	if l == nil {
		return
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (s *LocationService) ListenerCount() int {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return len(s.listeners)
}

// notifyListeners invokes every listener against a snapshot of the registry,
// outside any service lock. A panicking listener is isolated.
func (s *LocationService) notifyListeners(res *pkg.CorrectedLocation) {
	s.listenersMu.RLock()
	snapshot := make([]pkg.LocationListener, len(s.listeners))
	copy(snapshot, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range snapshot {
		s.safeNotify(l, res)
	}
}

func (s *LocationService) safeNotify(l pkg.LocationListener, res *pkg.CorrectedLocation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("listener_panic", "panic", fmt.Sprintf("%v", r))
		}
	}()
	l.OnLocationChanged(res)
}

// Stats returns a snapshot of the service counters.
func (s *LocationService) Stats() Stats {
	return Stats{
		Running:     s.running.Load(),
		QueueDepth:  s.QueueDepth(),
		Submitted:   s.counters.submitted.Load(),
		Dropped:     s.counters.dropped.Load(),
		Processed:   s.counters.processed.Load(),
		Skipped:     s.counters.skipped.Load(),
		Fused:       s.counters.fused.Load(),
		StoreErrors: s.counters.storeErrors.Load(),
	}
}

// Reset clears the queue, the last result and the counters. The corrector's
// own state is untouched.
func (s *LocationService) Reset() {
	s.queueMu.Lock()
	s.fixQueue = nil
	s.queueMu.Unlock()

	s.resultMu.Lock()
	s.lastResult = nil
	s.resultMu.Unlock()

	s.counters.reset()
	s.logger.Info("service_reset")
}
