package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// HighPerformanceService trades latency for throughput: submitted fixes
// accumulate in a batch buffer instead of the per-fix queue. A full batch
// wakes one of a fixed pool of workers, which swaps the buffer out atomically
// and processes it off the ingestion lock; a flush timeout drains partial
// batches so a slow trickle of fixes still makes progress. Results
// additionally land in a FIFO location cache for cheap reads.
type HighPerformanceService struct {
	*LocationService

	batchMu sync.Mutex
	batch   []*pkg.Fix

	flushChan chan struct{}
	cache     *locationCache
	batches   atomic.Uint64
}

// NewHighPerformanceService creates the batching service variant.
func NewHighPerformanceService(config *Config, corr Corrector, logger *logx.Logger) *HighPerformanceService {
	base := NewLocationService(config, corr, logger)
	s := &HighPerformanceService{
		LocationService: base,
		flushChan:       make(chan struct{}, 1),
		cache:           newLocationCache(base.config.CacheSize),
	}
	// Every committed result feeds the cache, whichever path produced it.
	base.onResult = s.cache.Add
	return s
}

// Start launches the base pipeline plus the batch worker pool.
func (s *HighPerformanceService) Start() error {
	started, err := s.start()
	if err != nil || !started {
		return err
	}
	for i := 0; i < s.config.BatchWorkers; i++ {
		s.wg.Add(1)
		go s.batchWorker(s.stopChan)
	}
	s.logger.Info("batch_workers_started",
		"workers", s.config.BatchWorkers,
		"batch_size", s.config.BatchSize,
		"batch_timeout_ms", s.config.BatchTimeoutMs,
		"cache_size", s.config.CacheSize)
	return nil
}

// Stop halts the pipeline and discards any unprocessed partial batch.
func (s *HighPerformanceService) Stop() {
	if !s.stop() {
		return
	}
	s.batchMu.Lock()
	discarded := len(s.batch)
	s.batch = nil
	s.batchMu.Unlock()

	s.perf.LogMetrics()
	s.logger.Info("service_stopped",
		"processed", s.counters.processed.Load(),
		"dropped", s.counters.dropped.Load(),
		"batches", s.batches.Load(),
		"discarded", discarded)
}

// SubmitFix buffers the fix for batch processing and wakes a worker when the
// batch is full. Never blocks: the buffer shares the queue bound, evicting
// oldest-first when producers outpace the workers.
func (s *HighPerformanceService) SubmitFix(fix *pkg.Fix) {
	if fix == nil {
		return
	}
	s.counters.submitted.Add(1)

	s.batchMu.Lock()
	s.batch = append(s.batch, fix)
	evicted := 0
	for len(s.batch) > s.config.MaxQueueSize {
		s.batch = s.batch[1:]
		evicted++
	}
	full := len(s.batch) >= s.config.BatchSize
	s.batchMu.Unlock()

	if evicted > 0 {
		s.counters.dropped.Add(uint64(evicted))
		s.logger.Trace("batch_evicted", "evicted", evicted)
	}
	if full {
		// Coalescing signal: one wakeup drains everything pending.
		select {
		case s.flushChan <- struct{}{}:
		default:
		}
	}
}

// drainBatch swaps out the pending batch, or returns nil when it is empty.
func (s *HighPerformanceService) drainBatch() []*pkg.Fix {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if len(s.batch) == 0 {
		return nil
	}
	drained := s.batch
	s.batch = nil
	return drained
}

// batchWorker drains batches when signalled or on the flush timeout.
func (s *HighPerformanceService) batchWorker(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.config.BatchTimeoutMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-s.flushChan:
		}
		if drained := s.drainBatch(); drained != nil {
			s.processBatch(drained)
		}
	}
}

// processBatch runs every fix of a drained batch through the corrector.
// Batching amortizes lock traffic; each fix is still corrected individually,
// preserving intra-batch order.
func (s *HighPerformanceService) processBatch(fixes []*pkg.Fix) {
	s.batches.Add(1)
	s.logger.LogDataFlow("batch_queue", "fixes", "corrector", len(fixes), nil)

	op := s.perf.StartOperation(context.Background(), "batch_processing")
	for _, fix := range fixes {
		s.processFix(fix)
	}
	op.Complete(nil)
}

// PendingBatch returns the number of fixes waiting for the next drain.
func (s *HighPerformanceService) PendingBatch() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

// Flush synchronously drains and processes the pending batch. Intended for
// tests and shutdown hooks that need deterministic completion.
func (s *HighPerformanceService) Flush() {
	if drained := s.drainBatch(); drained != nil {
		s.processBatch(drained)
	}
}

// CurrentLocation prefers the cache tail and falls back to the base service.
func (s *HighPerformanceService) CurrentLocation() *pkg.CorrectedLocation {
	if latest := s.cache.Latest(); latest != nil {
		return latest
	}
	return s.LocationService.CurrentLocation()
}

// CachedLocations returns a copy of the location cache, oldest first.
func (s *HighPerformanceService) CachedLocations() []*pkg.CorrectedLocation {
	return s.cache.Snapshot()
}

// Stats extends the base counters with pending batch, cache and batch
// figures.
func (s *HighPerformanceService) Stats() Stats {
	st := s.LocationService.Stats()
	st.QueueDepth += s.PendingBatch()
	st.CacheSize = s.cache.Len()
	st.Batches = s.batches.Load()
	return st
}

// Reset clears the base state plus the batch buffer and the cache.
func (s *HighPerformanceService) Reset() {
	s.LocationService.Reset()

	s.batchMu.Lock()
	s.batch = nil
	s.batchMu.Unlock()

	s.cache.Clear()
	s.batches.Store(0)
}
