// Package metrics instruments the correction pipeline with Prometheus
// collectors. All collectors live on a dedicated registry so tests and
// embedders never collide with the global default registry; the HTTP handler
// is mounted on the control API's /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/geofix/pkg"
)

// Metrics holds the pipeline collectors. A nil *Metrics is a valid no-op
// receiver, so components can record unconditionally whether or not the
// operator enabled metrics.
type Metrics struct {
	registry *prometheus.Registry

	fixesIngested *prometheus.CounterVec
	fixesDropped  *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	corrections   *prometheus.CounterVec

	queueDepth     prometheus.Gauge
	cacheSize      prometheus.Gauge
	lastConfidence prometheus.Gauge

	correctionDuration prometheus.Histogram
	fusionDuration     prometheus.Histogram
}

// Metrics doubles as a pipeline listener so committed corrections are
// observed without the service knowing about Prometheus.
var _ pkg.LocationListener = (*Metrics)(nil)

// New creates the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fixesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geofix_fixes_ingested_total",
			Help: "Total fixes received from data sources, by source type.",
		}, []string{"source"}),
		fixesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geofix_fixes_dropped_total",
			Help: "Total fixes dropped before correction, by reason.",
		}, []string{"reason"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geofix_anomalies_detected_total",
			Help: "Total anomalous fixes flagged, by detector or policy.",
		}, []string{"detector"}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geofix_corrections_total",
			Help: "Total corrected locations produced, by correction method.",
		}, []string{"method"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofix_queue_depth",
			Help: "Fixes currently waiting in the processing queue.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofix_cache_size",
			Help: "Corrected locations currently held in the FIFO cache.",
		}),
		lastConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geofix_last_confidence",
			Help: "Confidence score of the most recent correction.",
		}),
		correctionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "geofix_correction_duration_seconds",
			Help:    "Histogram of single correction cycle durations.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		fusionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "geofix_fusion_duration_seconds",
			Help:    "Histogram of multi-source fusion cycle durations.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.fixesIngested,
		m.fixesDropped,
		m.anomalies,
		m.corrections,
		m.queueDepth,
		m.cacheSize,
		m.lastConfidence,
		m.correctionDuration,
		m.fusionDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FixIngested counts one fix arriving from a data source.
func (m *Metrics) FixIngested(source pkg.SourceType) {
	if m == nil {
		return
	}
	m.fixesIngested.WithLabelValues(string(source)).Inc()
}

// FixDropped counts one fix discarded before correction.
func (m *Metrics) FixDropped(reason string) {
	if m == nil {
		return
	}
	m.fixesDropped.WithLabelValues(reason).Inc()
}

// AnomalyDetected counts one anomalous verdict.
func (m *Metrics) AnomalyDetected(detector string) {
	if m == nil {
		return
	}
	if detector == "" {
		detector = "composite"
	}
	m.anomalies.WithLabelValues(detector).Inc()
}

// ObserveCorrection records the duration of one correction cycle.
func (m *Metrics) ObserveCorrection(d time.Duration) {
	if m == nil {
		return
	}
	m.correctionDuration.Observe(d.Seconds())
}

// ObserveFusion records the duration of one fusion cycle.
func (m *Metrics) ObserveFusion(d time.Duration) {
	if m == nil {
		return
	}
	m.fusionDuration.Observe(d.Seconds())
}

// SetQueueDepth reports the current processing queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetCacheSize reports the current location cache size.
func (m *Metrics) SetCacheSize(size int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(size))
}

// OnLocationChanged implements pkg.LocationListener: every committed
// correction bumps the method counter and the confidence gauge, and anomalous
// pass-throughs feed the anomaly counter.
func (m *Metrics) OnLocationChanged(loc *pkg.CorrectedLocation) {
	if m == nil || loc == nil {
		return
	}
	m.corrections.WithLabelValues(loc.Method).Inc()
	m.lastConfidence.Set(loc.Confidence)
	if loc.Anomalous {
		m.AnomalyDetected(loc.AnomalyType)
	}
}

// OnStatusChanged implements pkg.LocationListener: fixes the pipeline refused
// to correct show up as drops keyed by their terminal status.
func (m *Metrics) OnStatusChanged(status pkg.FixStatus) {
	if m == nil {
		return
	}
	if status == pkg.StatusValid {
		return
	}
	m.FixDropped(string(status))
}
