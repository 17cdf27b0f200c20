package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/markus-lassfolk/geofix/pkg"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.FixIngested(pkg.SourceGNSS)
	m.FixIngested(pkg.SourceGNSS)
	m.FixIngested(pkg.SourceWiFi)
	m.FixDropped("queue_full")
	m.SetQueueDepth(7)
	m.SetCacheSize(3)

	if got := testutil.ToFloat64(m.fixesIngested.WithLabelValues("gnss")); got != 2 {
		t.Errorf("gnss ingested = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.fixesIngested.WithLabelValues("wifi")); got != 1 {
		t.Errorf("wifi ingested = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.fixesDropped.WithLabelValues("queue_full")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.cacheSize); got != 3 {
		t.Errorf("cache size = %v, want 3", got)
	}
}

func TestListenerUpdates(t *testing.T) {
	m := New()

	m.OnLocationChanged(&pkg.CorrectedLocation{
		Method:     "weighted_average",
		Confidence: 0.83,
	})
	m.OnLocationChanged(&pkg.CorrectedLocation{
		Method:      "anomaly_pass_through",
		Confidence:  0.2,
		Anomalous:   true,
		AnomalyType: "jump",
	})
	m.OnStatusChanged(pkg.StatusValid)
	m.OnStatusChanged(pkg.StatusLowAccuracy)

	if got := testutil.ToFloat64(m.corrections.WithLabelValues("weighted_average")); got != 1 {
		t.Errorf("weighted_average corrections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastConfidence); got != 0.2 {
		t.Errorf("last confidence = %v, want 0.2", got)
	}
	if got := testutil.ToFloat64(m.anomalies.WithLabelValues("jump")); got != 1 {
		t.Errorf("jump anomalies = %v, want 1", got)
	}
	// Valid status is not a drop.
	if got := testutil.ToFloat64(m.fixesDropped.WithLabelValues("low_accuracy")); got != 1 {
		t.Errorf("low_accuracy drops = %v, want 1", got)
	}
}

func TestNilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	m.FixIngested(pkg.SourceGNSS)
	m.FixDropped("x")
	m.AnomalyDetected("y")
	m.ObserveCorrection(time.Millisecond)
	m.ObserveFusion(time.Millisecond)
	m.SetQueueDepth(1)
	m.SetCacheSize(1)
	m.OnLocationChanged(&pkg.CorrectedLocation{})
	m.OnStatusChanged(pkg.StatusInvalid)
	if m.Handler() == nil {
		t.Fatal("nil metrics should still return a handler")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.FixIngested(pkg.SourceBaseStation)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "geofix_fixes_ingested_total") {
		t.Errorf("exposition missing ingest counter:\n%s", body)
	}
}
