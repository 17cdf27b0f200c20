package detect

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "detect-test")
}

func floatPtr(f float64) *float64                { return &f }
func sourcePtr(s pkg.SourceType) *pkg.SourceType { return &s }

// makeTrack builds n valid fixes one second apart around the Beijing test
// coordinates, with a deterministic sub-meter jitter.
func makeTrack(n int) []*pkg.Fix {
	fixes := make([]*pkg.Fix, 0, n)
	for i := 0; i < n; i++ {
		f := &pkg.Fix{
			Latitude:  39.9042 + float64(i%10)*0.0000010,
			Longitude: 116.4074 + float64(i%7)*0.0000010,
			Accuracy:  5.0 + float64(i%3),
			Timestamp: testBase.Add(time.Duration(i) * time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		fixes = append(fixes, f)
	}
	return fixes
}

func TestTimeGapDetector(t *testing.T) {
	ctx := makeTrack(5)

	t.Run("StaleFixFlagged", func(t *testing.T) {
		d := NewTimeGapDetector(nil, testLogger())
		d.now = func() time.Time { return testBase.Add(2 * time.Minute) }

		fix := &pkg.Fix{Latitude: 39.9, Longitude: 116.4, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, err := d.Detect(fix, ctx)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		if !res.Anomalous {
			t.Error("2 minute old fix with 60s max gap should be anomalous")
		}
		if res.Confidence != 1.0 {
			t.Errorf("confidence = %f, want 1.0 (capped)", res.Confidence)
		}
		t.Logf("✅ Stale fix flagged with confidence %.2f", res.Confidence)
	})

	t.Run("FreshFixPasses", func(t *testing.T) {
		d := NewTimeGapDetector(nil, testLogger())
		d.now = func() time.Time { return testBase.Add(1 * time.Second) }

		fix := &pkg.Fix{Latitude: 39.9, Longitude: 116.4, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, err := d.Detect(fix, ctx)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		if res.Anomalous {
			t.Error("1s old fix should not be anomalous")
		}
		if res.Confidence >= 1.0 {
			t.Errorf("fresh fix confidence = %f, want < 1", res.Confidence)
		}
	})

	t.Run("DisabledNeverFlags", func(t *testing.T) {
		d := NewTimeGapDetector(nil, testLogger())
		d.SetEnabled(false)
		d.now = func() time.Time { return testBase.Add(time.Hour) }

		fix := &pkg.Fix{Latitude: 39.9, Longitude: 116.4, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, _ := d.Detect(fix, ctx)
		if res.Anomalous {
			t.Error("disabled detector must be non-anomalous")
		}
	})

	t.Run("InsufficientContext", func(t *testing.T) {
		d := NewTimeGapDetector(nil, testLogger())
		d.now = func() time.Time { return testBase.Add(time.Hour) }

		fix := &pkg.Fix{Latitude: 39.9, Longitude: 116.4, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, _ := d.Detect(fix, makeTrack(2))
		if res.Anomalous {
			t.Error("under-sampled context must yield non-anomalous")
		}
	})
}

func TestSpeedDetector(t *testing.T) {
	t.Run("TeleportFlagged", func(t *testing.T) {
		d := NewSpeedDetector(nil, testLogger())
		ctx := makeTrack(6)
		// 5 km in one second from the last context fix.
		fix := &pkg.Fix{
			Latitude:  39.9500,
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: ctx[len(ctx)-1].Timestamp.Add(time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, err := d.Detect(fix, ctx)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		if !res.Anomalous {
			t.Error("5km/s jump should be anomalous")
		}
		if res.Confidence != 1.0 {
			t.Errorf("confidence = %f, want 1.0", res.Confidence)
		}
		t.Logf("✅ Teleport flagged: %v", res.Details["implied_speed_mps"])
	})

	t.Run("WalkingPacePasses", func(t *testing.T) {
		d := NewSpeedDetector(nil, testLogger())
		ctx := makeTrack(6)
		// ~1.4 m/s north of the last context fix.
		fix := &pkg.Fix{
			Latitude:  ctx[len(ctx)-1].Latitude + 0.0000126,
			Longitude: ctx[len(ctx)-1].Longitude,
			Accuracy:  5,
			Timestamp: ctx[len(ctx)-1].Timestamp.Add(time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, _ := d.Detect(fix, ctx)
		if res.Anomalous {
			t.Errorf("walking pace flagged: %v", res.Details)
		}
	})

	t.Run("NearestPriorByTimestampNotOrder", func(t *testing.T) {
		d := NewSpeedDetector(nil, testLogger())

		// A distant fix 100s ago and a near fix 1s ago, deliberately
		// shuffled so list order disagrees with time order.
		old := &pkg.Fix{Latitude: 39.9042, Longitude: 116.4074, Accuracy: 5, Timestamp: testBase.Add(-100 * time.Second), Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		recent := &pkg.Fix{Latitude: 39.9042, Longitude: 116.4074, Accuracy: 5, Timestamp: testBase.Add(-1 * time.Second), Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		filler := makeTrack(4)
		for _, f := range filler {
			f.Timestamp = testBase.Add(-200 * time.Second)
		}
		ctx := append([]*pkg.Fix{recent}, filler...)
		ctx = append(ctx, old)

		// 200m from both candidates. Against recent (1s): 200 m/s, anomalous.
		// Against old (100s): 2 m/s, clean. The verdict proves which one won.
		fix := &pkg.Fix{
			Latitude:  39.9042 + 0.0018,
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: testBase,
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, _ := d.Detect(fix, ctx)
		if !res.Anomalous {
			t.Errorf("detector used the wrong prior fix: %v", res.Details)
		}
		t.Logf("✅ Chronologically nearest prior selected: %v", res.Details["implied_speed_mps"])
	})

	t.Run("NoPriorFix", func(t *testing.T) {
		d := NewSpeedDetector(nil, testLogger())
		ctx := makeTrack(6)
		// Candidate earlier than every context fix.
		fix := &pkg.Fix{Latitude: 39.95, Longitude: 116.4074, Accuracy: 5, Timestamp: testBase.Add(-time.Hour), Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, _ := d.Detect(fix, ctx)
		if res.Anomalous {
			t.Error("no prior fix must yield non-anomalous")
		}
	})
}

func TestStatisticalDetector(t *testing.T) {
	t.Run("HistoryNonContamination", func(t *testing.T) {
		d := NewStatisticalDetector(nil, testLogger())

		for i := 0; i < 50; i++ {
			d.Observe(&pkg.Fix{
				Latitude:  39.9042 + float64(i%10)*0.0000010,
				Longitude: 116.4074 + float64(i%7)*0.0000010,
				Accuracy:  5.0 + float64(i%3),
				Timestamp: testBase.Add(time.Duration(i) * time.Second),
				Source:    pkg.SourceGNSS,
				Status:    pkg.StatusValid,
			})
		}
		before := d.Stats()

		outlier := &pkg.Fix{
			Latitude:  39.9500, // ~5km north of the cluster
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: testBase.Add(51 * time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, err := d.Detect(outlier, nil)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		if !res.Anomalous {
			t.Fatalf("extreme outlier not flagged: %v", res.Details)
		}

		after := d.Stats()
		if after.Count != before.Count {
			t.Errorf("history grew from %d to %d; outlier was appended", before.Count, after.Count)
		}
		if before.LatMean != after.LatMean || before.LatStdDev != after.LatStdDev {
			t.Errorf("history distribution changed: mean %f->%f stddev %f->%f",
				before.LatMean, after.LatMean, before.LatStdDev, after.LatStdDev)
		}
		t.Logf("✅ Outlier flagged (confidence %.2f) without contaminating history", res.Confidence)
	})

	t.Run("NormalFixAppended", func(t *testing.T) {
		d := NewStatisticalDetector(nil, testLogger())
		for _, f := range makeTrack(20) {
			d.Observe(f)
		}
		sizeBefore := d.HistorySize()

		normal := &pkg.Fix{
			Latitude:  39.9042,
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: testBase.Add(time.Minute),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, _ := d.Detect(normal, nil)
		if res.Anomalous {
			t.Fatalf("in-distribution fix flagged: %v", res.Details)
		}
		if d.HistorySize() != sizeBefore+1 {
			t.Errorf("history size = %d, want %d", d.HistorySize(), sizeBefore+1)
		}
	})

	t.Run("HistoryBounded", func(t *testing.T) {
		d := NewStatisticalDetector(&StatisticalConfig{ZScoreThreshold: 2.0, MaxHistorySize: 10, MinSampleSize: 5}, testLogger())
		for i := 0; i < 30; i++ {
			d.Observe(&pkg.Fix{Latitude: 39.9, Longitude: 116.4, Accuracy: 5, Timestamp: testBase.Add(time.Duration(i) * time.Second), Source: pkg.SourceGNSS, Status: pkg.StatusValid})
		}
		if d.HistorySize() != 10 {
			t.Errorf("history size = %d, want 10", d.HistorySize())
		}
	})

	t.Run("InsufficientEvidence", func(t *testing.T) {
		d := NewStatisticalDetector(nil, testLogger())
		fix := &pkg.Fix{Latitude: 89.0, Longitude: 10.0, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, _ := d.Detect(fix, makeTrack(2))
		if res.Anomalous {
			t.Error("insufficient merged context must yield non-anomalous")
		}
	})
}

func TestPatternDetector(t *testing.T) {
	ctx := makeTrack(5)

	t.Run("RegionAndSourceMatch", func(t *testing.T) {
		d := NewPatternDetector(&PatternConfig{PatternThreshold: 0.6, MinSampleSize: 5}, testLogger())
		d.AddPattern(Pattern{
			Name:        "spoofed_downtown",
			Source:      sourcePtr(pkg.SourceWiFi),
			Region:      &Region{MinLat: 39.0, MaxLat: 40.0, MinLon: 116.0, MaxLon: 117.0},
			MinAccuracy: floatPtr(0),
			MaxAccuracy: floatPtr(50),
			Extras:      map[string]string{"bssid_class": "mobile_hotspot", "rssi_band": "high"},
		})

		fix := &pkg.Fix{
			Latitude: 39.5, Longitude: 116.5, Accuracy: 20,
			Timestamp: testBase, Source: pkg.SourceWiFi, Status: pkg.StatusValid,
			Extras: map[string]string{"bssid_class": "mobile_hotspot", "rssi_band": "high"},
		}
		res, err := d.Detect(fix, ctx)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		// source 0.2 + accuracy 0.2 + region 0.3 + 2 extras 0.1 = 0.8
		if !res.Anomalous {
			t.Errorf("similarity %s below threshold", res.Details["best_similarity"])
		}
		if math.Abs(res.Confidence-0.8) > 1e-9 {
			t.Errorf("confidence = %f, want 0.8", res.Confidence)
		}
		t.Logf("✅ Pattern matched at similarity %.2f", res.Confidence)
	})

	t.Run("PartialMatchBelowThreshold", func(t *testing.T) {
		d := NewPatternDetector(nil, testLogger())
		d.AddPattern(Pattern{
			Name:   "wifi_only",
			Source: sourcePtr(pkg.SourceWiFi),
		})
		fix := &pkg.Fix{Latitude: 39.5, Longitude: 116.5, Accuracy: 20, Timestamp: testBase, Source: pkg.SourceWiFi, Status: pkg.StatusValid}
		res, _ := d.Detect(fix, ctx)
		if res.Anomalous {
			t.Error("0.2 similarity must not reach the 0.7 threshold")
		}
	})

	t.Run("StrictShortCircuits", func(t *testing.T) {
		d := NewPatternDetector(&PatternConfig{PatternThreshold: 0.3, MinSampleSize: 5}, testLogger())
		d.AddPattern(Pattern{
			Name:   "strict_region",
			Region: &Region{MinLat: 39.0, MaxLat: 40.0, MinLon: 116.0, MaxLon: 117.0},
			Strict: true,
		})
		// Later pattern would score higher but must never be reached.
		d.AddPattern(Pattern{
			Name:   "better_match",
			Source: sourcePtr(pkg.SourceGNSS),
			Region: &Region{MinLat: 39.0, MaxLat: 40.0, MinLon: 116.0, MaxLon: 117.0},
		})

		fix := &pkg.Fix{Latitude: 39.5, Longitude: 116.5, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, _ := d.Detect(fix, ctx)
		if !res.Anomalous {
			t.Fatal("strict pattern should have matched")
		}
		if res.Details["best_pattern"] != "strict_region" {
			t.Errorf("best_pattern = %s, want strict_region (short-circuit)", res.Details["best_pattern"])
		}
	})

	t.Run("AddReplaceRemove", func(t *testing.T) {
		d := NewPatternDetector(nil, testLogger())
		d.AddPattern(Pattern{Name: "p1"})
		d.AddPattern(Pattern{Name: "p1", Strict: true})
		if d.PatternCount() != 1 {
			t.Errorf("pattern count = %d, want 1 after replace", d.PatternCount())
		}
		d.RemovePattern("p1")
		if d.PatternCount() != 0 {
			t.Errorf("pattern count = %d, want 0 after remove", d.PatternCount())
		}
	})
}

func TestPredictiveDetector(t *testing.T) {
	// Straight north track at ~11 m/s: 0.0001 degrees latitude per second.
	track := make([]*pkg.Fix, 0, 10)
	for i := 0; i < 10; i++ {
		track = append(track, &pkg.Fix{
			Latitude:  39.9000 + float64(i)*0.0001,
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: testBase.Add(time.Duration(i) * time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		})
	}

	t.Run("OnTrendPasses", func(t *testing.T) {
		d := NewPredictiveDetector(nil, testLogger())
		fix := &pkg.Fix{
			Latitude:  39.9000 + 10*0.0001,
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: testBase.Add(10 * time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, err := d.Detect(fix, track)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		if res.Anomalous {
			t.Errorf("on-trend fix flagged: %v", res.Details)
		}
	})

	t.Run("OffTrendFlagged", func(t *testing.T) {
		d := NewPredictiveDetector(nil, testLogger())
		fix := &pkg.Fix{
			Latitude:  39.9000 + 10*0.0001 + 0.01, // ~1.1km off the trend line
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: testBase.Add(10 * time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, _ := d.Detect(fix, track)
		if !res.Anomalous {
			t.Errorf("1km residual not flagged: %v", res.Details)
		}
		t.Logf("✅ Trend deviation flagged: residual %v m", res.Details["residual_m"])
	})

	t.Run("NoTimeSpread", func(t *testing.T) {
		d := NewPredictiveDetector(nil, testLogger())
		flat := make([]*pkg.Fix, 6)
		for i := range flat {
			flat[i] = &pkg.Fix{Latitude: 39.9, Longitude: 116.4, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		}
		fix := &pkg.Fix{Latitude: 39.95, Longitude: 116.4, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}
		res, _ := d.Detect(fix, flat)
		if res.Anomalous {
			t.Error("degenerate time spread must yield no verdict")
		}
	})
}

// stubDetector is a controllable detector for composite tests.
type stubDetector struct {
	name    string
	enabled bool
	result  *pkg.AnomalyResult
	err     error
	panics  bool
}

func (s *stubDetector) Name() string            { return s.name }
func (s *stubDetector) Enabled() bool           { return s.enabled }
func (s *stubDetector) SetEnabled(enabled bool) { s.enabled = enabled }
func (s *stubDetector) Detect(fix *pkg.Fix, context []*pkg.Fix) (*pkg.AnomalyResult, error) {
	if s.panics {
		panic("stub detector exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func anomalousStub(name string, confidence float64) *stubDetector {
	return &stubDetector{name: name, enabled: true, result: &pkg.AnomalyResult{Anomalous: true, Confidence: confidence}}
}

func cleanStub(name string) *stubDetector {
	return &stubDetector{name: name, enabled: true, result: &pkg.AnomalyResult{Anomalous: false, Confidence: 0}}
}

func TestCompositeDetector(t *testing.T) {
	fix := &pkg.Fix{Latitude: 39.9, Longitude: 116.4, Accuracy: 5, Timestamp: testBase, Source: pkg.SourceGNSS, Status: pkg.StatusValid}

	t.Run("MajorityVote", func(t *testing.T) {
		c := NewCompositeDetector(&CompositeConfig{Policy: PolicyMajorityVote, MinRequiredDetectors: 2, Threshold: 0.6}, testLogger())
		c.Add(anomalousStub("a", 0.8), 1.0)
		c.Add(anomalousStub("b", 0.6), 1.0)
		c.Add(cleanStub("c"), 1.0)

		res, err := c.Detect(fix, nil)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		if !res.Anomalous {
			t.Error("2/3 anomalous should satisfy majority of 2")
		}
		if math.Abs(res.Confidence-0.7) > 1e-9 {
			t.Errorf("confidence = %f, want 0.7 (mean of anomalous)", res.Confidence)
		}
	})

	t.Run("MajorityVoteBelowQuorum", func(t *testing.T) {
		c := NewCompositeDetector(nil, testLogger())
		c.Add(anomalousStub("a", 0.9), 1.0)
		c.Add(cleanStub("b"), 1.0)
		c.Add(cleanStub("c"), 1.0)

		res, _ := c.Detect(fix, nil)
		if res.Anomalous {
			t.Error("1/3 anomalous must not satisfy majority of 2")
		}
	})

	t.Run("WeightedAverage", func(t *testing.T) {
		c := NewCompositeDetector(&CompositeConfig{Policy: PolicyWeightedAverage, MinRequiredDetectors: 2, Threshold: 0.5}, testLogger())
		c.Add(anomalousStub("a", 0.9), 3.0)
		c.Add(cleanStub("b"), 1.0)

		// (0.9*3 + 0*1) / 4 = 0.675 >= 0.5
		res, _ := c.Detect(fix, nil)
		if !res.Anomalous {
			t.Errorf("weighted confidence %f should reach 0.5", res.Confidence)
		}
		if math.Abs(res.Confidence-0.675) > 1e-9 {
			t.Errorf("confidence = %f, want 0.675", res.Confidence)
		}
	})

	t.Run("ThresholdPolicy", func(t *testing.T) {
		c := NewCompositeDetector(&CompositeConfig{Policy: PolicyThreshold, MinRequiredDetectors: 2, Threshold: 0.7}, testLogger())
		c.Add(anomalousStub("weak", 0.5), 1.0)
		c.Add(anomalousStub("strong", 0.9), 1.0)

		res, _ := c.Detect(fix, nil)
		if !res.Anomalous {
			t.Error("one member above threshold should flag")
		}
		if res.Confidence != 0.9 {
			t.Errorf("confidence = %f, want 0.9 (max qualifying)", res.Confidence)
		}
	})

	t.Run("ThresholdPolicyNoQualifier", func(t *testing.T) {
		c := NewCompositeDetector(&CompositeConfig{Policy: PolicyThreshold, MinRequiredDetectors: 2, Threshold: 0.7}, testLogger())
		c.Add(anomalousStub("weak", 0.5), 1.0)
		c.Add(cleanStub("clean"), 1.0)

		res, _ := c.Detect(fix, nil)
		if res.Anomalous {
			t.Error("no member reaches 0.7; must not flag")
		}
	})

	t.Run("MemberFailureIsolated", func(t *testing.T) {
		c := NewCompositeDetector(nil, testLogger())
		c.Add(&stubDetector{name: "broken", enabled: true, err: errors.New("sensor offline")}, 1.0)
		c.Add(&stubDetector{name: "panicky", enabled: true, panics: true}, 1.0)
		c.Add(anomalousStub("a", 0.8), 1.0)
		c.Add(anomalousStub("b", 0.8), 1.0)

		res, err := c.Detect(fix, nil)
		if err != nil {
			t.Fatalf("composite must absorb member failures, got %v", err)
		}
		if !res.Anomalous {
			t.Error("two healthy anomalous members should still reach majority")
		}
		t.Logf("✅ Failing members ignored: %s", res.Details["anomalous_count"])
	})

	t.Run("NoMembers", func(t *testing.T) {
		c := NewCompositeDetector(nil, testLogger())
		res, _ := c.Detect(fix, nil)
		if res.Anomalous {
			t.Error("empty composite must be non-anomalous")
		}
	})

	t.Run("DefaultStack", func(t *testing.T) {
		c := NewDefaultComposite(pkg.DefaultAnomalyThresholds(), testLogger())
		if c.MemberCount() != 3 {
			t.Fatalf("default composite has %d members, want 3", c.MemberCount())
		}
		ctx := makeTrack(10)
		jump := &pkg.Fix{
			Latitude:  39.9500,
			Longitude: 116.4074,
			Accuracy:  5,
			Timestamp: ctx[len(ctx)-1].Timestamp.Add(time.Second),
			Source:    pkg.SourceGNSS,
			Status:    pkg.StatusValid,
		}
		res, err := c.Detect(jump, ctx)
		if err != nil {
			t.Fatalf("Detect returned error: %v", err)
		}
		if !res.Anomalous {
			t.Errorf("5km teleport should be flagged by the default stack: %v", res.Details)
		}
		t.Logf("✅ Default stack verdict: %s", fmt.Sprintf("conf=%.2f %s", res.Confidence, res.Details["anomalous_count"]))
	})
}
