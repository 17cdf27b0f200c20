package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/service"
)

// fakeService is a canned service.Service for handler tests.
type fakeService struct {
	running bool
	current *pkg.CorrectedLocation
	history []*pkg.CorrectedLocation
	histErr error
	stats   service.Stats
}

func (f *fakeService) Start() error                              { f.running = true; return nil }
func (f *fakeService) Stop()                                     { f.running = false }
func (f *fakeService) IsRunning() bool                           { return f.running }
func (f *fakeService) SubmitFix(fix *pkg.Fix)                    {}
func (f *fakeService) CurrentLocation() *pkg.CorrectedLocation   { return f.current }
func (f *fakeService) RegisterListener(l pkg.LocationListener)   {}
func (f *fakeService) UnregisterListener(l pkg.LocationListener) {}
func (f *fakeService) UpdateConfig(config *pkg.CorrectionConfig) {}
func (f *fakeService) SetStorage(store service.ResultStore)      {}
func (f *fakeService) SetSources(pool service.SourcePool)        {}
func (f *fakeService) Stats() service.Stats                      { return f.stats }
func (f *fakeService) Reset()                                    {}
func (f *fakeService) History(start, end time.Time) ([]*pkg.CorrectedLocation, error) {
	return f.history, f.histErr
}

type fakeModes struct {
	mode pkg.CorrectionMode
}

func (f *fakeModes) SetMode(mode pkg.CorrectionMode) { f.mode = mode }
func (f *fakeModes) Mode() pkg.CorrectionMode        { return f.mode }
func (f *fakeModes) EffectiveIntervalMs() int64      { return 500 }

func newTestServer(svc service.Service) *Server {
	return NewServer(svc, DefaultConfig(), nil)
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
	return m
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&fakeService{})
	rec := doRequest(t, srv.Handler(), "GET", "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeService{
		running: true,
		stats:   service.Stats{Running: true, Processed: 42, QueueDepth: 3},
	}
	srv := newTestServer(svc)
	srv.SetModeController(&fakeModes{mode: pkg.ModeHighAccuracy})

	rec := doRequest(t, srv.Handler(), "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["running"] != true {
		t.Error("running not reported")
	}
	if body["mode"] != "high_accuracy" {
		t.Errorf("mode = %v, want high_accuracy", body["mode"])
	}
	stats, ok := body["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("stats missing: %v", body)
	}
	if stats["processed"] != float64(42) {
		t.Errorf("processed = %v, want 42", stats["processed"])
	}
}

func TestLatestEndpoint(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		srv := newTestServer(&fakeService{})
		rec := doRequest(t, srv.Handler(), "GET", "/api/location/latest", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("present", func(t *testing.T) {
		svc := &fakeService{current: &pkg.CorrectedLocation{
			Latitude:  39.9042,
			Longitude: 116.4074,
			Method:    "weighted_average",
		}}
		srv := newTestServer(svc)
		rec := doRequest(t, srv.Handler(), "GET", "/api/location/latest", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["method"] != "weighted_average" {
			t.Errorf("method = %v", body["method"])
		}
	})
}

func TestHistoryEndpoint(t *testing.T) {
	svc := &fakeService{history: []*pkg.CorrectedLocation{
		{Latitude: 1, Longitude: 2},
		{Latitude: 3, Longitude: 4},
	}}
	srv := newTestServer(svc)

	t.Run("default window", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "GET", "/api/location/history", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["count"] != float64(2) {
			t.Errorf("count = %v, want 2", body["count"])
		}
		if body["minutes"] != float64(60) {
			t.Errorf("minutes = %v, want 60", body["minutes"])
		}
	})

	t.Run("explicit minutes", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "GET", "/api/location/history?minutes=15", "")
		body := decodeBody(t, rec)
		if body["minutes"] != float64(15) {
			t.Errorf("minutes = %v, want 15", body["minutes"])
		}
	})

	t.Run("bad minutes", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "GET", "/api/location/history?minutes=-5", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestModeEndpoint(t *testing.T) {
	t.Run("no controller", func(t *testing.T) {
		srv := newTestServer(&fakeService{})
		rec := doRequest(t, srv.Handler(), "GET", "/api/mode", "")
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("status = %d, want 501", rec.Code)
		}
	})

	modes := &fakeModes{mode: pkg.ModeNormal}
	srv := newTestServer(&fakeService{})
	srv.SetModeController(modes)

	t.Run("get", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "GET", "/api/mode", "")
		body := decodeBody(t, rec)
		if body["mode"] != "normal" {
			t.Errorf("mode = %v", body["mode"])
		}
	})

	t.Run("post valid", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "POST", "/api/mode", `{"mode":"low_power"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if modes.mode != pkg.ModeLowPower {
			t.Errorf("mode after post = %s, want low_power", modes.mode)
		}
	})

	t.Run("post unknown mode", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "POST", "/api/mode", `{"mode":"turbo"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if modes.mode != pkg.ModeLowPower {
			t.Errorf("mode changed by rejected request: %s", modes.mode)
		}
	})

	t.Run("delete not allowed", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "DELETE", "/api/mode", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := HashAuthKey("sesame")
	if err != nil {
		t.Fatalf("HashAuthKey: %v", err)
	}
	cfg := DefaultConfig()
	cfg.AuthKeyHash = hash
	srv := NewServer(&fakeService{}, cfg, nil)
	h := srv.Handler()

	t.Run("missing key", func(t *testing.T) {
		rec := doRequest(t, h, "GET", "/api/status", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("X-API-Key", "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("header key", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("X-API-Key", "sesame")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("query key", func(t *testing.T) {
		rec := doRequest(t, h, "GET", "/api/status?auth=sesame", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := doRequest(t, h, "GET", "/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestMetricsMount(t *testing.T) {
	srv := newTestServer(&fakeService{})

	t.Run("absent without handler", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "GET", "/metrics", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("mounted", func(t *testing.T) {
		srv.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}))
		rec := doRequest(t, srv.Handler(), "GET", "/metrics", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "# metrics") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})
}
