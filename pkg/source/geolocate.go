package source

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
	"googlemaps.github.io/maps"
)

// Observations is one radio environment snapshot: the cell towers and WiFi
// access points currently visible to the device.
type Observations struct {
	CellTowers       []maps.CellTower
	WiFiAccessPoints []maps.WiFiAccessPoint
}

// ObservationScanner supplies the current radio environment. Implementations
// wrap the platform's WiFi and modem scan interfaces.
type ObservationScanner interface {
	Scan(ctx context.Context) (*Observations, error)
}

// geolocator is the single maps.Client call this source depends on.
type geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GeolocateConfig configures the Google Geolocation source.
type GeolocateConfig struct {
	APIKey     string `json:"api_key"`
	TimeoutMs  int64  `json:"timeout_ms"`
	IntervalMs int64  `json:"interval_ms"`
	// MinWiFiAPs is the fewest access points worth submitting; the API
	// needs at least two for a WiFi-only estimate.
	MinWiFiAPs int  `json:"min_wifi_aps"`
	ConsiderIP bool `json:"consider_ip"`
	// Source is the type resolved fixes are attributed to.
	Source pkg.SourceType `json:"source"`

	// ScanPath is the observations file maintained by the platform's scan
	// agent; ScanMaxAgeS is the staleness cutoff for its contents.
	ScanPath    string `json:"scan_path"`
	ScanMaxAgeS int64  `json:"scan_max_age_s"`
}

// DefaultGeolocateConfig returns settings tuned for API quota: one resolve
// per minute, WiFi-first, no IP fallback.
func DefaultGeolocateConfig() *GeolocateConfig {
	return &GeolocateConfig{
		TimeoutMs:   30000,
		IntervalMs:  60000,
		MinWiFiAPs:  2,
		ConsiderIP:  false,
		Source:      pkg.SourceWiFi,
		ScanPath:    DefaultObservationsPath,
		ScanMaxAgeS: 120,
	}
}

var _ DataSource = (*GeolocationSource)(nil)

// GeolocationSource resolves scanned WiFi/cell observations into fixes via
// the Google Geolocation API.
type GeolocationSource struct {
	*baseSource

	config  *GeolocateConfig
	client  geolocator
	scanner ObservationScanner

	successCount atomic.Uint64
	errorCount   atomic.Uint64
}

// NewGeolocationSource creates a Geolocation API source. The API key must be
// set; construction fails without credentials.
func NewGeolocationSource(config *GeolocateConfig, scanner ObservationScanner, logger *logx.Logger) (*GeolocationSource, error) {
	if config == nil {
		config = DefaultGeolocateConfig()
	}
	client, err := maps.NewClient(maps.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create geolocation client: %w", err)
	}
	return newGeolocationSource(config, scanner, client, logger), nil
}

// newGeolocationSource wires the source around an injected client so tests
// can substitute the API.
func newGeolocationSource(config *GeolocateConfig, scanner ObservationScanner, client geolocator, logger *logx.Logger) *GeolocationSource {
	cfg := *config
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 30000
	}
	if cfg.MinWiFiAPs <= 0 {
		cfg.MinWiFiAPs = 2
	}
	if cfg.Source == "" {
		cfg.Source = pkg.SourceWiFi
	}

	g := &GeolocationSource{
		config:  &cfg,
		client:  client,
		scanner: scanner,
	}
	g.baseSource = newBaseSource("google-geolocation", cfg.Source, logger, g.collect)
	if cfg.IntervalMs > 0 {
		g.SetInterval(time.Duration(cfg.IntervalMs) * time.Millisecond)
	}
	return g
}

func (g *GeolocationSource) collect() *pkg.Fix {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(g.config.TimeoutMs)*time.Millisecond)
	defer cancel()

	fix, err := g.Resolve(ctx)
	if err != nil {
		g.errorCount.Add(1)
		g.logger.Warn("geolocate_failed", "error", err.Error())
		return nil
	}
	if fix == nil {
		return nil
	}
	g.successCount.Add(1)
	return fix
}

// Resolve scans the radio environment and asks the Geolocation API for a
// position estimate. Too thin an environment (fewer WiFi APs than the
// minimum and no cells, with IP fallback off) yields no fix and no error.
func (g *GeolocationSource) Resolve(ctx context.Context) (*pkg.Fix, error) {
	if g.scanner == nil {
		return nil, nil
	}
	obs, err := g.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan observations: %w", err)
	}
	if obs == nil {
		return nil, nil
	}
	if len(obs.WiFiAccessPoints) < g.config.MinWiFiAPs && len(obs.CellTowers) == 0 && !g.config.ConsiderIP {
		g.logger.Trace("geolocate_skipped_thin_environment",
			"wifi_aps", len(obs.WiFiAccessPoints), "cells", len(obs.CellTowers))
		return nil, nil
	}

	req := &maps.GeolocationRequest{
		CellTowers:       obs.CellTowers,
		WiFiAccessPoints: obs.WiFiAccessPoints,
		ConsiderIP:       g.config.ConsiderIP,
	}
	resp, err := g.client.Geolocate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("geolocation api: %w", err)
	}

	fix := pkg.NewFix(resp.Location.Lat, resp.Location.Lng, resp.Accuracy, g.config.Source)
	fix.SetExtra("observation_count", strconv.Itoa(len(obs.WiFiAccessPoints)+len(obs.CellTowers)))
	g.logger.Debug("geolocate_resolved",
		"lat", fix.Latitude, "lon", fix.Longitude, "accuracy", fix.Accuracy,
		"wifi_aps", len(obs.WiFiAccessPoints), "cells", len(obs.CellTowers))
	return fix, nil
}

// Counts returns how many resolves succeeded and failed since creation.
func (g *GeolocationSource) Counts() (successes, errors uint64) {
	return g.successCount.Load(), g.errorCount.Load()
}
