// Package config loads and validates the daemon configuration. The file is
// JSON; a missing file yields the defaults so a bare geofixd starts with the
// simulated sources and in-memory storage. Section structs come from the
// packages that consume them, so the file mirrors the runtime wiring.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/api"
	"github.com/markus-lassfolk/geofix/pkg/mqtt"
	"github.com/markus-lassfolk/geofix/pkg/service"
	"github.com/markus-lassfolk/geofix/pkg/source"
	"github.com/markus-lassfolk/geofix/pkg/storage"
)

// DefaultConfigPath is where the daemon looks when no -config flag is given.
const DefaultConfigPath = "/etc/geofix/config.json"

// Corrector kinds selectable in the config file.
const (
	CorrectorBasic     = "basic"
	CorrectorAdaptive  = "adaptive"
	CorrectorMultiMode = "multimode"
)

// Storage backends selectable in the config file.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// ServiceKind selects the pipeline variant: basic or high_performance.
	ServiceKind string `json:"service_kind"`
	// CorrectorKind selects the correction engine: basic, adaptive or
	// multimode.
	CorrectorKind string `json:"corrector_kind"`
	// InitialMode is the correction mode a multimode corrector starts in.
	InitialMode string `json:"initial_mode"`

	MetricsEnabled bool `json:"metrics_enabled"`

	Correction *pkg.CorrectionConfig `json:"correction"`
	Service    *service.Config       `json:"service"`
	Sources    *SourcesConfig        `json:"sources"`
	Storage    *StorageConfig        `json:"storage"`
	MQTT       *mqtt.Config          `json:"mqtt"`
	API        *api.Config           `json:"api"`
}

// SourcesConfig selects the data sources the daemon registers.
type SourcesConfig struct {
	// Simulated registers the GNSS/WiFi/base-station simulators. On by
	// default so the pipeline produces data out of the box.
	Simulated bool `json:"simulated"`

	RemoteEnabled bool                 `json:"remote_enabled"`
	Remote        *source.RemoteConfig `json:"remote"`

	GeolocateEnabled bool                    `json:"geolocate_enabled"`
	Geolocate        *source.GeolocateConfig `json:"geolocate"`
}

// StorageConfig selects the result store and the crash-restart snapshot.
type StorageConfig struct {
	Backend    string `json:"backend"`
	MaxResults int    `json:"max_results"`

	SQLite *storage.SQLiteConfig `json:"sqlite"`

	// SnapshotPath enables the last-location snapshot file used by the
	// multimode corrector's offline mode. Empty disables it.
	SnapshotPath string `json:"snapshot_path"`
}

// DefaultConfig returns the configuration a bare daemon runs with.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		ServiceKind:   string(service.KindBasic),
		CorrectorKind: CorrectorMultiMode,
		InitialMode:   string(pkg.ModeNormal),
		Correction:    pkg.DefaultCorrectionConfig(),
		Service:       service.DefaultConfig(),
		Sources: &SourcesConfig{
			Simulated: true,
			Remote:    source.DefaultRemoteConfig(),
			Geolocate: source.DefaultGeolocateConfig(),
		},
		Storage: &StorageConfig{
			Backend:    StorageMemory,
			MaxResults: storage.DefaultMemoryCapacity,
			SQLite:     storage.DefaultSQLiteConfig(),
		},
		MQTT: mqtt.DefaultConfig(),
		API:  api.DefaultConfig(),
	}
}

// Load reads the configuration at path. An empty path means the default
// location; a missing file returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal merges over the defaults: sections the file omits keep their
	// default values.
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks enum fields and delegates numeric clamping to the section
// owners.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}

	// ParseKind falls back to basic for unknown kinds; normalize in place.
	c.ServiceKind = string(service.ParseKind(c.ServiceKind))

	switch c.CorrectorKind {
	case CorrectorBasic, CorrectorAdaptive, CorrectorMultiMode:
	default:
		return fmt.Errorf("corrector_kind must be one of basic, adaptive, multimode; got %q", c.CorrectorKind)
	}

	if _, err := pkg.ParseCorrectionMode(c.InitialMode); err != nil {
		return fmt.Errorf("initial_mode: %w", err)
	}

	if c.Correction == nil {
		c.Correction = pkg.DefaultCorrectionConfig()
	}
	c.Correction.Validate()

	if c.Service == nil {
		c.Service = service.DefaultConfig()
	}
	c.Service.Validate()

	if c.Sources == nil {
		c.Sources = &SourcesConfig{Simulated: true}
	}
	if c.Sources.RemoteEnabled && c.Sources.Remote == nil {
		c.Sources.Remote = source.DefaultRemoteConfig()
	}
	if c.Sources.GeolocateEnabled {
		if c.Sources.Geolocate == nil {
			c.Sources.Geolocate = source.DefaultGeolocateConfig()
		}
		if c.Sources.Geolocate.APIKey == "" {
			return fmt.Errorf("sources.geolocate.api_key required when geolocation source is enabled")
		}
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{Backend: StorageMemory}
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageSQLite:
	default:
		return fmt.Errorf("storage.backend must be memory or sqlite; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == StorageSQLite {
		if c.Storage.SQLite == nil {
			c.Storage.SQLite = storage.DefaultSQLiteConfig()
		}
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path required for the sqlite backend")
		}
	}

	if c.MQTT == nil {
		c.MQTT = mqtt.DefaultConfig()
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker required when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port)
		}
	}

	if c.API == nil {
		c.API = api.DefaultConfig()
	}
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			return fmt.Errorf("api.port out of range: %d", c.API.Port)
		}
	}

	return nil
}
