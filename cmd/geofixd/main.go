package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"

	"github.com/markus-lassfolk/geofix/pkg/api"
	"github.com/markus-lassfolk/geofix/pkg/config"
	"github.com/markus-lassfolk/geofix/pkg/corrector"
	"github.com/markus-lassfolk/geofix/pkg/logx"
	"github.com/markus-lassfolk/geofix/pkg/metrics"
	"github.com/markus-lassfolk/geofix/pkg/mqtt"
	"github.com/markus-lassfolk/geofix/pkg/pidfile"
	"github.com/markus-lassfolk/geofix/pkg/service"
	"github.com/markus-lassfolk/geofix/pkg/source"
	"github.com/markus-lassfolk/geofix/pkg/storage"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to JSON configuration file")
	pidPath    = flag.String("pid-file", "/tmp/geofixd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	foreground = flag.Bool("foreground", false, "Run in foreground mode (don't daemonize)")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
	hashKey    = flag.String("hash-key", "", "Print the bcrypt hash of the given API key and exit")
)

const (
	AppName    = "geofixd"
	AppVersion = "1.0.0"
)

// HeartbeatData is the liveness record written to /tmp/geofixd.health so
// external watchdogs can check the daemon without the API.
type HeartbeatData struct {
	Timestamp  string  `json:"ts"`
	UptimeS    int64   `json:"uptime_s"`
	Version    string  `json:"version"`
	Status     string  `json:"status"`
	Processed  uint64  `json:"processed"`
	QueueDepth int     `json:"queue_depth"`
	MemMB      float64 `json:"mem_mb"`
	Goroutines int     `json:"goroutines"`
	DeviceID   string  `json:"device_id"`
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	if *hashKey != "" {
		hash, err := api.HashAuthKey(*hashKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to hash key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// Determine log level
	effectiveLogLevel := "info"
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}

	logger := logx.NewLogger(effectiveLogLevel, AppName)

	// Initialize PID file management
	pidFile := pidfile.New(*pidPath)

	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}

	if running {
		if *force {
			logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
			if err := pidFile.ForceRemove(); err != nil {
				logger.Error("Failed to remove existing PID file", "error", err)
				os.Exit(1)
			}
		} else {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", *pidPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
	}

	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting geofix daemon", "version", AppVersion, "pid", os.Getpid(), "pid_file", *pidPath)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	// Flags win over the file; otherwise the file's level takes effect now.
	if *logLevel == "" && !*verbose {
		logger.SetLevel(cfg.LogLevel)
	}

	logger.Info("Configuration loaded",
		"service_kind", cfg.ServiceKind,
		"corrector_kind", cfg.CorrectorKind,
		"storage_backend", cfg.Storage.Backend,
		"metrics", cfg.MetricsEnabled,
		"mqtt", cfg.MQTT.Enabled,
		"api", cfg.API.Enabled,
		"foreground", *foreground)

	// Initialize the result store
	store, err := buildStorage(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err, "backend", cfg.Storage.Backend)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize the correction engine
	corr, modes, scenes := buildCorrector(cfg, logger)

	// Wire the last-location snapshot for offline serving and warm restarts
	var snapshots *storage.SnapshotStore
	if cfg.Storage.SnapshotPath != "" && modes != nil {
		snapshots, err = storage.NewSnapshotStore(cfg.Storage.SnapshotPath, logger)
		if err != nil {
			logger.Error("Failed to open snapshot store", "error", err, "path", cfg.Storage.SnapshotPath)
			os.Exit(1)
		}
		defer snapshots.Close()
		modes.SetSnapshotStore(snapshots)
		logger.Info("Snapshot store enabled", "path", cfg.Storage.SnapshotPath)
	}

	// Initialize data sources
	pool, err := buildSources(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize data sources", "error", err)
		os.Exit(1)
	}

	// Initialize the correction service
	svc := service.New(service.ParseKind(cfg.ServiceKind), cfg.Service, corr, logger)
	svc.SetStorage(store)
	svc.SetSources(pool)

	// Initialize Prometheus collectors if enabled
	var prom *metrics.Metrics
	if cfg.MetricsEnabled {
		prom = metrics.New()
		svc.RegisterListener(prom)
	}

	// Sources push fixes into the service queue
	pool.SetCallback(func(fix *pkg.Fix) {
		prom.FixIngested(fix.Source)
		svc.SubmitFix(fix)
	})

	// Initialize MQTT publisher if enabled
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(cfg.MQTT, logger)
		if err := publisher.Connect(); err != nil {
			// MQTT is optional; the publisher queues until the broker appears
			logger.Warn("Failed to connect to MQTT broker", "error", err)
		}
		defer publisher.Disconnect()
		svc.RegisterListener(publisher)
	}

	// Initialize the control API if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(svc, cfg.API, logger)
		if modes != nil {
			apiServer.SetModeController(modes)
		}
		if scenes != nil {
			apiServer.SetSceneReporter(scenes)
		}
		if prom != nil {
			apiServer.SetMetricsHandler(prom.Handler())
		}
		if err := apiServer.Start(); err != nil {
			logger.Error("Failed to start API server", "error", err)
			os.Exit(1)
		}
		defer apiServer.Stop()
	}

	// Start the pipeline
	if err := svc.Start(); err != nil {
		logger.Error("Failed to start correction service", "error", err)
		os.Exit(1)
	}
	defer svc.Stop()

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Start heartbeat writer
	startTime := time.Now()
	heartbeatTicker := time.NewTicker(10 * time.Second)
	defer heartbeatTicker.Stop()
	go writeHeartbeat(ctx, heartbeatTicker, startTime, logger, svc)

	// Start status loop
	go runStatusLoop(ctx, svc, prom, publisher, modes, scenes, startTime, logger)

	// Wait for shutdown signal; SIGHUP reloads the correction config in place
	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration", "path", *configPath)
			reloaded, err := config.Load(*configPath)
			if err != nil {
				logger.Error("Config reload failed, keeping current configuration", "error", err)
				continue
			}
			svc.UpdateConfig(reloaded.Correction)
			if modes != nil {
				if mode, err := pkg.ParseCorrectionMode(reloaded.InitialMode); err == nil {
					modes.SetMode(mode)
				}
			}
			logger.Info("Configuration reloaded")
			continue
		}

		logger.Info("Received shutdown signal", "signal", sig)
		break
	}

	cancel()
	logger.Info("Shutting down", "uptime_s", int64(time.Since(startTime).Seconds()))
}

// buildStorage creates the configured result store.
func buildStorage(cfg *config.Config, logger *logx.Logger) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		return storage.NewSQLiteStorage(cfg.Storage.SQLite, logger)
	default:
		return storage.NewMemoryStorage(cfg.Storage.MaxResults, logger), nil
	}
}

// buildCorrector creates the configured correction engine. The extra returns
// expose the optional mode and scene surfaces for the API server; they are
// nil for kinds that lack them.
func buildCorrector(cfg *config.Config, logger *logx.Logger) (service.Corrector, *corrector.MultiModeCorrector, *corrector.AdaptiveCorrector) {
	switch cfg.CorrectorKind {
	case config.CorrectorAdaptive:
		ac := corrector.NewAdaptiveCorrector(cfg.Correction, logger)
		return ac, nil, ac
	case config.CorrectorBasic:
		return corrector.NewCorrector(cfg.Correction, logger), nil, nil
	default:
		mc := corrector.NewMultiModeCorrector(cfg.Correction, logger)
		if mode, err := pkg.ParseCorrectionMode(cfg.InitialMode); err == nil {
			mc.SetMode(mode)
		}
		return mc, mc, nil
	}
}

// buildSources registers the configured data sources.
func buildSources(cfg *config.Config, logger *logx.Logger) (*source.Manager, error) {
	var pool *source.Manager
	if cfg.Sources.Simulated {
		pool = source.DefaultManager(logger)
	} else {
		pool = source.NewManager(logger)
	}

	if cfg.Sources.RemoteEnabled {
		if pool.Add(source.NewRemoteSource(cfg.Sources.Remote, logger)) {
			logger.Info("Remote fix source enabled", "host", cfg.Sources.Remote.Host, "port", cfg.Sources.Remote.Port)
		}
	}

	if cfg.Sources.GeolocateEnabled {
		scanner := source.NewFileScanner(cfg.Sources.Geolocate.ScanPath,
			time.Duration(cfg.Sources.Geolocate.ScanMaxAgeS)*time.Second)
		geo, err := source.NewGeolocationSource(cfg.Sources.Geolocate, scanner, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create geolocation source: %w", err)
		}
		// Collides with the simulated WiFi provider when both are enabled;
		// Add logs the rejection.
		if pool.Add(geo) {
			logger.Info("Geolocation source enabled", "scan_path", scanner.Path)
		}
	}

	if pool.Len() == 0 {
		logger.Warn("No data sources configured; the pipeline will idle")
	}
	return pool, nil
}

// runStatusLoop refreshes the pipeline gauges and publishes the status
// snapshot every 30 seconds.
func runStatusLoop(ctx context.Context, svc service.Service, prom *metrics.Metrics, publisher *mqtt.Publisher, modes *corrector.MultiModeCorrector, scenes *corrector.AdaptiveCorrector, startTime time.Time, logger *logx.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Status loop stopped")
			return
		case <-ticker.C:
			stats := svc.Stats()
			prom.SetQueueDepth(stats.QueueDepth)
			prom.SetCacheSize(stats.CacheSize)

			if publisher != nil {
				status := map[string]interface{}{
					"running":     stats.Running,
					"uptime_s":    int64(time.Since(startTime).Seconds()),
					"submitted":   stats.Submitted,
					"processed":   stats.Processed,
					"dropped":     stats.Dropped,
					"fused":       stats.Fused,
					"queue_depth": stats.QueueDepth,
				}
				if modes != nil {
					status["mode"] = string(modes.Mode())
				}
				if scenes != nil {
					status["scene"] = string(scenes.CurrentScene())
				}
				publisher.PublishStatus(status)
			}

			logger.Debug("Status snapshot",
				"processed", stats.Processed,
				"dropped", stats.Dropped,
				"queue_depth", stats.QueueDepth)
		}
	}
}

// writeHeartbeat writes liveness data to /tmp/geofixd.health every 10 seconds.
func writeHeartbeat(ctx context.Context, ticker *time.Ticker, startTime time.Time, logger *logx.Logger, svc service.Service) {
	const heartbeatFile = "/tmp/geofixd.health"

	for {
		select {
		case <-ctx.Done():
			logger.Info("Heartbeat writer stopped")
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			stats := svc.Stats()
			status := "ok"
			if !stats.Running {
				status = "stopped"
			}

			heartbeat := HeartbeatData{
				Timestamp:  time.Now().Format(time.RFC3339),
				UptimeS:    int64(time.Since(startTime).Seconds()),
				Version:    AppVersion,
				Status:     status,
				Processed:  stats.Processed,
				QueueDepth: stats.QueueDepth,
				MemMB:      float64(memStats.Alloc) / 1024 / 1024,
				Goroutines: runtime.NumGoroutine(),
				DeviceID:   getDeviceID(),
			}

			data, err := json.Marshal(heartbeat)
			if err != nil {
				logger.Error("Failed to marshal heartbeat data", "error", err)
				continue
			}

			// Write atomically: temp file in the same directory, then rename.
			tempFile, err := os.CreateTemp("/tmp", "geofixd-heartbeat-*.tmp")
			if err != nil {
				logger.Error("Failed to create temporary file", "error", err)
				continue
			}
			tempPath := tempFile.Name()
			tempFile.Close()

			if err := os.WriteFile(tempPath, data, 0o644); err != nil {
				logger.Error("Failed to write heartbeat file", "error", err, "file", tempPath)
				os.Remove(tempPath)
				continue
			}
			if err := os.Rename(tempPath, heartbeatFile); err != nil {
				logger.Error("Failed to rename heartbeat file", "error", err, "from", tempPath, "to", heartbeatFile)
				os.Remove(tempPath)
				continue
			}

			logger.Debug("Heartbeat written", "file", heartbeatFile, "uptime_s", heartbeat.UptimeS, "mem_mb", heartbeat.MemMB, "goroutines", heartbeat.Goroutines)
		}
	}
}

// getDeviceID returns a device identifier for the heartbeat.
func getDeviceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "geofix-device"
}
