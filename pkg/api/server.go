// Package api exposes the read/control HTTP surface of the correction
// pipeline: health, status, latest and historical locations, correction mode
// control and the Prometheus exposition endpoint. The server binds to
// localhost and is disabled by default; when an auth key hash is configured,
// every /api/* route requires the matching key.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
	"github.com/markus-lassfolk/geofix/pkg/service"
)

// Config holds control API configuration.
type Config struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Host    string `json:"host"`
	// AuthKeyHash is a bcrypt hash of the API key. Empty allows anonymous
	// access, which is acceptable only because the default bind is localhost.
	AuthKeyHash string `json:"auth_key_hash"`
}

// DefaultConfig returns the default API configuration. Disabled by default.
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Port:    8081,
		Host:    "localhost",
	}
}

// ModeController is the slice of the corrector the mode endpoint needs.
// The multi-mode corrector satisfies it.
type ModeController interface {
	SetMode(mode pkg.CorrectionMode)
	Mode() pkg.CorrectionMode
	EffectiveIntervalMs() int64
}

// SceneReporter exposes the current scene classification. The adaptive
// corrector satisfies it.
type SceneReporter interface {
	CurrentScene() pkg.SceneType
}

// Server serves the pipeline state over HTTP.
type Server struct {
	svc    service.Service
	config *Config
	logger *logx.Logger

	modes   ModeController
	scenes  SceneReporter
	metrics http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the API server around a running service. A nil config
// uses defaults.
func NewServer(svc service.Service, config *Config, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.NewLogger("info", "api")
	}
	return &Server{
		svc:       svc,
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetModeController attaches the mode endpoint's backend. Without one the
// mode endpoint answers 501.
func (s *Server) SetModeController(mc ModeController) { s.modes = mc }

// SetSceneReporter attaches the scene field of the status response.
func (s *Server) SetSceneReporter(sr SceneReporter) { s.scenes = sr }

// SetMetricsHandler mounts the Prometheus exposition handler at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Liveness probes stay unauthenticated.
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/location/latest", s.authMiddleware(s.handleLatest))
	mux.HandleFunc("/api/location/history", s.authMiddleware(s.handleHistory))
	mux.HandleFunc("/api/mode", s.authMiddleware(s.handleMode))

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return mux
}

// Start begins serving in the background. Disabled servers start nothing.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("api server disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting api server", "address", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err.Error())
		}
	}()

	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown", "error", err.Error())
	}
	s.logger.Info("api server stopped")
}

// authMiddleware enforces the configured API key. The key arrives in the
// X-API-Key header or the auth query parameter and is compared against the
// stored bcrypt hash.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.Header.Get("X-API-Key")
		if authKey == "" {
			authKey = r.URL.Query().Get("auth")
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.config.AuthKeyHash), []byte(authKey)); err != nil {
			s.logger.Warn("invalid authentication attempt", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// HashAuthKey produces the bcrypt hash stored in config for a plaintext key.
// Used by the CLI's key setup and by tests.
func HashAuthKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash auth key: %w", err)
	}
	return string(hash), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "geofix",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	s.sendJSONResponse(w, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.Stats()

	response := map[string]interface{}{
		"running": s.svc.IsRunning(),
		"uptime":  time.Since(s.startTime).String(),
		"stats":   stats,
	}
	if s.modes != nil {
		response["mode"] = s.modes.Mode()
		response["interval_ms"] = s.modes.EffectiveIntervalMs()
	}
	if s.scenes != nil {
		response["scene"] = s.scenes.CurrentScene()
	}

	s.sendJSONResponse(w, response)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	loc := s.svc.CurrentLocation()
	if loc == nil {
		s.sendErrorResponse(w, http.StatusNotFound, "no corrected location yet", nil)
		return
	}
	s.sendJSONResponse(w, loc)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	minutes := 60
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "minutes must be a positive integer", err)
			return
		}
		minutes = n
	}

	end := time.Now()
	start := end.Add(-time.Duration(minutes) * time.Minute)

	locations, err := s.svc.History(start, end)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to query history", err)
		return
	}

	response := map[string]interface{}{
		"minutes":   minutes,
		"count":     len(locations),
		"locations": locations,
	}
	s.sendJSONResponse(w, response)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if s.modes == nil {
		s.sendErrorResponse(w, http.StatusNotImplemented, "mode control not available", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.sendJSONResponse(w, map[string]interface{}{
			"mode":        s.modes.Mode(),
			"interval_ms": s.modes.EffectiveIntervalMs(),
		})

	case http.MethodPost:
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
		mode, err := pkg.ParseCorrectionMode(req.Mode)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "unknown mode", err)
			return
		}
		s.modes.SetMode(mode)
		s.sendJSONResponse(w, map[string]interface{}{
			"success":     true,
			"mode":        s.modes.Mode(),
			"interval_ms": s.modes.EffectiveIntervalMs(),
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// sendJSONResponse sends a JSON response with proper headers.
func (s *Server) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode json response", "error", err.Error())
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// sendErrorResponse sends an error payload with the given status code.
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if encErr := json.NewEncoder(w).Encode(response); encErr != nil {
		s.logger.Error("failed to encode error response", "error", encErr.Error())
	}
}
