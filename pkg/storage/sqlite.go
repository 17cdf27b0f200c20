package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds configuration for the durable history store.
type SQLiteConfig struct {
	Path string `json:"path"`
	// MaxRows trims the table to this many newest rows; 0 keeps everything.
	MaxRows int `json:"max_rows"`
}

// DefaultSQLiteConfig returns settings for a small on-device history.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:    "/var/lib/geofix/locations.db",
		MaxRows: 100000,
	}
}

// maintenanceEvery is how many stores pass between trim checks.
const maintenanceEvery = 256

// SQLiteStorage persists corrected locations in a SQLite table. Indexed
// columns carry the queryable dimensions; the full record rides along as a
// JSON payload so queries reconstruct it losslessly.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *logx.Logger

	stores atomic.Uint64
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (creating if needed) the database at config.Path and
// ensures the schema exists.
func NewSQLiteStorage(config *SQLiteConfig, logger *logx.Logger) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if logger == nil {
		logger = logx.NewLogger("info", "storage")
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStorage{
		db:     db,
		config: config,
		logger: logger,
	}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("sqlite_storage_opened", "path", config.Path, "max_rows", config.MaxRows)
	return s, nil
}

func (s *SQLiteStorage) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS corrected_locations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy REAL NOT NULL,
		confidence REAL NOT NULL,
		method TEXT NOT NULL,
		source TEXT NOT NULL,
		anomalous BOOLEAN NOT NULL DEFAULT FALSE,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_corrected_locations_timestamp ON corrected_locations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_corrected_locations_source ON corrected_locations(source);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Store inserts one corrected location.
func (s *SQLiteStorage) Store(loc *pkg.CorrectedLocation) error {
	if loc == nil {
		return fmt.Errorf("cannot store nil location")
	}

	payload, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	_, err = s.db.Exec(`
	INSERT INTO corrected_locations (
		timestamp, latitude, longitude, accuracy, confidence,
		method, source, anomalous, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loc.Timestamp.UTC(), loc.Latitude, loc.Longitude, loc.Accuracy, loc.Confidence,
		loc.Method, string(originSource(loc)), loc.Anomalous, string(payload),
	)
	if err != nil {
		s.logger.Error("failed to store corrected location", "error", err)
		return err
	}

	if s.stores.Add(1)%maintenanceEvery == 0 {
		s.performMaintenance()
	}
	return nil
}

// QueryByTimeRange returns locations inside [start, end], inclusive on both
// ends, oldest first.
func (s *SQLiteStorage) QueryByTimeRange(start, end time.Time) ([]*pkg.CorrectedLocation, error) {
	rows, err := s.db.Query(`
	SELECT payload FROM corrected_locations
	WHERE timestamp >= ? AND timestamp <= ?
	ORDER BY timestamp ASC`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanLocations(rows)
}

// QueryBySource returns locations whose originating fix carries the given
// source, oldest first.
func (s *SQLiteStorage) QueryBySource(source pkg.SourceType) ([]*pkg.CorrectedLocation, error) {
	rows, err := s.db.Query(`
	SELECT payload FROM corrected_locations
	WHERE source = ?
	ORDER BY timestamp ASC`,
		string(source),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanLocations(rows)
}

// Latest returns the most recently stored location, or (nil, nil) when the
// table is empty.
func (s *SQLiteStorage) Latest() (*pkg.CorrectedLocation, error) {
	var payload string
	err := s.db.QueryRow(`
	SELECT payload FROM corrected_locations
	ORDER BY timestamp DESC, id DESC
	LIMIT 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var loc pkg.CorrectedLocation
	if err := json.Unmarshal([]byte(payload), &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &loc, nil
}

// Count returns the number of stored locations; on query failure it logs and
// reports zero.
func (s *SQLiteStorage) Count() int {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM corrected_locations").Scan(&count); err != nil {
		s.logger.Warn("failed to count locations", "error", err)
		return 0
	}
	return count
}

// Clear removes every stored location.
func (s *SQLiteStorage) Clear() error {
	_, err := s.db.Exec("DELETE FROM corrected_locations")
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStorage) scanLocations(rows *sql.Rows) ([]*pkg.CorrectedLocation, error) {
	var results []*pkg.CorrectedLocation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			s.logger.Warn("failed to scan location row", "error", err)
			continue
		}
		var loc pkg.CorrectedLocation
		if err := json.Unmarshal([]byte(payload), &loc); err != nil {
			s.logger.Warn("failed to unmarshal location row", "error", err)
			continue
		}
		results = append(results, &loc)
	}
	return results, rows.Err()
}

// performMaintenance trims the table to MaxRows newest rows.
func (s *SQLiteStorage) performMaintenance() {
	if s.config.MaxRows <= 0 {
		return
	}

	count := s.Count()
	if count <= s.config.MaxRows {
		return
	}

	deleteCount := count - s.config.MaxRows
	_, err := s.db.Exec(`
	DELETE FROM corrected_locations
	WHERE id IN (
		SELECT id FROM corrected_locations
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	)`, deleteCount)
	if err != nil {
		s.logger.Warn("history trim failed", "error", err)
		return
	}

	s.logger.Info("history_trimmed", "deleted", deleteCount, "remaining", s.config.MaxRows)
}
