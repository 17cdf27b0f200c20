package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
	bolt "go.etcd.io/bbolt"
)

// Bucket names for the snapshot database.
const (
	lastLocationBucket = "last_location"
	metaBucket         = "meta"
)

const (
	lastLocationKey = "last"
	savedAtKey      = "saved_at"
)

// SnapshotStore persists the single most recent corrected location so
// offline mode can answer without a live pipeline and restarts begin with
// the previous position instead of a cold gap.
type SnapshotStore struct {
	db     *bolt.DB
	path   string
	logger *logx.Logger
}

// NewSnapshotStore opens (creating if needed) the snapshot database at path.
func NewSnapshotStore(path string, logger *logx.Logger) (*SnapshotStore, error) {
	if logger == nil {
		logger = logx.NewLogger("info", "storage")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	s := &SnapshotStore{
		db:     db,
		path:   path,
		logger: logger,
	}
	if err := s.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot buckets: %w", err)
	}

	logger.Info("snapshot_store_opened", "path", path)
	return s, nil
}

func (s *SnapshotStore) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{lastLocationBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// SaveLast overwrites the persisted snapshot with the given location.
func (s *SnapshotStore) SaveLast(loc *pkg.CorrectedLocation) error {
	if loc == nil {
		return fmt.Errorf("cannot snapshot nil location")
	}

	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(lastLocationBucket))
		if bucket == nil {
			return fmt.Errorf("snapshot bucket not found")
		}
		if err := bucket.Put([]byte(lastLocationKey), data); err != nil {
			return err
		}

		meta := tx.Bucket([]byte(metaBucket))
		if meta == nil {
			return fmt.Errorf("meta bucket not found")
		}
		return meta.Put([]byte(savedAtKey), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// LoadLast returns the persisted snapshot, or (nil, nil) when none has been
// saved yet.
func (s *SnapshotStore) LoadLast() (*pkg.CorrectedLocation, error) {
	var loc *pkg.CorrectedLocation

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(lastLocationBucket))
		if bucket == nil {
			return fmt.Errorf("snapshot bucket not found")
		}

		data := bucket.Get([]byte(lastLocationKey))
		if data == nil {
			return nil
		}

		loc = &pkg.CorrectedLocation{}
		if err := json.Unmarshal(data, loc); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// SavedAt returns when the current snapshot was written, or the zero time
// when no snapshot exists.
func (s *SnapshotStore) SavedAt() (time.Time, error) {
	var saved time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta == nil {
			return fmt.Errorf("meta bucket not found")
		}

		data := meta.Get([]byte(savedAtKey))
		if data == nil {
			return nil
		}

		t, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			return fmt.Errorf("failed to parse snapshot time: %w", err)
		}
		saved = t
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return saved, nil
}

// Close closes the snapshot database.
func (s *SnapshotStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
