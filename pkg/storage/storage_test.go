package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
)

func locAt(ts time.Time, lat, lon float64, source pkg.SourceType) *pkg.CorrectedLocation {
	fix := pkg.NewFix(lat, lon, 10, source)
	fix.Timestamp = ts
	loc := pkg.NewCorrectedLocation(fix, "single_source")
	loc.Timestamp = ts
	loc.Confidence = 0.9
	return loc
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStorage(100, nil)

	for i := 0; i < 5; i++ {
		loc := locAt(base.Add(time.Duration(i)*time.Minute), 39.9+float64(i)*0.001, 116.4, pkg.SourceGNSS)
		if err := m.Store(loc); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	if m.Count() != 5 {
		t.Fatalf("count = %d, want 5", m.Count())
	}

	t.Run("time range inclusive", func(t *testing.T) {
		got, err := m.QueryByTimeRange(base.Add(1*time.Minute), base.Add(3*time.Minute))
		if err != nil {
			t.Fatalf("QueryByTimeRange: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3 (both ends inclusive)", len(got))
		}
		if !got[0].Timestamp.Equal(base.Add(1 * time.Minute)) {
			t.Errorf("first result at %v, want oldest first", got[0].Timestamp)
		}
	})

	t.Run("latest", func(t *testing.T) {
		latest, err := m.Latest()
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if latest == nil || !latest.Timestamp.Equal(base.Add(4*time.Minute)) {
			t.Errorf("latest = %v", latest)
		}
	})

	t.Run("clear", func(t *testing.T) {
		if err := m.Clear(); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if m.Count() != 0 {
			t.Errorf("count after clear = %d", m.Count())
		}
		latest, err := m.Latest()
		if err != nil || latest != nil {
			t.Errorf("Latest after clear = %v, %v; want nil, nil", latest, err)
		}
	})
}

func TestMemoryStorageEvictsOldest(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStorage(3, nil)

	for i := 0; i < 5; i++ {
		if err := m.Store(locAt(base.Add(time.Duration(i)*time.Second), 39.9, 116.4, pkg.SourceGNSS)); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	if m.Count() != 3 {
		t.Fatalf("count = %d, want capacity 3", m.Count())
	}
	got, err := m.QueryByTimeRange(base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryByTimeRange: %v", err)
	}
	// Oldest two were evicted.
	if !got[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("oldest surviving = %v, want base+2s", got[0].Timestamp)
	}
}

func TestMemoryStorageQueryBySource(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStorage(100, nil)

	m.Store(locAt(base, 39.9, 116.4, pkg.SourceGNSS))
	m.Store(locAt(base.Add(time.Second), 39.9, 116.4, pkg.SourceWiFi))
	m.Store(locAt(base.Add(2*time.Second), 39.9, 116.4, pkg.SourceGNSS))

	gnss, err := m.QueryBySource(pkg.SourceGNSS)
	if err != nil {
		t.Fatalf("QueryBySource: %v", err)
	}
	if len(gnss) != 2 {
		t.Errorf("gnss results = %d, want 2", len(gnss))
	}
	wifi, _ := m.QueryBySource(pkg.SourceWiFi)
	if len(wifi) != 1 {
		t.Errorf("wifi results = %d, want 1", len(wifi))
	}
	none, _ := m.QueryBySource(pkg.SourceBaseStation)
	if len(none) != 0 {
		t.Errorf("base station results = %d, want 0", len(none))
	}
}

func TestMemoryStorageRejectsNil(t *testing.T) {
	m := NewMemoryStorage(10, nil)
	if err := m.Store(nil); err == nil {
		t.Fatal("expected error storing nil")
	}
}

func TestSQLiteStorage(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := &SQLiteConfig{Path: filepath.Join(t.TempDir(), "locations.db")}

	s, err := NewSQLiteStorage(cfg, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	defer s.Close()

	for i := 0; i < 4; i++ {
		src := pkg.SourceGNSS
		if i%2 == 1 {
			src = pkg.SourceWiFi
		}
		loc := locAt(base.Add(time.Duration(i)*time.Minute), 39.9+float64(i)*0.001, 116.4, src)
		if err := s.Store(loc); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	if s.Count() != 4 {
		t.Fatalf("count = %d, want 4", s.Count())
	}

	t.Run("time range", func(t *testing.T) {
		got, err := s.QueryByTimeRange(base, base.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("QueryByTimeRange: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[0].Original == nil || got[0].Original.Source != pkg.SourceGNSS {
			t.Errorf("payload did not round-trip the original fix: %+v", got[0])
		}
	})

	t.Run("by source", func(t *testing.T) {
		wifi, err := s.QueryBySource(pkg.SourceWiFi)
		if err != nil {
			t.Fatalf("QueryBySource: %v", err)
		}
		if len(wifi) != 2 {
			t.Errorf("wifi results = %d, want 2", len(wifi))
		}
	})

	t.Run("latest", func(t *testing.T) {
		latest, err := s.Latest()
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if latest == nil || !latest.Timestamp.Equal(base.Add(3*time.Minute)) {
			t.Errorf("latest = %v", latest)
		}
	})

	t.Run("clear and empty latest", func(t *testing.T) {
		if err := s.Clear(); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if s.Count() != 0 {
			t.Errorf("count after clear = %d", s.Count())
		}
		latest, err := s.Latest()
		if err != nil || latest != nil {
			t.Errorf("Latest after clear = %v, %v; want nil, nil", latest, err)
		}
	})
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := &SQLiteConfig{Path: filepath.Join(t.TempDir(), "locations.db")}

	s1, err := NewSQLiteStorage(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Store(locAt(base, 59.33, 18.07, pkg.SourceGNSS)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewSQLiteStorage(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if s2.Count() != 1 {
		t.Fatalf("count after reopen = %d, want 1", s2.Count())
	}
	latest, err := s2.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Latitude != 59.33 {
		t.Errorf("latitude = %v, want 59.33", latest.Latitude)
	}
}

func TestSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")

	s, err := NewSnapshotStore(path, nil)
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}

	t.Run("empty load", func(t *testing.T) {
		loc, err := s.LoadLast()
		if err != nil {
			t.Fatalf("LoadLast: %v", err)
		}
		if loc != nil {
			t.Errorf("loc = %v, want nil before first save", loc)
		}
		saved, err := s.SavedAt()
		if err != nil {
			t.Fatalf("SavedAt: %v", err)
		}
		if !saved.IsZero() {
			t.Errorf("SavedAt = %v, want zero", saved)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		want := locAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), 39.9042, 116.4074, pkg.SourceGNSS)
		if err := s.SaveLast(want); err != nil {
			t.Fatalf("SaveLast: %v", err)
		}

		got, err := s.LoadLast()
		if err != nil {
			t.Fatalf("LoadLast: %v", err)
		}
		if got == nil || got.Latitude != want.Latitude || got.Longitude != want.Longitude {
			t.Errorf("loaded %v, want %v", got, want)
		}
		saved, err := s.SavedAt()
		if err != nil {
			t.Fatalf("SavedAt: %v", err)
		}
		if saved.IsZero() {
			t.Error("SavedAt still zero after save")
		}
	})

	t.Run("nil save rejected", func(t *testing.T) {
		if err := s.SaveLast(nil); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("persists across reopen", func(t *testing.T) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		reopened, err := NewSnapshotStore(path, nil)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer reopened.Close()

		got, err := reopened.LoadLast()
		if err != nil {
			t.Fatalf("LoadLast after reopen: %v", err)
		}
		if got == nil || got.Latitude != 39.9042 {
			t.Errorf("snapshot lost across reopen: %v", got)
		}
	})
}

func TestSnapshotStoreOverwrites(t *testing.T) {
	s, err := NewSnapshotStore(filepath.Join(t.TempDir(), "snap.db"), nil)
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		loc := locAt(time.Now(), 10+float64(i), 20, pkg.SourceGNSS)
		if err := s.SaveLast(loc); err != nil {
			t.Fatalf("SaveLast %d: %v", i, err)
		}
	}

	got, err := s.LoadLast()
	if err != nil {
		t.Fatalf("LoadLast: %v", err)
	}
	if got.Latitude != 12 {
		t.Errorf("latitude = %v, want last write 12", got.Latitude)
	}
}

func ExampleMemoryStorage() {
	store := NewMemoryStorage(100, nil)
	fix := pkg.NewFix(59.3293, 18.0686, 8, pkg.SourceGNSS)
	loc := pkg.NewCorrectedLocation(fix, "single_source")

	_ = store.Store(loc)
	latest, _ := store.Latest()
	fmt.Printf("%.4f,%.4f\n", latest.Latitude, latest.Longitude)
	// Output: 59.3293,18.0686
}
