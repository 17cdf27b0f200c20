package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"googlemaps.github.io/maps"
)

// DefaultObservationsPath is where the platform's scan agent drops the
// current radio environment.
const DefaultObservationsPath = "/tmp/geofix-observations.json"

// observationsFile is the on-disk scan format. An external agent (iwinfo,
// wpa_cli, modem AT polling) refreshes it on its own schedule; the daemon only
// reads.
type observationsFile struct {
	ScannedAt time.Time `json:"scanned_at"`
	WiFi      []struct {
		BSSID   string  `json:"bssid"`
		Signal  float64 `json:"signal"`
		Channel int     `json:"channel"`
	} `json:"wifi"`
	Cells []struct {
		CellID int     `json:"cell_id"`
		LAC    int     `json:"lac"`
		MCC    int     `json:"mcc"`
		MNC    int     `json:"mnc"`
		Signal float64 `json:"signal"`
	} `json:"cells"`
}

// FileScanner reads radio observations from a JSON file maintained by the
// platform's scan agent. Scans older than MaxAge are treated as no
// environment, so a dead agent cannot pin the position to the last place the
// device was scanned.
type FileScanner struct {
	Path   string
	MaxAge time.Duration
}

var _ ObservationScanner = (*FileScanner)(nil)

// NewFileScanner creates a scanner for the given observations file. A zero
// maxAge accepts scans of any age.
func NewFileScanner(path string, maxAge time.Duration) *FileScanner {
	if path == "" {
		path = DefaultObservationsPath
	}
	return &FileScanner{Path: path, MaxAge: maxAge}
}

// Scan reads the observations file. A missing file means no environment, not
// an error, so the source idles quietly until the agent produces data.
func (f *FileScanner) Scan(ctx context.Context) (*Observations, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read observations file: %w", err)
	}

	var file observationsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse observations file: %w", err)
	}

	if f.MaxAge > 0 && !file.ScannedAt.IsZero() && time.Since(file.ScannedAt) > f.MaxAge {
		return nil, nil
	}

	obs := &Observations{}
	for _, ap := range file.WiFi {
		if ap.BSSID == "" {
			continue
		}
		obs.WiFiAccessPoints = append(obs.WiFiAccessPoints, maps.WiFiAccessPoint{
			MACAddress:     ap.BSSID,
			SignalStrength: ap.Signal,
			Channel:        ap.Channel,
		})
	}
	for _, cell := range file.Cells {
		if cell.CellID == 0 {
			continue
		}
		obs.CellTowers = append(obs.CellTowers, maps.CellTower{
			CellID:            cell.CellID,
			LocationAreaCode:  cell.LAC,
			MobileCountryCode: cell.MCC,
			MobileNetworkCode: cell.MNC,
			SignalStrength:    int(cell.Signal),
		})
	}
	return obs, nil
}
