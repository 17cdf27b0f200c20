package filter

import (
	"fmt"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/geo"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// CoordinateSystem names a geodetic datum for the converter filter.
type CoordinateSystem string

const (
	SystemWGS84 CoordinateSystem = "wgs84"
	SystemGCJ02 CoordinateSystem = "gcj02"
)

// TransformFunc converts a coordinate pair between two datums.
type TransformFunc func(lat, lon float64) (float64, float64, error)

// DatumFilter rewrites fix coordinates from one datum to another using an
// injected transform, defaulting to the built-in WGS84/GCJ02 pair. Converted
// fixes carry their datum in the coordinate_system extra. Identical source
// and target make the filter a no-op. Source, target and transform are fixed
// at construction.
type DatumFilter struct {
	baseFilter
	logger    *logx.Logger
	source    CoordinateSystem
	target    CoordinateSystem
	transform TransformFunc
}

// NewDatumFilter creates the converter. Empty datum names default to a
// WGS84 to GCJ02 conversion. When transform is nil the filter wires the
// built-in transform for the requested pair; an unknown pair without an
// injected transform passes fixes through unchanged.
func NewDatumFilter(source, target CoordinateSystem, transform TransformFunc, logger *logx.Logger) *DatumFilter {
	if logger == nil {
		logger = logx.NewLogger("info", "filter")
	}
	if source == "" {
		source = SystemWGS84
	}
	if target == "" {
		target = SystemGCJ02
	}
	if transform == nil {
		transform = builtinTransform(source, target)
	}
	return &DatumFilter{
		baseFilter: newBaseFilter("datum_filter", PriorityDatum),
		logger:     logger,
		source:     source,
		target:     target,
		transform:  transform,
	}
}

// Systems returns the configured source and target datums.
func (f *DatumFilter) Systems() (source, target CoordinateSystem) {
	return f.source, f.target
}

// Apply rewrites the coordinates when source and target differ and a
// transform is available. A transform error leaves the fix untouched; the
// chain logs and skips the step.
func (f *DatumFilter) Apply(fix *pkg.Fix) error {
	if f.source == f.target || f.transform == nil {
		return nil
	}
	lat, lon, err := f.transform(fix.Latitude, fix.Longitude)
	if err != nil {
		return fmt.Errorf("datum transform %s->%s: %w", f.source, f.target, err)
	}
	fix.Latitude = lat
	fix.Longitude = lon
	fix.SetExtra(ExtraCoordinateSystem, string(f.target))
	return nil
}

// builtinTransform returns the stock transform for the known datum pairs, or
// nil when the pair has no built-in.
func builtinTransform(source, target CoordinateSystem) TransformFunc {
	switch {
	case source == SystemWGS84 && target == SystemGCJ02:
		return func(lat, lon float64) (float64, float64, error) {
			outLat, outLon := geo.WGS84ToGCJ02(lat, lon)
			return outLat, outLon, nil
		}
	case source == SystemGCJ02 && target == SystemWGS84:
		return func(lat, lon float64) (float64, float64, error) {
			outLat, outLon := geo.GCJ02ToWGS84(lat, lon)
			return outLat, outLon, nil
		}
	}
	return nil
}
