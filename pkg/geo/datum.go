package geo

import "math"

// Offset transform between WGS84 and the GCJ02 local datum using the standard
// sin-series perturbation model. Coordinates outside the offset region pass
// through unchanged.

const (
	datumA  = 6378245.0
	datumEE = 0.00669342162296594323
)

// InOffsetRegion reports whether the coordinate lies inside the region where
// the GCJ02 offset applies.
func InOffsetRegion(lat, lon float64) bool {
	return lat >= 0.8293 && lat <= 55.8271 &&
		lon >= 73.4976 && lon <= 135.0841
}

// WGS84ToGCJ02 converts a WGS84 coordinate to GCJ02.
func WGS84ToGCJ02(lat, lon float64) (float64, float64) {
	if !InOffsetRegion(lat, lon) {
		return lat, lon
	}
	dLat, dLon := datumOffset(lat, lon)
	return lat + dLat, lon + dLon
}

// GCJ02ToWGS84 converts a GCJ02 coordinate back to WGS84 using the
// first-order inverse of the offset model.
func GCJ02ToWGS84(lat, lon float64) (float64, float64) {
	if !InOffsetRegion(lat, lon) {
		return lat, lon
	}
	dLat, dLon := datumOffset(lat, lon)
	return lat - dLat, lon - dLon
}

func datumOffset(lat, lon float64) (float64, float64) {
	dLat := transformLat(lon-105.0, lat-35.0)
	dLon := transformLon(lon-105.0, lat-35.0)

	radLat := lat / 180.0 * math.Pi
	magic := math.Sin(radLat)
	magic = 1 - datumEE*magic*magic
	sqrtMagic := math.Sqrt(magic)

	dLat = (dLat * 180.0) / ((datumA * (1 - datumEE)) / (magic * sqrtMagic) * math.Pi)
	dLon = (dLon * 180.0) / (datumA / sqrtMagic * math.Cos(radLat) * math.Pi)
	return dLat, dLon
}

func transformLat(x, y float64) float64 {
	ret := -100.0 + 2.0*x + 3.0*y + 0.2*y*y + 0.1*x*y + 0.2*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(y*math.Pi) + 40.0*math.Sin(y/3.0*math.Pi)) * 2.0 / 3.0
	ret += (160.0*math.Sin(y/12.0*math.Pi) + 320*math.Sin(y*math.Pi/30.0)) * 2.0 / 3.0
	return ret
}

func transformLon(x, y float64) float64 {
	ret := 300.0 + x + 2.0*y + 0.1*x*x + 0.1*x*y + 0.1*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(x*math.Pi) + 40.0*math.Sin(x/3.0*math.Pi)) * 2.0 / 3.0
	ret += (150.0*math.Sin(x/12.0*math.Pi) + 300.0*math.Sin(x/30.0*math.Pi)) * 2.0 / 3.0
	return ret
}
