// Package geo provides the geometry and statistics kernel used by the
// correction pipeline: great-circle math, population statistics and the
// footprint overlap measure. All functions are pure and deterministic.
package geo

import "math"

// EarthRadiusM is the spherical Earth radius used by all great-circle math.
const EarthRadiusM = 6371000.0

// Distance returns the Haversine great-circle distance in meters between two
// coordinates given in degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// Bearing returns the initial great-circle bearing in degrees [0,360) from
// the first coordinate to the second.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) -
		math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLon)

	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Destination projects a point the given distance (meters) along the given
// bearing (degrees) and returns the resulting coordinate. Longitude is
// normalized into [-180,180].
func Destination(lat, lon, distanceM, bearingDeg float64) (float64, float64) {
	rLat := lat * math.Pi / 180
	rLon := lon * math.Pi / 180
	rBearing := bearingDeg * math.Pi / 180
	angular := distanceM / EarthRadiusM

	dLat := math.Asin(math.Sin(rLat)*math.Cos(angular) +
		math.Cos(rLat)*math.Sin(angular)*math.Cos(rBearing))
	dLon := rLon + math.Atan2(
		math.Sin(rBearing)*math.Sin(angular)*math.Cos(rLat),
		math.Cos(angular)-math.Sin(rLat)*math.Sin(dLat))

	outLat := dLat * 180 / math.Pi
	outLon := dLon * 180 / math.Pi
	for outLon > 180 {
		outLon -= 360
	}
	for outLon < -180 {
		outLon += 360
	}
	return outLat, outLon
}
