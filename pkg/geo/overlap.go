package geo

import "math"

// CircleOverlapRatio returns the ratio of the intersection area to the union
// area of two confidence circles, in [0,1]. Circles are given by center
// coordinates in degrees and radii in meters. Disjoint circles yield 0; one
// circle fully containing the other yields smaller/larger area, so identical
// circles yield 1.
func CircleOverlapRatio(lat1, lon1, r1, lat2, lon2, r2 float64) float64 {
	if r1 <= 0 || r2 <= 0 {
		return 0
	}

	d := Distance(lat1, lon1, lat2, lon2)

	if d >= r1+r2 {
		return 0
	}

	area1 := math.Pi * r1 * r1
	area2 := math.Pi * r2 * r2

	if d <= math.Abs(r1-r2) {
		small := math.Min(area1, area2)
		large := math.Max(area1, area2)
		return small / large
	}

	// Lens area of two intersecting circles.
	a := (r1*r1 - r2*r2 + d*d) / (2 * d)
	h := math.Sqrt(math.Max(0, r1*r1-a*a))

	seg1 := r1*r1*math.Acos(clamp(a/r1, -1, 1)) - a*h
	seg2 := r2*r2*math.Acos(clamp((d-a)/r2, -1, 1)) - (d-a)*h

	overlap := seg1 + seg2
	union := area1 + area2 - overlap
	if union <= 0 {
		return 0
	}

	ratio := overlap / union
	return clamp(ratio, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
