package geo

import (
	"math"
	"testing"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestDistance(t *testing.T) {
	t.Run("Symmetry", func(t *testing.T) {
		pairs := [][4]float64{
			{39.9042, 116.4074, 39.9100, 116.4200},
			{0, 0, 0, 0},
			{-33.8688, 151.2093, 51.5074, -0.1278},
			{89.9, 179.9, -89.9, -179.9},
		}
		for _, p := range pairs {
			ab := Distance(p[0], p[1], p[2], p[3])
			ba := Distance(p[2], p[3], p[0], p[1])
			if !near(ab, ba, 1e-9) {
				t.Errorf("Distance not symmetric: %f vs %f for %v", ab, ba, p)
			}
		}
		t.Logf("✅ Distance symmetry holds")
	})

	t.Run("ZeroForSamePoint", func(t *testing.T) {
		if d := Distance(39.9042, 116.4074, 39.9042, 116.4074); d != 0 {
			t.Errorf("Distance(same point) = %f, want 0", d)
		}
	})

	t.Run("KnownDistance", func(t *testing.T) {
		// Roughly 1 degree of latitude at the equator.
		d := Distance(0, 0, 1, 0)
		if !near(d, 111195, 100) {
			t.Errorf("1 degree latitude = %f m, want ~111195 m", d)
		}
	})
}

func TestBearing(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"DueNorth", 0, 0, 1, 0, 0},
		{"DueEast", 0, 0, 0, 1, 90},
		{"DueSouth", 1, 0, 0, 0, 180},
		{"DueWest", 0, 1, 0, 0, 270},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Bearing(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if !near(got, tc.want, 0.01) {
				t.Errorf("Bearing = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestDestination(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		lat, lon := 39.9042, 116.4074
		dLat, dLon := Destination(lat, lon, 5000, 45)
		back := Distance(lat, lon, dLat, dLon)
		if !near(back, 5000, 1) {
			t.Errorf("Destination at 5000m is %f m away", back)
		}
	})

	t.Run("LongitudeNormalized", func(t *testing.T) {
		_, lon := Destination(0, 179.9, 50000, 90)
		if lon > 180 || lon < -180 {
			t.Errorf("longitude %f not normalized into [-180,180]", lon)
		}
	})
}

func TestStats(t *testing.T) {
	t.Run("MeanEmpty", func(t *testing.T) {
		if got := Mean(nil); got != 0 {
			t.Errorf("Mean(nil) = %f, want 0", got)
		}
	})

	t.Run("MeanBasic", func(t *testing.T) {
		if got := Mean([]float64{1, 2, 3, 4}); !near(got, 2.5, 1e-12) {
			t.Errorf("Mean = %f, want 2.5", got)
		}
	})

	t.Run("StdDevTooFewSamples", func(t *testing.T) {
		if got := StdDev([]float64{5}); got != 0 {
			t.Errorf("StdDev(1 sample) = %f, want 0", got)
		}
		if got := StdDev(nil); got != 0 {
			t.Errorf("StdDev(nil) = %f, want 0", got)
		}
	})

	t.Run("StdDevPopulation", func(t *testing.T) {
		// Population stddev of {2,4,4,4,5,5,7,9} is exactly 2.
		got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
		if !near(got, 2.0, 1e-12) {
			t.Errorf("StdDev = %f, want 2.0", got)
		}
	})

	t.Run("WeightedMean", func(t *testing.T) {
		got := WeightedMean([]float64{1, 3}, []float64{3, 1})
		if !near(got, 1.5, 1e-12) {
			t.Errorf("WeightedMean = %f, want 1.5", got)
		}
	})

	t.Run("WeightedMeanZeroWeights", func(t *testing.T) {
		got := WeightedMean([]float64{1, 3}, []float64{0, 0})
		if !near(got, 2.0, 1e-12) {
			t.Errorf("WeightedMean fallback = %f, want 2.0", got)
		}
	})
}

func TestCircleOverlapRatio(t *testing.T) {
	lat, lon := 39.9042, 116.4074

	t.Run("IdenticalCircles", func(t *testing.T) {
		got := CircleOverlapRatio(lat, lon, 50, lat, lon, 50)
		if !near(got, 1.0, 1e-9) {
			t.Errorf("identical circles overlap = %f, want 1", got)
		}
	})

	t.Run("DisjointCircles", func(t *testing.T) {
		// Second center 1km east, radii 100+100 < 1000.
		lat2, lon2 := Destination(lat, lon, 1000, 90)
		got := CircleOverlapRatio(lat, lon, 100, lat2, lon2, 100)
		if got != 0 {
			t.Errorf("disjoint circles overlap = %f, want 0", got)
		}
	})

	t.Run("Containment", func(t *testing.T) {
		// Same center, r=10 inside r=20: ratio = (pi*100)/(pi*400) = 0.25.
		got := CircleOverlapRatio(lat, lon, 10, lat, lon, 20)
		if !near(got, 0.25, 1e-9) {
			t.Errorf("contained circle overlap = %f, want 0.25", got)
		}
	})

	t.Run("PartialOverlap", func(t *testing.T) {
		lat2, lon2 := Destination(lat, lon, 50, 90)
		got := CircleOverlapRatio(lat, lon, 50, lat2, lon2, 50)
		if got <= 0 || got >= 1 {
			t.Errorf("partial overlap = %f, want in (0,1)", got)
		}
	})

	t.Run("ZeroRadius", func(t *testing.T) {
		if got := CircleOverlapRatio(lat, lon, 0, lat, lon, 50); got != 0 {
			t.Errorf("zero radius overlap = %f, want 0", got)
		}
	})
}

func TestDatumTransform(t *testing.T) {
	t.Run("OutsideRegionPassThrough", func(t *testing.T) {
		lat, lon := WGS84ToGCJ02(48.8566, 2.3522)
		if lat != 48.8566 || lon != 2.3522 {
			t.Errorf("outside-region transform changed coords: %f,%f", lat, lon)
		}
	})

	t.Run("InsideRegionShifts", func(t *testing.T) {
		lat, lon := WGS84ToGCJ02(39.9042, 116.4074)
		d := Distance(39.9042, 116.4074, lat, lon)
		// The offset in Beijing is a few hundred meters.
		if d < 100 || d > 1000 {
			t.Errorf("offset distance = %f m, want a few hundred meters", d)
		}
	})

	t.Run("RoundTripApproximation", func(t *testing.T) {
		lat, lon := WGS84ToGCJ02(39.9042, 116.4074)
		backLat, backLon := GCJ02ToWGS84(lat, lon)
		d := Distance(39.9042, 116.4074, backLat, backLon)
		// First-order inverse: round trip error stays small.
		if d > 5 {
			t.Errorf("round trip error = %f m, want < 5 m", d)
		}
	})
}
