package geo

import (
	"fmt"
	"math"
	"sort"

	"github.com/example/ride-composer/internal/models"
)

// ValidCoord reports whether lat/lng are finite and inside WGS84 bounds.
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// FormatPair renders a coordinate pair as "lat, lng" with 4 decimals. It is the
// address label used whenever reverse geocoding is unavailable.
func FormatPair(lat, lng float64) string {
	return fmt.Sprintf("%.4f, %.4f", lat, lng)
}

// BoundingBox returns a square box of the given half-size in meters around c,
// as (minLng, minLat, maxLng, maxLat).
func BoundingBox(c models.Coord, radiusMeters float64) (float64, float64, float64, float64) {
	const metersPerDegree = 111320.0
	dLat := radiusMeters / metersPerDegree
	dLng := dLat
	if cos := math.Cos(c.Lat * math.Pi / 180); cos > 1e-6 {
		dLng = radiusMeters / (metersPerDegree * cos)
	}
	return c.Lng - dLng, math.Max(c.Lat-dLat, -90), c.Lng + dLng, math.Min(c.Lat+dLat, 90)
}

// SortByDistance orders suggestions nearest-first relative to near. Suggestions
// without coordinates keep their relative order after the located ones.
func SortByDistance(near models.Coord, in []models.Suggestion) {
	dist := func(s models.Suggestion) float64 {
		if s.Coordinates == nil {
			return math.Inf(1)
		}
		return Haversine(near.Lat, near.Lng, s.Coordinates.Lat, s.Coordinates.Lng)
	}
	sort.SliceStable(in, func(i, j int) bool { return dist(in[i]) < dist(in[j]) })
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
