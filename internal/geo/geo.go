// Package geo holds great-circle helpers: distance, bearing, proximity
// and straight-line ETA.
package geo

import "math"

const (
	// EarthRadiusKm is the mean Earth radius used by DistanceKm.
	EarthRadiusKm = 6371.0

	// DefaultSpeedKmh is used by EtaMinutes when the reported speed is unusable.
	DefaultSpeedKmh = 40.0

	minSpeedKmh = 1e-6
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether p is a usable coordinate. NaN, infinities, values
// out of range and the (0,0) "missing" placeholder are rejected.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return false
	}
	return p.Lat != 0 || p.Lon != 0
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// DistanceKm returns the haversine distance between a and b in kilometres.
func DistanceKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// BearingDeg returns the initial bearing from a to b in [0,360).
func BearingDeg(a, b Point) float64 {
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// IsNear reports whether a and b are within thresholdKm of each other.
func IsNear(a, b Point, thresholdKm float64) bool {
	return DistanceKm(a, b) <= thresholdKm
}

// EtaMinutes returns the whole minutes needed to cover remainingKm at
// speedKmh, falling back to DefaultSpeedKmh for zero, negative or NaN speeds.
func EtaMinutes(remainingKm, speedKmh float64) int {
	return EtaMinutesWithDefault(remainingKm, speedKmh, DefaultSpeedKmh)
}

// EtaMinutesWithDefault is EtaMinutes with a caller supplied fallback speed.
func EtaMinutesWithDefault(remainingKm, speedKmh, fallbackKmh float64) int {
	if remainingKm <= 0 || math.IsNaN(remainingKm) {
		return 0
	}
	if math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0) || speedKmh <= 0 {
		speedKmh = fallbackKmh
	}
	if math.IsNaN(speedKmh) || speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return int(math.Ceil(remainingKm / math.Max(speedKmh, minSpeedKmh) * 60))
}
