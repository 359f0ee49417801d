package geo

import (
	"fmt"
	"math"

	"github.com/example/delivery-dispatch/internal/models"
)

const earthRadiusMeters = 6371000.0

// Distance computes the haversine great-circle distance in meters.
// NaN or out-of-range coordinates are a precondition violation and are
// rejected rather than silently mapped to 0.
func Distance(a, b models.Coord) (float64, error) {
	if err := validate(a); err != nil {
		return 0, fmt.Errorf("distance: from: %w", err)
	}
	if err := validate(b); err != nil {
		return 0, fmt.Errorf("distance: to: %w", err)
	}
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c, nil
}

// Bearing returns the initial great-circle bearing from a to b in degrees,
// normalized to [0, 360).
func Bearing(a, b models.Coord) (float64, error) {
	if err := validate(a); err != nil {
		return 0, fmt.Errorf("bearing: from: %w", err)
	}
	if err := validate(b); err != nil {
		return 0, fmt.Errorf("bearing: to: %w", err)
	}
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLon := toRad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360), nil
}

// ETAMinutes estimates travel time as ceil(distance_km / speed * 60).
// Non-positive distances return 0.
func ETAMinutes(distanceMeters, speedKmh float64) int {
	if distanceMeters <= 0 {
		return 0
	}
	if speedKmh <= 0 {
		speedKmh = 25 // conservative city speed
	}
	return int(math.Ceil(distanceMeters / 1000 / speedKmh * 60))
}

// ValidateCoord rejects NaN and out-of-range coordinates.
func ValidateCoord(c models.Coord) error { return validate(c) }

func validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return fmt.Errorf("coordinate is NaN")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %f out of range", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %f out of range", c.Lon)
	}
	return nil
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
