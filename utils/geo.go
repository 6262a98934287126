package utils

import "math"

const (
	earthRadiusMiles  = 3958.8
	earthRadiusMeters = 6371000.0
)

func haversine(lat1, lng1, lat2, lng2, radius float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return radius * c
}

// Haversine returns the great-circle distance in miles.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	return haversine(lat1, lng1, lat2, lng2, earthRadiusMiles)
}

// DistanceMeters returns the great-circle distance in meters.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	return haversine(lat1, lng1, lat2, lng2, earthRadiusMeters)
}

// IsWithin reports whether (lat, lng) lies within maxMeters of the target.
func IsWithin(lat, lng, targetLat, targetLng, maxMeters float64) bool {
	return DistanceMeters(lat, lng, targetLat, targetLng) <= maxMeters
}
