package services

import (
	"stampcard-backend/models"
	"stampcard-backend/utils"
)

const DefaultGeofenceRadiusMeters = 100

type Geofence struct {
	RadiusMeters float64
}

// Check passes when no coordinates were supplied, when the merchant has no
// registered locations, or when any location is within the radius.
func (g Geofence) Check(lat, lng *float64, locations []models.Location) error {
	if lat == nil || lng == nil || len(locations) == 0 {
		return nil
	}
	radius := g.RadiusMeters
	if radius <= 0 {
		radius = DefaultGeofenceRadiusMeters
	}
	for _, loc := range locations {
		if utils.IsWithin(*lat, *lng, loc.Lat, loc.Lng, radius) {
			return nil
		}
	}
	return ErrNotNearLocation
}
