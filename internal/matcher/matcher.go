package matcher

import (
	"sort"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	// ZoneRadiusKm bounds "drivers near me" lists shown to requesters.
	ZoneRadiusKm = 60.0
	// EligibilityRadiusKm bounds which drivers receive an offer for a ride.
	EligibilityRadiusKm = 10.0
)

type Candidate struct {
	Driver     models.DriverPresence `json:"driver"`
	DistanceKm float64               `json:"distanceKm"`
}

// FindNearby returns the candidates within radiusKm of origin, closest first.
// Equal distances are ordered by driver id. The input slice is not modified.
func FindNearby(origin models.Coord, radiusKm float64, candidates []models.DriverPresence) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, d := range candidates {
		dist := geo.DistanceKm(origin, d.Coords)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.DriverID < out[j].Driver.DriverID
	})
	return out
}

// Eligible narrows candidates to on-duty drivers of the ride's exact vehicle
// class within radiusKm of the pickup.
func Eligible(ride *models.Ride, radiusKm float64, candidates []models.DriverPresence) []Candidate {
	filtered := make([]models.DriverPresence, 0, len(candidates))
	for _, d := range candidates {
		if !d.OnDuty || d.Vehicle != ride.Vehicle {
			continue
		}
		filtered = append(filtered, d)
	}
	return FindNearby(ride.Pickup.Coord, radiusKm, filtered)
}
