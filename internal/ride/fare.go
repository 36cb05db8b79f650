package ride

import (
	"math"

	"github.com/example/ambulance-dispatch/internal/models"
)

type rate struct {
	base, perKm, minimum float64
}

var defaultRates = map[models.VehicleClass]rate{
	models.VehicleBLS:  {base: 50, perKm: 15, minimum: 100},
	models.VehicleALS:  {base: 80, perKm: 20, minimum: 150},
	models.VehicleCCS:  {base: 120, perKm: 30, minimum: 200},
	models.VehicleAuto: {base: 40, perKm: 12, minimum: 80},
	models.VehicleBike: {base: 30, perKm: 10, minimum: 60},
}

// Fare prices a trip of distanceKm. A hospital formula overrides the default
// rate for every field it sets.
func Fare(v models.VehicleClass, distanceKm float64, formula *models.FareFormula) float64 {
	r, ok := defaultRates[v]
	if !ok {
		r = defaultRates[models.VehicleBLS]
	}
	if formula != nil {
		if formula.BaseFare > 0 {
			r.base = formula.BaseFare
		}
		if formula.PerKmRate > 0 {
			r.perKm = formula.PerKmRate
		}
		if formula.MinimumFare > 0 {
			r.minimum = formula.MinimumFare
		}
	}
	return roundCents(math.Max(r.base+distanceKm*r.perKm, r.minimum))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
