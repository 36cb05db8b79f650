package matcher

import (
	"sort"

	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	exactMatchScore   = 100
	relatedMatchScore = 25
	generalistScore   = 20

	// RecommendThreshold marks a ride as recommended for the driver.
	RecommendThreshold = 50
)

var relatedSpecializations = map[models.EmergencyType][]models.EmergencyType{
	models.EmergencyCardiac:      {models.EmergencyGeneral, models.EmergencyRespiratory},
	models.EmergencyTrauma:       {models.EmergencyGeneral, models.EmergencyBurns},
	models.EmergencyRespiratory:  {models.EmergencyCardiac, models.EmergencyGeneral},
	models.EmergencyNeurological: {models.EmergencyGeneral, models.EmergencyTrauma},
	models.EmergencyPediatric:    {models.EmergencyGeneral, models.EmergencyRespiratory, models.EmergencyTrauma},
	models.EmergencyObstetric:    {models.EmergencyGeneral},
	models.EmergencyPsychiatric:  {models.EmergencyGeneral},
	models.EmergencyBurns:        {models.EmergencyTrauma, models.EmergencyGeneral},
	models.EmergencyPoisoning:    {models.EmergencyGeneral, models.EmergencyRespiratory},
	models.EmergencyGeneral:      {models.EmergencyCardiac, models.EmergencyTrauma, models.EmergencyRespiratory},
}

var priorityBonus = map[models.Priority]int{
	models.PriorityCritical: 50,
	models.PriorityHigh:     30,
	models.PriorityMedium:   15,
	models.PriorityLow:      5,
}

type Score struct {
	Compatibility  int  `json:"compatibilityScore"`
	Total          int  `json:"score"`
	Recommended    bool `json:"isRecommended"`
	EmergencyMatch bool `json:"emergencyMatch"`
}

// ScoreRide rates how well a driver's specializations fit a ride's emergency.
func ScoreRide(specs []models.EmergencyType, e *models.Emergency) Score {
	var compat, bonus int
	if e != nil && e.Type != "" {
		if models.HasSpecialization(specs, e.Type) {
			compat += exactMatchScore
		}
		for _, rel := range relatedSpecializations[e.Type] {
			if models.HasSpecialization(specs, rel) {
				compat += relatedMatchScore
			}
		}
		bonus = priorityBonus[e.Priority]
	}
	if models.HasSpecialization(specs, models.EmergencyGeneral) {
		compat += generalistScore
	}
	total := compat + bonus
	return Score{
		Compatibility:  compat,
		Total:          total,
		Recommended:    total >= RecommendThreshold,
		EmergencyMatch: compat >= exactMatchScore,
	}
}

type RankedRide struct {
	Ride  *models.Ride `json:"ride"`
	Score Score        `json:"match"`
}

// RankRides orders rides for a driver by score, newest first on ties. A driver
// without specializations gets the rides newest first with zero scores.
func RankRides(specs []models.EmergencyType, rides []*models.Ride) []RankedRide {
	out := make([]RankedRide, len(rides))
	for i, r := range rides {
		out[i] = RankedRide{Ride: r}
		if len(specs) > 0 {
			out[i].Score = ScoreRide(specs, r.Emergency)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total > out[j].Score.Total
		}
		return out[i].Ride.CreatedAt.After(out[j].Ride.CreatedAt)
	})
	return out
}

var recommendedVehicle = map[models.EmergencyType]map[models.Priority]models.VehicleClass{
	models.EmergencyCardiac:      {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyTrauma:       {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyRespiratory:  {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyNeurological: {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyPediatric:    {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyObstetric:    {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyPsychiatric:  {models.PriorityCritical: models.VehicleALS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleBLS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyBurns:        {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyPoisoning:    {models.PriorityCritical: models.VehicleCCS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleALS, models.PriorityLow: models.VehicleBLS},
	models.EmergencyGeneral:      {models.PriorityCritical: models.VehicleALS, models.PriorityHigh: models.VehicleALS, models.PriorityMedium: models.VehicleBLS, models.PriorityLow: models.VehicleBLS},
}

type Recommendation struct {
	Primary      models.VehicleClass   `json:"primary"`
	Alternatives []models.VehicleClass `json:"alternatives"`
}

// RecommendVehicle suggests a vehicle class for an emergency. Compact urban
// units are always offered as alternatives for congested areas.
func RecommendVehicle(e *models.Emergency) Recommendation {
	rec := Recommendation{Primary: models.VehicleBLS, Alternatives: []models.VehicleClass{models.VehicleAuto, models.VehicleBike}}
	if e == nil {
		return rec
	}
	byPriority, ok := recommendedVehicle[e.Type]
	if !ok {
		if e.Priority == models.PriorityCritical {
			rec.Primary = models.VehicleALS
		}
		return rec
	}
	if v, ok := byPriority[e.Priority]; ok {
		rec.Primary = v
	}
	return rec
}
