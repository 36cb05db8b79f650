package ride

import (
	"fmt"
	"math"

	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	startFeeRate   = 0.10
	startFeeCap    = 50.0
	arrivedFeeRate = 0.20
	arrivedFeeCap  = 100.0
)

// Quote is the outcome of a cancellation check.
type Quote struct {
	Allowed bool    `json:"canCancel"`
	Fee     float64 `json:"cancellationFee"`
	Refund  float64 `json:"refund"`
	Reason  string  `json:"reason,omitempty"`
}

// ComputeFee applies the cancellation policy for an actor of role cancelling r
// in its current status. It does not check that the actor is a party.
func ComputeFee(r *models.Ride, role models.Role) Quote {
	if r.Status.Terminal() {
		return Quote{Reason: fmt.Sprintf("ride is already %s", r.Status)}
	}
	var fee float64
	switch role {
	case models.RolePatient:
		switch r.Status {
		case models.StatusStart:
			fee = math.Min(r.Fare*startFeeRate, startFeeCap)
		case models.StatusArrived:
			fee = math.Min(r.Fare*arrivedFeeRate, arrivedFeeCap)
		}
	case models.RoleDriver:
		if r.Status != models.StatusStart && r.Status != models.StatusArrived {
			return Quote{Reason: "drivers can only cancel an accepted ride"}
		}
	case models.RoleSystem:
	default:
		return Quote{Reason: fmt.Sprintf("role %s cannot cancel rides", role)}
	}
	fee = roundCents(fee)
	return Quote{Allowed: true, Fee: fee, Refund: roundCents(r.Fare - fee)}
}
