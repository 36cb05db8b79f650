package models

import "time"

type RideStatus string

const (
	StatusSearching RideStatus = "SEARCHING_FOR_RIDER"
	StatusStart     RideStatus = "START"
	StatusArrived   RideStatus = "ARRIVED"
	StatusCompleted RideStatus = "COMPLETED"
	StatusCancelled RideStatus = "CANCELLED"
)

var transitions = map[RideStatus][]RideStatus{
	StatusSearching: {StatusStart, StatusCancelled},
	StatusStart:     {StatusArrived, StatusCancelled},
	StatusArrived:   {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Place struct {
	Address string `json:"address"`
	Coord
}

type Cancellation struct {
	By          Role      `json:"cancelledBy"`
	ActorID     string    `json:"actorId,omitempty"`
	Reason      string    `json:"cancelReason"`
	Fee         float64   `json:"cancellationFee"`
	Refund      float64   `json:"refund"`
	CancelledAt time.Time `json:"cancelledAt"`
}

type HospitalRef struct {
	HospitalID       string     `json:"hospitalId,omitempty"`
	HospitalName     string     `json:"hospitalName,omitempty"`
	EstimatedArrival *time.Time `json:"estimatedArrival,omitempty"`
}

type LiveTracking struct {
	DriverLocation *Coord    `json:"driverLocation,omitempty"`
	LastUpdated    time.Time `json:"lastUpdated,omitempty"`
}

type Ride struct {
	ID                  string        `json:"id"`
	Status              RideStatus    `json:"status"`
	Vehicle             VehicleClass  `json:"vehicle"`
	Pickup              Place         `json:"pickup"`
	Drop                Place         `json:"drop"`
	Distance            float64       `json:"distance"`
	Fare                float64       `json:"fare"`
	RequesterID         string        `json:"customer"`
	DriverID            string        `json:"rider,omitempty"`
	PickupCode          string        `json:"-"`
	Emergency           *Emergency    `json:"emergency,omitempty"`
	DestinationHospital *HospitalRef  `json:"destinationHospital,omitempty"`
	LiveTracking        LiveTracking  `json:"liveTracking"`
	Cancellation        *Cancellation `json:"cancellation,omitempty"`
	Rating              *int          `json:"rating,omitempty"`
	PaymentRef          string        `json:"-"`
	RedispatchedFrom    string        `json:"redispatchedFrom,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
	StartedAt           *time.Time    `json:"startedAt,omitempty"`
	ArrivedAt           *time.Time    `json:"arrivedAt,omitempty"`
	CompletedAt         *time.Time    `json:"completedAt,omitempty"`
}

// IsParty reports whether the actor is the requester or the assigned driver.
func (r *Ride) IsParty(a Actor) bool {
	switch a.Role {
	case RolePatient:
		return r.RequesterID == a.ID
	case RoleDriver:
		return r.DriverID != "" && r.DriverID == a.ID
	case RoleHospital, RoleSystem:
		return true
	}
	return false
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.Emergency != nil {
		e := *r.Emergency
		c.Emergency = &e
	}
	if r.DestinationHospital != nil {
		h := *r.DestinationHospital
		if h.EstimatedArrival != nil {
			t := *h.EstimatedArrival
			h.EstimatedArrival = &t
		}
		c.DestinationHospital = &h
	}
	if r.LiveTracking.DriverLocation != nil {
		l := *r.LiveTracking.DriverLocation
		c.LiveTracking.DriverLocation = &l
	}
	if r.Cancellation != nil {
		x := *r.Cancellation
		c.Cancellation = &x
	}
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	c.StartedAt = cloneTime(r.StartedAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
