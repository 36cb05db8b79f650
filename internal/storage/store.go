package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusMismatch means a conditional write found a different status.
	ErrStatusMismatch = errors.New("ride status changed")
	// ErrRetired is returned for rides removed by DeleteIfStatus. It also
	// matches ErrNotFound.
	ErrRetired = fmt.Errorf("%w: ride retired", ErrNotFound)
)

// Mutator edits a ride inside a conditional write. Returning an error aborts
// the write and leaves the stored ride unchanged.
type Mutator func(r *models.Ride) error

// RideStore persists rides. Implementations must apply UpdateIfStatus and
// DeleteIfStatus atomically per ride.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateIfStatus applies mutate only when the ride's current status equals
	// expected, and returns the committed ride.
	UpdateIfStatus(ctx context.Context, id string, expected models.RideStatus, mutate Mutator) (*models.Ride, error)
	// UpdateRide is a plain field update without a status guard.
	UpdateRide(ctx context.Context, id string, mutate Mutator) (*models.Ride, error)
	// DeleteIfStatus removes the ride when its status equals expected. Later
	// lookups of the id fail with ErrRetired.
	DeleteIfStatus(ctx context.Context, id string, expected models.RideStatus) error
	ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error)
}

type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	SaveDriver(ctx context.Context, d *models.Driver) error
}

// RideFilter selects rides; zero fields match everything.
type RideFilter struct {
	PartyID      string // requester or assigned driver
	Status       models.RideStatus
	Vehicle      models.VehicleClass
	CreatedAfter time.Time
}

func (f RideFilter) match(r *models.Ride) bool {
	if f.PartyID != "" && r.RequesterID != f.PartyID && r.DriverID != f.PartyID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Vehicle != "" && r.Vehicle != f.Vehicle {
		return false
	}
	if !f.CreatedAfter.IsZero() && r.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	return true
}
