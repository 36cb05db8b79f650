// Package ride owns the ride lifecycle: creation, the assignment guard,
// pickup verification, completion, rating and cancellation.
package ride

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// Publisher delivers an event to every subscriber of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel, name string, payload any) int
}

// SearchController drives dispatch sessions for searching rides.
type SearchController interface {
	Start(ctx context.Context, rideID string, requester models.Actor) error
	Accepted(rideID string)
	Cancelled(rideID string)
}

// Settler moves money for a ride. Amounts are in major currency units.
type Settler interface {
	Hold(ctx context.Context, amount float64, rideID string) (string, error)
	Capture(ctx context.Context, ref string, amount float64) error
	Release(ctx context.Context, ref string) error
}

// PresenceReader looks up a driver's live presence.
type PresenceReader interface {
	Get(driverID string) (models.DriverPresence, bool)
}

type Config struct {
	CodeTTL                  time.Duration
	PickupRadiusM            float64
	MaxVerifyAttempts        int
	VerifyWindow             time.Duration
	EligibilityRadiusKm      float64
	AvailableWindow          time.Duration
	RedispatchOnDriverCancel bool
}

func DefaultConfig() Config {
	return Config{
		CodeTTL:                  10 * time.Minute,
		PickupRadiusM:            100,
		MaxVerifyAttempts:        5,
		VerifyWindow:             10 * time.Minute,
		EligibilityRadiusKm:      matcher.EligibilityRadiusKm,
		AvailableWindow:          10 * time.Minute,
		RedispatchOnDriverCancel: true,
	}
}

type Service struct {
	rides    storage.RideStore
	drivers  storage.DriverStore
	bus      Publisher
	presence PresenceReader
	search   SearchController
	settler  Settler
	limiter  Limiter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithPresence(p PresenceReader) Option { return func(s *Service) { s.presence = p } }
func WithSettler(st Settler) Option { return func(s *Service) { s.settler = st } }
func WithLimiter(l Limiter) Option { return func(s *Service) { s.limiter = l } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(rides storage.RideStore, drivers storage.DriverStore, bus Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		rides:   rides,
		drivers: drivers,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = NewMemoryLimiter(cfg.MaxVerifyAttempts, cfg.VerifyWindow)
	}
	return s
}

// SetSearchController attaches the dispatch manager. It is set after
// construction because the manager itself depends on the service.
func (s *Service) SetSearchController(c SearchController) { s.search = c }

type CreateRequest struct {
	Vehicle             models.VehicleClass `json:"vehicle"`
	Pickup              models.Place        `json:"pickup"`
	Drop                models.Place        `json:"drop"`
	Emergency           *models.Emergency   `json:"emergency,omitempty"`
	DestinationHospital *models.HospitalRef `json:"destinationHospital,omitempty"`
}

func (r CreateRequest) Validate() error {
	if !r.Vehicle.Valid() {
		_, err := models.ParseVehicleClass(string(r.Vehicle))
		return err
	}
	if r.Pickup.Address == "" || r.Drop.Address == "" {
		return fmt.Errorf("%w: pickup and drop addresses are required", models.ErrValidation)
	}
	if !r.Pickup.Valid() || !r.Drop.Valid() {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	return r.Emergency.Validate()
}

type Created struct {
	Ride        *models.Ride           `json:"ride"`
	PickupCode  string                 `json:"pickupCode"`
	Recommended matcher.Recommendation `json:"recommendedVehicle"`
}

// Create stores a new searching ride for a patient.
func (s *Service) Create(ctx context.Context, actor models.Actor, req CreateRequest) (*Created, error) {
	if err := actor.Require(models.RolePatient); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	code, err := NewPickupCode()
	if err != nil {
		return nil, err
	}
	now := s.now()
	distance := geo.DistanceKm(req.Pickup.Coord, req.Drop.Coord)
	r := &models.Ride{
		ID:                  uuid.NewString(),
		Status:              models.StatusSearching,
		Vehicle:             req.Vehicle,
		Pickup:              req.Pickup,
		Drop:                req.Drop,
		Distance:            roundCents(distance),
		Fare:                Fare(req.Vehicle, distance, nil),
		RequesterID:         actor.ID,
		PickupCode:          code,
		Emergency:           req.Emergency,
		DestinationHospital: req.DestinationHospital,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.rides.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	s.logger.Info("ride created", "ride_id", r.ID, "vehicle", r.Vehicle, "fare", r.Fare)
	return &Created{Ride: r, PickupCode: code, Recommended: matcher.RecommendVehicle(req.Emergency)}, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.rides.GetRide(ctx, id)
	if errors.Is(err, storage.ErrRetired) {
		return nil, fmt.Errorf("%w: ride %s: %w", models.ErrNotFound, id, storage.ErrRetired)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", id, err)
	}
	return r, nil
}

// Get returns a ride visible to actor. Drivers may view rides still searching.
func (s *Service) Get(ctx context.Context, id string, actor models.Actor) (*models.Ride, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.IsParty(actor) || (actor.Role == models.RoleDriver && r.Status == models.StatusSearching) {
		return r, nil
	}
	return nil, fmt.Errorf("%w: not a party to ride %s", models.ErrForbidden, id)
}

func (s *Service) ListMine(ctx context.Context, actor models.Actor, status models.RideStatus) ([]*models.Ride, error) {
	if status != "" && !validStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	return s.rides.ListRides(ctx, storage.RideFilter{PartyID: actor.ID, Status: status})
}

// Available lists searching rides an on-duty driver could take, best match
// first.
func (s *Service) Available(ctx context.Context, actor models.Actor) ([]matcher.RankedRide, error) {
	if err := actor.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	if s.presence == nil {
		return nil, fmt.Errorf("%w: driver %s is not on duty", models.ErrValidation, actor.ID)
	}
	p, ok := s.presence.Get(actor.ID)
	if !ok {
		return nil, fmt.Errorf("%w: driver %s is not on duty", models.ErrValidation, actor.ID)
	}
	rides, err := s.rides.ListRides(ctx, storage.RideFilter{
		Status:       models.StatusSearching,
		Vehicle:      p.Vehicle,
		CreatedAfter: s.now().Add(-s.cfg.AvailableWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("list available rides: %w", err)
	}
	near := rides[:0]
	for _, r := range rides {
		if geo.DistanceKm(p.Coords, r.Pickup.Coord) <= s.cfg.EligibilityRadiusKm {
			near = append(near, r)
		}
	}
	return matcher.RankRides(p.Specializations, near), nil
}

// Accept assigns the ride to the calling driver. The status guard in the store
// is the only serialization point: exactly one concurrent accept commits.
func (s *Service) Accept(ctx context.Context, rideID string, actor models.Actor) (*models.Ride, error) {
	if err := actor.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	current, err := s.load(ctx, rideID)
	if errors.Is(err, storage.ErrRetired) {
		observability.AcceptConflicts.Inc()
		return nil, fmt.Errorf("%w: ride %s expired before it was accepted", models.ErrConflict, rideID)
	}
	if err != nil {
		return nil, err
	}
	vehicle, formula, err := s.driverVehicle(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if vehicle != current.Vehicle {
		return nil, fmt.Errorf("%w: ride requires a %s vehicle", models.ErrForbidden, current.Vehicle)
	}

	now := s.now()
	updated, err := s.rides.UpdateIfStatus(ctx, rideID, models.StatusSearching, func(r *models.Ride) error {
		r.DriverID = actor.ID
		r.Status = models.StatusStart
		r.StartedAt = &now
		r.UpdatedAt = now
		if formula != nil {
			r.Fare = Fare(r.Vehicle, r.Distance, formula)
		}
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrStatusMismatch):
		observability.AcceptConflicts.Inc()
		return nil, fmt.Errorf("%w: ride %s is no longer available", models.ErrConflict, rideID)
	case errors.Is(err, storage.ErrNotFound):
		observability.AcceptConflicts.Inc()
		return nil, fmt.Errorf("%w: ride %s is no longer available", models.ErrConflict, rideID)
	case err != nil:
		return nil, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
	observability.AcceptsTotal.Inc()
	s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", actor.ID, "fare", updated.Fare)

	if s.search != nil {
		s.search.Accepted(rideID)
	}
	ch := events.RideChannel(rideID)
	s.bus.Publish(ctx, ch, events.RideUpdate, updated)
	s.bus.Publish(ctx, ch, events.RideAccepted, updated)

	if ref := s.hold(ctx, updated); ref != "" {
		updated.PaymentRef = ref
	}
	return updated, nil
}

func (s *Service) driverVehicle(ctx context.Context, driverID string) (models.VehicleClass, *models.FareFormula, error) {
	d, err := s.drivers.GetDriver(ctx, driverID)
	if err == nil {
		var formula *models.FareFormula
		if d.Affiliation != nil {
			formula = d.Affiliation.FareFormula
		}
		return d.Vehicle, formula, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", nil, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	if s.presence != nil {
		if p, ok := s.presence.Get(driverID); ok {
			return p.Vehicle, nil, nil
		}
	}
	return "", nil, fmt.Errorf("%w: unknown driver %s", models.ErrForbidden, driverID)
}

// UpdateStatus handles the explicit driver transitions. Only completion is
// accepted here; arrival goes through VerifyPickup.
func (s *Service) UpdateStatus(ctx context.Context, rideID string, actor models.Actor, to models.RideStatus) (*models.Ride, error) {
	if err := actor.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	if to == models.StatusArrived {
		return nil, fmt.Errorf("%w: arrival requires pickup verification", models.ErrValidation)
	}
	if to == models.StatusCancelled {
		return nil, fmt.Errorf("%w: use the cancel operation", models.ErrValidation)
	}
	if !validStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, to)
	}
	current, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.DriverID != actor.ID {
		return nil, fmt.Errorf("%w: ride %s is not assigned to you", models.ErrForbidden, rideID)
	}
	if !models.CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: cannot move ride from %s to %s", models.ErrValidation, current.Status, to)
	}
	now := s.now()
	updated, err := s.rides.UpdateIfStatus(ctx, rideID, current.Status, func(r *models.Ride) error {
		r.Status = to
		r.UpdatedAt = now
		if to == models.StatusCompleted {
			r.CompletedAt = &now
		}
		return nil
	})
	if errors.Is(err, storage.ErrStatusMismatch) {
		return nil, fmt.Errorf("%w: ride %s changed status", models.ErrConflict, rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("update ride %s: %w", rideID, err)
	}
	s.logger.Info("ride status updated", "ride_id", rideID, "status", to)
	s.bus.Publish(ctx, events.RideChannel(rideID), events.RideUpdate, updated)
	if to == models.StatusCompleted && s.settler != nil && updated.PaymentRef != "" {
		if err := s.settler.Capture(ctx, updated.PaymentRef, updated.Fare); err != nil {
			s.logger.Error("payment capture failed", "ride_id", rideID, "error", err)
		}
	}
	return updated, nil
}

// VerifyPickup moves a started ride to ARRIVED once the driver proves presence
// with the requester's code.
func (s *Service) VerifyPickup(ctx context.Context, rideID string, actor models.Actor, code string, at models.Coord) (*models.Ride, error) {
	if err := actor.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	if code == "" || !at.Valid() {
		return nil, fmt.Errorf("%w: pickup code and valid coordinates are required", models.ErrValidation)
	}
	now := s.now()
	ok, err := s.limiter.Allow(ctx, "pickup:"+rideID, now)
	if err != nil {
		return nil, fmt.Errorf("verify pickup %s: %w", rideID, err)
	}
	if !ok {
		observability.PickupVerifications.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("%w: too many verification attempts, try again later", models.ErrRateLimited)
	}

	current, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusStart {
		return nil, s.rejectPickup("wrong_status", fmt.Errorf("%w: ride is %s, not awaiting pickup", models.ErrValidation, current.Status))
	}
	if current.DriverID != actor.ID {
		return nil, s.rejectPickup("forbidden", fmt.Errorf("%w: ride %s is not assigned to you", models.ErrForbidden, rideID))
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(current.PickupCode)) != 1 {
		return nil, s.rejectPickup("bad_code", fmt.Errorf("%w: invalid pickup code", models.ErrValidation))
	}
	if current.StartedAt == nil || now.Sub(*current.StartedAt) > s.cfg.CodeTTL {
		observability.PickupVerifications.WithLabelValues("expired").Inc()
		if _, err := s.cancelFrom(ctx, current, models.SystemActor, "pickup code expired"); err != nil && !errors.Is(err, models.ErrConflict) {
			s.logger.Error("expire ride failed", "ride_id", rideID, "error", err)
		}
		return nil, fmt.Errorf("%w: pickup code expired", models.ErrExpired)
	}
	if d := geo.DistanceM(at, current.Pickup.Coord); d > s.cfg.PickupRadiusM {
		return nil, s.rejectPickup("too_far", fmt.Errorf("%w: driver is %.0f m from pickup, must be within %.0f m", models.ErrValidation, d, s.cfg.PickupRadiusM))
	}

	loc := at
	updated, err := s.rides.UpdateIfStatus(ctx, rideID, models.StatusStart, func(r *models.Ride) error {
		if r.DriverID != actor.ID {
			return fmt.Errorf("%w: ride %s is not assigned to you", models.ErrForbidden, rideID)
		}
		r.Status = models.StatusArrived
		r.ArrivedAt = &now
		r.UpdatedAt = now
		r.LiveTracking = models.LiveTracking{DriverLocation: &loc, LastUpdated: now}
		return nil
	})
	if errors.Is(err, storage.ErrStatusMismatch) {
		return nil, fmt.Errorf("%w: ride %s changed status", models.ErrConflict, rideID)
	}
	if err != nil {
		return nil, err
	}
	observability.PickupVerifications.WithLabelValues("ok").Inc()
	s.logger.Info("pickup verified", "ride_id", rideID, "driver_id", actor.ID)
	s.bus.Publish(ctx, events.RideChannel(rideID), events.RideUpdate, updated)
	return updated, nil
}

func (s *Service) rejectPickup(outcome string, err error) error {
	observability.PickupVerifications.WithLabelValues(outcome).Inc()
	return err
}

// Rate records the requester's rating of a completed ride, once.
func (s *Service) Rate(ctx context.Context, rideID string, actor models.Actor, rating int) (*models.Ride, error) {
	if err := actor.Require(models.RolePatient); err != nil {
		return nil, err
	}
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrValidation)
	}
	current, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.RequesterID != actor.ID {
		return nil, fmt.Errorf("%w: only the requester can rate ride %s", models.ErrForbidden, rideID)
	}
	updated, err := s.rides.UpdateIfStatus(ctx, rideID, models.StatusCompleted, func(r *models.Ride) error {
		if r.Rating != nil {
			return fmt.Errorf("%w: ride %s is already rated", models.ErrConflict, rideID)
		}
		v := rating
		r.Rating = &v
		r.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, storage.ErrStatusMismatch) {
		return nil, fmt.Errorf("%w: only completed rides can be rated", models.ErrValidation)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CanCancel quotes a cancellation without changing the ride.
func (s *Service) CanCancel(ctx context.Context, rideID string, actor models.Actor) (Quote, error) {
	r, err := s.load(ctx, rideID)
	if err != nil {
		return Quote{}, err
	}
	if !r.IsParty(actor) {
		return Quote{}, fmt.Errorf("%w: not a party to ride %s", models.ErrForbidden, rideID)
	}
	return ComputeFee(r, actor.Role), nil
}

const cancelRetries = 3

// Cancel cancels a ride on behalf of actor. The write is conditional on the
// status the fee was quoted for and retried if the ride moved in between.
func (s *Service) Cancel(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.Ride, error) {
	if err := actor.Require(models.RolePatient, models.RoleDriver, models.RoleSystem); err != nil {
		return nil, err
	}
	for i := 0; i < cancelRetries; i++ {
		current, err := s.load(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if !current.IsParty(actor) {
			return nil, fmt.Errorf("%w: not a party to ride %s", models.ErrForbidden, rideID)
		}
		updated, err := s.cancelFrom(ctx, current, actor, reason)
		if errors.Is(err, storage.ErrStatusMismatch) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("%w: ride %s kept changing, retry", models.ErrConflict, rideID)
}

// CancelSearch cancels a ride only while it is still searching, with no fee.
// It reports false when the ride already left the searching state.
func (s *Service) CancelSearch(ctx context.Context, rideID string, actor models.Actor, reason string) (bool, error) {
	current, err := s.load(ctx, rideID)
	if err != nil {
		return false, err
	}
	if current.Status != models.StatusSearching {
		return false, nil
	}
	if !current.IsParty(actor) {
		return false, fmt.Errorf("%w: not a party to ride %s", models.ErrForbidden, rideID)
	}
	_, err = s.cancelFrom(ctx, current, actor, reason)
	if errors.Is(err, storage.ErrStatusMismatch) {
		return false, nil
	}
	return err == nil, err
}

// cancelFrom writes the cancellation record if the ride is still in the
// status observed in current. It returns storage.ErrStatusMismatch when it
// is not, so callers can decide whether to retry.
func (s *Service) cancelFrom(ctx context.Context, current *models.Ride, actor models.Actor, reason string) (*models.Ride, error) {
	q := ComputeFee(current, actor.Role)
	if !q.Allowed {
		if current.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s", models.ErrConflict, q.Reason)
		}
		return nil, fmt.Errorf("%w: %s", models.ErrValidation, q.Reason)
	}
	if actor.Role == models.RoleDriver && current.DriverID != actor.ID {
		return nil, fmt.Errorf("%w: ride %s is not assigned to you", models.ErrForbidden, current.ID)
	}
	if reason == "" {
		reason = "cancelled by " + string(actor.Role)
	}
	now := s.now()
	updated, err := s.rides.UpdateIfStatus(ctx, current.ID, current.Status, func(r *models.Ride) error {
		if r.Cancellation != nil {
			return fmt.Errorf("%w: ride %s is already cancelled", models.ErrConflict, r.ID)
		}
		r.Status = models.StatusCancelled
		r.UpdatedAt = now
		r.Cancellation = &models.Cancellation{
			By:          actor.Role,
			ActorID:     actor.ID,
			Reason:      reason,
			Fee:         q.Fee,
			Refund:      q.Refund,
			CancelledAt: now,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, current.ID)
		}
		return nil, err
	}
	observability.Cancellations.WithLabelValues(string(actor.Role)).Inc()
	s.logger.Info("ride cancelled", "ride_id", updated.ID, "by", actor.Role, "fee", q.Fee, "from_status", current.Status)
	s.afterCancel(ctx, current.Status, updated, actor)
	return updated, nil
}

type cancelNotice struct {
	RideID       string               `json:"rideId"`
	Cancellation *models.Cancellation `json:"cancellation"`
	NewRideID    string               `json:"newRideId,omitempty"`
	PickupCode   string               `json:"pickupCode,omitempty"`
}

func (s *Service) afterCancel(ctx context.Context, from models.RideStatus, r *models.Ride, actor models.Actor) {
	if from == models.StatusSearching && s.search != nil {
		s.search.Cancelled(r.ID)
	}
	notice := cancelNotice{RideID: r.ID, Cancellation: r.Cancellation}
	s.bus.Publish(ctx, events.RideChannel(r.ID), events.RideCanceled, notice)

	switch actor.Role {
	case models.RoleDriver:
		if s.cfg.RedispatchOnDriverCancel {
			if next, err := s.redispatch(ctx, r); err != nil {
				s.logger.Error("redispatch failed", "ride_id", r.ID, "error", err)
			} else {
				notice.NewRideID = next.ID
				notice.PickupCode = next.PickupCode
			}
		}
		s.bus.Publish(ctx, events.UserChannel(r.RequesterID), events.RideCancelledByDriver, notice)
		s.bus.Publish(ctx, events.UserChannel(actor.ID), events.RideCancelledSuccess, cancelNotice{RideID: r.ID, Cancellation: r.Cancellation})
	case models.RolePatient:
		s.bus.Publish(ctx, events.UserChannel(r.RequesterID), events.RideCancelledSuccess, notice)
		if r.DriverID != "" {
			s.bus.Publish(ctx, events.UserChannel(r.DriverID), events.RideCanceled, notice)
		}
	default:
		s.bus.Publish(ctx, events.UserChannel(r.RequesterID), events.RideCanceled, notice)
		if r.DriverID != "" {
			s.bus.Publish(ctx, events.UserChannel(r.DriverID), events.RideCanceled, notice)
		}
	}
	s.settle(ctx, r)
}

// redispatch opens a fresh searching ride for the same trip after a driver
// backed out. The cancelled ride keeps its record.
func (s *Service) redispatch(ctx context.Context, cancelled *models.Ride) (*models.Ride, error) {
	code, err := NewPickupCode()
	if err != nil {
		return nil, err
	}
	now := s.now()
	prev := cancelled.Clone()
	next := &models.Ride{
		ID:                  uuid.NewString(),
		Status:              models.StatusSearching,
		Vehicle:             cancelled.Vehicle,
		Pickup:              cancelled.Pickup,
		Drop:                cancelled.Drop,
		Distance:            cancelled.Distance,
		Fare:                Fare(cancelled.Vehicle, cancelled.Distance, nil),
		RequesterID:         cancelled.RequesterID,
		PickupCode:          code,
		RedispatchedFrom:    cancelled.ID,
		Emergency:           prev.Emergency,
		DestinationHospital: prev.DestinationHospital,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.rides.CreateRide(ctx, next); err != nil {
		return nil, fmt.Errorf("create redispatched ride: %w", err)
	}
	s.logger.Info("ride redispatched", "ride_id", next.ID, "previous_ride_id", cancelled.ID)
	if s.search != nil {
		requester := models.Actor{ID: next.RequesterID, Role: models.RolePatient}
		if err := s.search.Start(ctx, next.ID, requester); err != nil {
			return next, fmt.Errorf("start search for %s: %w", next.ID, err)
		}
	}
	return next, nil
}

// ExpireSearch retires a ride whose search ran out of attempts. It reports
// whether this call removed it.
func (s *Service) ExpireSearch(ctx context.Context, rideID string) (bool, error) {
	err := s.rides.DeleteIfStatus(ctx, rideID, models.StatusSearching)
	switch {
	case err == nil:
		s.logger.Info("ride search expired", "ride_id", rideID)
		return true, nil
	case errors.Is(err, storage.ErrStatusMismatch), errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("expire ride %s: %w", rideID, err)
	}
}

func (s *Service) hold(ctx context.Context, r *models.Ride) string {
	if s.settler == nil {
		return ""
	}
	ref, err := s.settler.Hold(ctx, r.Fare, r.ID)
	if err != nil {
		s.logger.Error("payment hold failed", "ride_id", r.ID, "error", err)
		return ""
	}
	_, err = s.rides.UpdateRide(ctx, r.ID, func(x *models.Ride) error {
		if x.Status == models.StatusCancelled {
			return errHoldAfterCancel
		}
		x.PaymentRef = ref
		return nil
	})
	switch {
	case errors.Is(err, errHoldAfterCancel):
		// The cancellation committed first and settled nothing.
		if err := s.settler.Release(ctx, ref); err != nil {
			s.logger.Error("release orphaned hold failed", "ride_id", r.ID, "payment_ref", ref, "error", err)
		}
		return ""
	case err != nil:
		s.logger.Error("store payment ref failed", "ride_id", r.ID, "error", err)
	}
	return ref
}

var errHoldAfterCancel = errors.New("ride cancelled before the hold was recorded")

func (s *Service) settle(ctx context.Context, r *models.Ride) {
	if s.settler == nil || r.PaymentRef == "" || r.Cancellation == nil {
		return
	}
	var err error
	if r.Cancellation.Fee > 0 {
		err = s.settler.Capture(ctx, r.PaymentRef, r.Cancellation.Fee)
	} else {
		err = s.settler.Release(ctx, r.PaymentRef)
	}
	if err != nil {
		s.logger.Error("payment settlement failed", "ride_id", r.ID, "error", err)
	}
}

func validStatus(s models.RideStatus) bool {
	switch s {
	case models.StatusSearching, models.StatusStart, models.StatusArrived, models.StatusCompleted, models.StatusCancelled:
		return true
	}
	return false
}
