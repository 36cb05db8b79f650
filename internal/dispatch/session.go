// Package dispatch runs the bounded search for a driver: one session per
// searching ride, each owned by a single goroutine.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeGone means the ride left the searching state on its own.
	OutcomeGone     Outcome = "gone"
	OutcomeShutdown Outcome = "shutdown"
)

// NoDriverFoundMessage is sent to the requester when a search is exhausted.
const NoDriverFoundMessage = "No ambulance drivers found nearby. Please try again."

type NearbyDriver struct {
	DriverID   string              `json:"driverId"`
	Coords     models.Coord        `json:"coords"`
	Vehicle    models.VehicleClass `json:"vehicle"`
	DistanceKm float64             `json:"distanceKm"`
}

// NearbyList converts matcher candidates into the nearbyDrivers payload.
func NearbyList(cs []matcher.Candidate) []NearbyDriver {
	out := make([]NearbyDriver, len(cs))
	for i, c := range cs {
		out[i] = NearbyDriver{DriverID: c.Driver.DriverID, Coords: c.Driver.Coords, Vehicle: c.Driver.Vehicle, DistanceKm: c.DistanceKm}
	}
	return out
}

// Session is the search state of one ride. The state flag is checked before
// every offer, so after Stop returns at most the offer already being sent
// goes out. Offers are sent without holding mu so Stop never waits on an
// offerer's network call.
type Session struct {
	rideID      string
	requesterID string
	m           *Manager

	mu       sync.Mutex
	state    Outcome // empty while searching
	attempts int

	stopCh  chan struct{}
	done    chan struct{}
	started time.Time
}

func newSession(m *Manager, r *models.Ride) *Session {
	return &Session{
		rideID:      r.ID,
		requesterID: r.RequesterID,
		m:           m,
		stopCh:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		started:     time.Now(),
	}
}

func (s *Session) RideID() string { return s.rideID }

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Outcome is empty while the session is still searching.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop ends the search with outcome. Only the first terminal signal wins;
// later calls return false.
func (s *Session) Stop(outcome Outcome) bool {
	s.mu.Lock()
	if s.state != "" {
		s.mu.Unlock()
		return false
	}
	s.state = outcome
	s.mu.Unlock()
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
	return true
}

// Tick runs one search attempt and reports whether the session is finished.
// The tick after the last attempt retires the ride, so the final round of
// offers gets a full interval and the search ends after MaxAttempts intervals.
func (s *Session) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != "" {
		s.mu.Unlock()
		return true
	}
	if s.attempts >= s.m.cfg.MaxAttempts {
		s.mu.Unlock()
		s.exhaust(ctx)
		return true
	}
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()
	observability.DispatchTicks.Inc()

	r, err := s.m.rides.GetRide(ctx, s.rideID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.Stop(OutcomeGone)
		return true
	case err != nil:
		s.m.logger.Error("dispatch reload ride failed", "ride_id", s.rideID, "attempt", attempt, "error", err)
		return false
	case r.Status != models.StatusSearching:
		s.Stop(OutcomeGone)
		return true
	}
	return !s.search(ctx, r, attempt)
}

// search publishes the zone list and the offers for one attempt. It returns
// false once the session has been stopped.
func (s *Session) search(ctx context.Context, r *models.Ride, attempt int) bool {
	drivers := s.m.presence.Snapshot()
	nearby := matcher.FindNearby(r.Pickup.Coord, s.m.cfg.ZoneRadiusKm, drivers)
	eligible := matcher.Eligible(r, s.m.cfg.EligibilityRadiusKm, drivers)

	offers := make([]Offer, 0, len(eligible))
	for _, c := range eligible {
		o := Offer{
			RideID:     r.ID,
			DriverID:   c.Driver.DriverID,
			Ride:       r,
			DistanceKm: c.DistanceKm,
			Attempt:    attempt,
			Match:      matcher.ScoreRide(c.Driver.Specializations, r.Emergency),
		}
		if s.m.eta != nil {
			o.ETASeconds = s.m.eta.Estimate(ctx, c.Driver.Coords, r.Pickup.Coord)
		}
		offers = append(offers, o)
	}

	if !s.searching() {
		return false
	}
	s.m.bus.Publish(ctx, events.UserChannel(s.requesterID), events.NearbyDrivers, NearbyList(nearby))
	for _, o := range offers {
		if !s.searching() {
			return false
		}
		if err := s.m.offerer.Offer(ctx, o); err != nil {
			observability.OfferFailures.Inc()
			s.m.logger.Warn("ride offer failed", "ride_id", r.ID, "driver_id", o.DriverID, "error", err)
			continue
		}
		observability.OffersPublished.Inc()
	}
	s.m.logger.Debug("dispatch attempt", "ride_id", r.ID, "attempt", attempt, "nearby", len(nearby), "offers", len(offers))
	return true
}

func (s *Session) searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == ""
}

// exhaust retires the ride. The requester hears about it only if this call
// removed the ride, so a racing accept never gets a "no driver" notice.
func (s *Session) exhaust(ctx context.Context) {
	if !s.Stop(OutcomeExhausted) {
		return
	}
	removed, err := s.m.lifecycle.ExpireSearch(ctx, s.rideID)
	if err != nil {
		s.m.logger.Error("expire ride failed", "ride_id", s.rideID, "error", err)
		return
	}
	if !removed {
		return
	}
	s.m.logger.Info("dispatch exhausted", "ride_id", s.rideID, "attempts", s.Attempts())
	s.m.bus.Publish(ctx, events.UserChannel(s.requesterID), events.Error, events.ErrorPayload{Message: NoDriverFoundMessage})
}

// run owns the session's ticker until a terminal outcome.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.m.cfg.Interval)
	defer ticker.Stop()

	if s.Tick(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.Stop(OutcomeShutdown)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.Tick(ctx) {
				return
			}
		}
	}
}
