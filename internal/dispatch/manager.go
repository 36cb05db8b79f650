package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type Config struct {
	Interval            time.Duration
	MaxAttempts         int
	ZoneRadiusKm        float64
	EligibilityRadiusKm float64
}

func DefaultConfig() Config {
	return Config{
		Interval:            10 * time.Second,
		MaxAttempts:         20,
		ZoneRadiusKm:        matcher.ZoneRadiusKm,
		EligibilityRadiusKm: matcher.EligibilityRadiusKm,
	}
}

type RideReader interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
}

// Lifecycle is the part of the ride service sessions drive.
type Lifecycle interface {
	ExpireSearch(ctx context.Context, rideID string) (bool, error)
	CancelSearch(ctx context.Context, rideID string, actor models.Actor, reason string) (bool, error)
}

type Snapshotter interface {
	Snapshot() []models.DriverPresence
}

type ETA interface {
	Estimate(ctx context.Context, from, to models.Coord) float64
}

type Manager struct {
	rides     RideReader
	lifecycle Lifecycle
	presence  Snapshotter
	bus       Publisher
	offerer   Offerer
	eta       ETA
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Manager)

func WithOfferer(o Offerer) Option { return func(m *Manager) { m.offerer = o } }
func WithETA(e ETA) Option { return func(m *Manager) { m.eta = e } }

func NewManager(rides RideReader, lifecycle Lifecycle, presence Snapshotter, bus Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		rides:     rides,
		lifecycle: lifecycle,
		presence:  presence,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.offerer == nil {
		m.offerer = &BusOfferer{Bus: bus}
	}
	return m
}

// Start begins searching for a driver. Starting a ride that already has a
// live session is a no-op.
func (m *Manager) Start(ctx context.Context, rideID string, actor models.Actor) error {
	r, err := m.rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: ride %s", models.ErrNotFound, rideID)
	}
	if err != nil {
		return fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if actor.Role != models.RoleSystem && (actor.Role != models.RolePatient || r.RequesterID != actor.ID) {
		return fmt.Errorf("%w: only the requester can start a search", models.ErrForbidden)
	}
	if r.Status != models.StatusSearching {
		return fmt.Errorf("%w: ride %s is %s", models.ErrConflict, rideID, r.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return errors.New("dispatch is shutting down")
	}
	if _, ok := m.sessions[rideID]; ok {
		return nil
	}
	s := newSession(m, r)
	m.sessions[rideID] = s
	observability.ActiveSearches.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(m.ctx)
		m.finish(s)
	}()
	m.logger.Info("dispatch started", "ride_id", rideID, "interval", m.cfg.Interval, "max_attempts", m.cfg.MaxAttempts)
	return nil
}

func (m *Manager) finish(s *Session) {
	m.mu.Lock()
	if m.sessions[s.rideID] == s {
		delete(m.sessions, s.rideID)
	}
	m.mu.Unlock()
	outcome := s.Outcome()
	observability.ActiveSearches.Dec()
	observability.DispatchOutcome.WithLabelValues(string(outcome)).Inc()
	observability.SearchDuration.Observe(time.Since(s.started).Seconds())
	m.logger.Info("dispatch finished", "ride_id", s.rideID, "outcome", outcome, "attempts", s.Attempts())
}

func (m *Manager) session(rideID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[rideID]
}

// Accepted stops the ride's session after a committed assignment.
func (m *Manager) Accepted(rideID string) {
	if s := m.session(rideID); s != nil {
		s.Stop(OutcomeAccepted)
	}
}

// Cancelled stops the ride's session after a committed cancellation.
func (m *Manager) Cancelled(rideID string) {
	if s := m.session(rideID); s != nil {
		s.Stop(OutcomeCancelled)
	}
}

// Cancel cancels the ride with no fee if it is still searching, then stops
// the search. A failed write leaves the session running so the ride is never
// left searching with nobody dispatching it.
func (m *Manager) Cancel(ctx context.Context, rideID string, actor models.Actor) (bool, error) {
	r, err := m.rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("%w: ride %s", models.ErrNotFound, rideID)
	}
	if err != nil {
		return false, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if actor.Role != models.RoleSystem && r.RequesterID != actor.ID {
		return false, fmt.Errorf("%w: only the requester can cancel a search", models.ErrForbidden)
	}
	ok, err := m.lifecycle.CancelSearch(ctx, rideID, actor, "cancelled during search")
	if err != nil {
		m.logger.Warn("cancel search failed", "ride_id", rideID, "error", err)
		return false, err
	}
	if ok {
		m.Cancelled(rideID)
	}
	return ok, nil
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every session and waits for their goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}
