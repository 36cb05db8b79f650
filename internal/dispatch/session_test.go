package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/presence"
	"github.com/example/ambulance-dispatch/internal/ride"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, channel, name string, payload any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events.Event{Channel: channel, Name: name, Payload: payload})
	return 1
}

func (b *recordingBus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (b *recordingBus) offeredTo() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, e := range b.events {
		if e.Name == events.RideOffer {
			ids = append(ids, e.Payload.(Offer).DriverID)
		}
	}
	return ids
}

type harness struct {
	store   *storage.MemoryStore
	bus     *recordingBus
	tracker *presence.Tracker
	rides   *ride.Service
	mgr     *Manager
}

var (
	requester = models.Actor{ID: "p1", Role: models.RolePatient}
	pickup    = models.Coord{Lat: 19.076, Lon: 72.8777}
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemoryStore(), bus: &recordingBus{}}
	h.tracker = presence.NewTracker(quiet())
	h.rides = ride.NewService(h.store, h.store, h.bus, ride.DefaultConfig(), quiet(), ride.WithPresence(h.tracker))
	h.mgr = NewManager(h.store, h.rides, h.tracker, h.bus, cfg, quiet(), opts...)
	h.rides.SetSearchController(h.mgr)
	t.Cleanup(h.mgr.Shutdown)

	require.NoError(t, h.store.CreateRide(context.Background(), &models.Ride{
		ID:          "r1",
		Status:      models.StatusSearching,
		Vehicle:     models.VehicleALS,
		Pickup:      models.Place{Address: "Dadar", Coord: pickup},
		Fare:        300,
		RequesterID: requester.ID,
		CreatedAt:   time.Now(),
	}))
	return h
}

func kmNorth(km float64) models.Coord {
	return models.Coord{Lat: pickup.Lat + km/111.195, Lon: pickup.Lon}
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	r, err := h.store.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	return newSession(h.mgr, r)
}

func TestTickOffersOnlyEligibleDrivers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.tracker.MarkOnDuty("near-als", "c1", kmNorth(2), models.VehicleALS, nil)
	h.tracker.MarkOnDuty("near-bls", "c2", kmNorth(1), models.VehicleBLS, nil)
	h.tracker.MarkOnDuty("far-als", "c3", kmNorth(30), models.VehicleALS, nil)

	s := h.session(t)
	assert.False(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"near-als"}, h.bus.offeredTo())
	assert.Equal(t, 1, h.bus.count(events.NearbyDrivers))
}

type failingOfferer struct {
	mu      sync.Mutex
	fail    string
	offered []string
}

func (f *failingOfferer) Offer(_ context.Context, o Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.DriverID == f.fail {
		return errors.New("push rejected")
	}
	f.offered = append(f.offered, o.DriverID)
	return nil
}

func TestFailedOfferDoesNotBlockOthers(t *testing.T) {
	off := &failingOfferer{fail: "a"}
	h := newHarness(t, DefaultConfig(), WithOfferer(off))
	h.tracker.MarkOnDuty("a", "c1", kmNorth(1), models.VehicleALS, nil)
	h.tracker.MarkOnDuty("b", "c2", kmNorth(2), models.VehicleALS, nil)

	h.session(t).Tick(context.Background())
	assert.Equal(t, []string{"b"}, off.offered)
}

// stopDuringETA stops the session while a tick is between its snapshot and
// its offers.
type stopDuringETA struct {
	session *Session
}

func (e *stopDuringETA) Estimate(context.Context, models.Coord, models.Coord) float64 {
	e.session.Stop(OutcomeAccepted)
	return 60
}

func TestNoOffersAfterStopWithTickInFlight(t *testing.T) {
	eta := &stopDuringETA{}
	h := newHarness(t, DefaultConfig(), WithETA(eta))
	h.tracker.MarkOnDuty("a", "c1", kmNorth(1), models.VehicleALS, nil)
	h.tracker.MarkOnDuty("b", "c2", kmNorth(2), models.VehicleALS, nil)

	s := h.session(t)
	eta.session = s
	assert.True(t, s.Tick(context.Background()))
	assert.Empty(t, h.bus.offeredTo())
	assert.Equal(t, 0, h.bus.count(events.NearbyDrivers))

	assert.True(t, s.Tick(context.Background()))
	assert.Empty(t, h.bus.offeredTo())
	assert.Equal(t, OutcomeAccepted, s.Outcome())
}

func TestStopIsFirstWins(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.session(t)
	assert.True(t, s.Stop(OutcomeCancelled))
	assert.False(t, s.Stop(OutcomeAccepted))
	assert.Equal(t, OutcomeCancelled, s.Outcome())
}

func TestExhaustionNotifiesOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg)
	s := h.session(t)

	for i := 0; i < 3; i++ {
		assert.False(t, s.Tick(context.Background()), "attempt %d", i+1)
	}
	assert.Equal(t, 0, h.bus.count(events.Error))
	assert.True(t, s.Tick(context.Background()))
	assert.True(t, s.Tick(context.Background()))

	assert.Equal(t, OutcomeExhausted, s.Outcome())
	assert.Equal(t, 3, s.Attempts())
	assert.Equal(t, 1, h.bus.count(events.Error))
	_, err := h.store.GetRide(context.Background(), "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinalAttemptOffersCanBeAccepted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	h := newHarness(t, cfg)
	h.tracker.MarkOnDuty("d1", "c1", kmNorth(1), models.VehicleALS, nil)
	s := h.session(t)

	assert.False(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"d1"}, h.bus.offeredTo())

	_, err := h.rides.Accept(context.Background(), "r1", models.Actor{ID: "d1", Role: models.RoleDriver})
	require.NoError(t, err)

	assert.True(t, s.Tick(context.Background()))
	assert.Equal(t, OutcomeGone, s.Outcome())
	assert.Equal(t, 0, h.bus.count(events.Error))
	r, err := h.store.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStart, r.Status)
}

// gatedOfferer blocks every offer until release is closed.
type gatedOfferer struct {
	entered chan string
	release chan struct{}
	mu      sync.Mutex
	sent    []string
}

func (g *gatedOfferer) Offer(_ context.Context, o Offer) error {
	g.entered <- o.DriverID
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, o.DriverID)
	return nil
}

func TestStopDoesNotWaitForSlowOffer(t *testing.T) {
	off := &gatedOfferer{entered: make(chan string, 4), release: make(chan struct{})}
	h := newHarness(t, DefaultConfig(), WithOfferer(off))
	h.tracker.MarkOnDuty("a", "c1", kmNorth(1), models.VehicleALS, nil)
	h.tracker.MarkOnDuty("b", "c2", kmNorth(2), models.VehicleALS, nil)
	s := h.session(t)

	done := make(chan bool, 1)
	go func() { done <- s.Tick(context.Background()) }()
	first := <-off.entered

	stopped := make(chan bool, 1)
	go func() { stopped <- s.Stop(OutcomeCancelled) }()
	select {
	case ok := <-stopped:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind an in-flight offer")
	}

	close(off.release)
	assert.True(t, <-done)
	off.mu.Lock()
	defer off.mu.Unlock()
	assert.Equal(t, []string{first}, off.sent)
}

func TestTickStopsWhenRideAccepted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.session(t)
	_, err := h.store.UpdateIfStatus(context.Background(), "r1", models.StatusSearching, func(r *models.Ride) error {
		r.Status = models.StatusStart
		r.DriverID = "d1"
		return nil
	})
	require.NoError(t, err)

	assert.True(t, s.Tick(context.Background()))
	assert.Equal(t, OutcomeGone, s.Outcome())
	assert.Equal(t, 0, h.bus.count(events.Error))
}
