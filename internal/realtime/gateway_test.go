package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/presence"
	"github.com/example/ambulance-dispatch/internal/ride"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type env struct {
	srv     *httptest.Server
	store   *storage.MemoryStore
	tracker *presence.Tracker
	rides   *ride.Service
}

var pickup = models.Coord{Lat: 28.6139, Lon: 77.209}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{store: storage.NewMemoryStore(), tracker: presence.NewTracker(logger)}
	bus := events.NewBus(logger)
	e.rides = ride.NewService(e.store, e.store, bus, ride.DefaultConfig(), logger, ride.WithPresence(e.tracker))
	cfg := dispatch.DefaultConfig()
	cfg.Interval = time.Hour
	mgr := dispatch.NewManager(e.store, e.rides, e.tracker, bus, cfg, logger)
	e.rides.SetSearchController(mgr)
	gw := NewGateway(bus, e.tracker, e.rides, mgr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	e.srv = httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(func() {
		cancel()
		e.srv.Close()
		mgr.Shutdown()
	})
	return e
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T, id string, role models.Role) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	h := http.Header{}
	h.Set(HeaderActorID, id)
	h.Set(HeaderActorRole, string(role))
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) send(typ string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": typ, "data": data}))
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// await reads frames until one of type typ satisfies match.
func (c *wsConn) await(typ string, match func(json.RawMessage) bool) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ && (match == nil || match(f.Data)) {
			return f.Data
		}
	}
}

func loc(c models.Coord, vehicle models.VehicleClass) map[string]any {
	return map[string]any{"latitude": c.Lat, "longitude": c.Lon, "vehicle": vehicle}
}

func TestZoneSubscriberSeesDriverGoOnDuty(t *testing.T) {
	e := newEnv(t)
	patient := e.dial(t, "p1", models.RolePatient)
	patient.send(MsgSubscribeToZone, loc(pickup, ""))
	patient.await(events.NearbyDrivers, nil)

	driver := e.dial(t, "d1", models.RoleDriver)
	driver.send(MsgGoOnDuty, loc(pickup, models.VehicleALS))

	patient.await(events.NearbyDrivers, func(raw json.RawMessage) bool {
		var list []dispatch.NearbyDriver
		_ = json.Unmarshal(raw, &list)
		return len(list) == 1 && list[0].DriverID == "d1"
	})
}

func TestDriverDisconnectRemovesPresence(t *testing.T) {
	e := newEnv(t)
	driver := e.dial(t, "d1", models.RoleDriver)
	driver.send(MsgGoOnDuty, loc(pickup, models.VehicleBLS))
	assert.Eventually(t, func() bool { return e.tracker.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, driver.conn.Close())
	assert.Eventually(t, func() bool { return e.tracker.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSearchDriverOffersRideAndAcceptNotifiesRequester(t *testing.T) {
	e := newEnv(t)
	driver := e.dial(t, "d1", models.RoleDriver)
	driver.send(MsgGoOnDuty, loc(pickup, models.VehicleALS))
	assert.Eventually(t, func() bool { return e.tracker.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	patientActor := models.Actor{ID: "p1", Role: models.RolePatient}
	created, err := e.rides.Create(context.Background(), patientActor, ride.CreateRequest{
		Vehicle: models.VehicleALS,
		Pickup:  models.Place{Address: "Connaught Place", Coord: pickup},
		Drop:    models.Place{Address: "AIIMS", Coord: models.Coord{Lat: 28.5672, Lon: 77.21}},
	})
	require.NoError(t, err)

	patient := e.dial(t, "p1", models.RolePatient)
	patient.send(MsgSearchDriver, map[string]string{"rideId": created.Ride.ID})

	raw := driver.await(events.RideOffer, nil)
	var offer dispatch.Offer
	require.NoError(t, json.Unmarshal(raw, &offer))
	assert.Equal(t, created.Ride.ID, offer.RideID)

	_, err = e.rides.Accept(context.Background(), created.Ride.ID, models.Actor{ID: "d1", Role: models.RoleDriver})
	require.NoError(t, err)
	patient.await(events.RideAccepted, nil)
}

func TestDriverLocationReachesFollowers(t *testing.T) {
	e := newEnv(t)
	driver := e.dial(t, "d1", models.RoleDriver)
	follower := e.dial(t, "p1", models.RolePatient)
	follower.send(MsgSubscribeToDriverLocation, map[string]string{"driverId": "d1"})
	// messages on one connection are handled in order, so this error marks
	// the subscription as done
	follower.send(MsgSubscribeRide, map[string]string{"rideId": "missing"})
	follower.await(events.Error, nil)

	driver.send(MsgGoOnDuty, loc(pickup, models.VehicleALS))
	moved := models.Coord{Lat: pickup.Lat + 0.01, Lon: pickup.Lon}
	driver.send(MsgUpdateLocation, loc(moved, ""))

	raw := follower.await(events.DriverLocationUpdate, nil)
	var update LocationUpdate
	require.NoError(t, json.Unmarshal(raw, &update))
	assert.Equal(t, "d1", update.DriverID)
	assert.InDelta(t, moved.Lat, update.Coords.Lat, 1e-9)
}

func TestUnknownMessageGetsError(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, "p1", models.RolePatient)
	c.send("teleport", nil)
	raw := c.await(events.Error, nil)
	assert.Contains(t, string(raw), "unknown message type")
}

func TestUpdateLocationRequiresOnDuty(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, "d1", models.RoleDriver)
	c.send(MsgUpdateLocation, loc(pickup, ""))
	raw := c.await(events.Error, nil)
	assert.Contains(t, string(raw), "go on duty")
}

func TestMissingIdentityRejected(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
