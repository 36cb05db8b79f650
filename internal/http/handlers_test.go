package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/presence"
	"github.com/example/ambulance-dispatch/internal/realtime"
	"github.com/example/ambulance-dispatch/internal/ride"
	"github.com/example/ambulance-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: 28.6139, Lon: 77.209}

type testServer struct {
	srv     *Server
	tracker *presence.Tracker
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	tracker := presence.NewTracker(logger)
	rides := ride.NewService(store, store, events.NewBus(logger), ride.DefaultConfig(), logger, ride.WithPresence(tracker))
	return &testServer{srv: NewServer(rides, tracker, logger, opts...), tracker: tracker}
}

func (ts *testServer) do(t *testing.T, method, path string, actor *models.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	if actor != nil {
		req.Header.Set(realtime.HeaderActorID, actor.ID)
		req.Header.Set(realtime.HeaderActorRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

var (
	patient = &models.Actor{ID: "p1", Role: models.RolePatient}
	driver1 = &models.Actor{ID: "d1", Role: models.RoleDriver}
	driver2 = &models.Actor{ID: "d2", Role: models.RoleDriver}
)

type createdBody struct {
	Ride       models.Ride `json:"ride"`
	PickupCode string      `json:"pickupCode"`
}

func (ts *testServer) createRide(t *testing.T) createdBody {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/rides", patient, map[string]any{
		"vehicle": models.VehicleALS,
		"pickup":  map[string]any{"address": "Connaught Place", "latitude": pickup.Lat, "longitude": pickup.Lon},
		"drop":    map[string]any{"address": "AIIMS", "latitude": 28.5672, "longitude": 77.21},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out createdBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateRide(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRide(t)
	assert.NotEmpty(t, created.Ride.ID)
	assert.Equal(t, models.StatusSearching, created.Ride.Status)
	assert.Len(t, created.PickupCode, 4)
	assert.Equal(t, "p1", created.Ride.RequesterID)
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/rides", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides", bytes.NewBufferString("{"))
	req.Header.Set(realtime.HeaderActorID, "p1")
	req.Header.Set(realtime.HeaderActorRole, "patient")
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSecondAcceptConflicts(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRide(t)
	ts.tracker.MarkOnDuty("d1", "c1", pickup, models.VehicleALS, nil)
	ts.tracker.MarkOnDuty("d2", "c2", pickup, models.VehicleALS, nil)

	path := "/api/v1/rides/" + created.Ride.ID + "/accept"
	rec := ts.do(t, http.MethodPatch, path, driver1, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPatch, path, driver2, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAcceptWithWrongVehicleIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRide(t)
	ts.tracker.MarkOnDuty("d1", "c1", pickup, models.VehicleBLS, nil)
	rec := ts.do(t, http.MethodPatch, "/api/v1/rides/"+created.Ride.ID+"/accept", driver1, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetRideVisibility(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRide(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/rides/"+created.Ride.ID, patient, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	stranger := &models.Actor{ID: "p2", Role: models.RolePatient}
	rec = ts.do(t, http.MethodGet, "/api/v1/rides/"+created.Ride.ID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/rides/missing", patient, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyPickupIsRateLimited(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRide(t)
	ts.tracker.MarkOnDuty("d1", "c1", pickup, models.VehicleALS, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, "/api/v1/rides/"+created.Ride.ID+"/accept", driver1, nil).Code)

	// codes are four digits from 1000
	wrong := "0000"
	path := "/api/v1/rides/" + created.Ride.ID + "/verify-pickup"
	body := map[string]any{"code": wrong, "latitude": pickup.Lat, "longitude": pickup.Lon}
	for i := 0; i < 5; i++ {
		rec := ts.do(t, http.MethodPost, path, driver1, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "attempt %d", i+1)
	}
	rec := ts.do(t, http.MethodPost, path, driver1, map[string]any{"code": created.PickupCode, "latitude": pickup.Lat, "longitude": pickup.Lon})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestVerifyPickupThenComplete(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRide(t)
	ts.tracker.MarkOnDuty("d1", "c1", pickup, models.VehicleALS, nil)
	base := "/api/v1/rides/" + created.Ride.ID
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, base+"/accept", driver1, nil).Code)

	rec := ts.do(t, http.MethodPost, base+"/verify-pickup", driver1, map[string]any{"code": created.PickupCode, "latitude": pickup.Lat, "longitude": pickup.Lon})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPatch, base+"/status", driver1, map[string]any{"status": models.StatusCompleted})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPatch, base+"/rate", patient, map[string]any{"rating": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPatch, base+"/rate", patient, map[string]any{"rating": 4})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelQuoteAndCancel(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRide(t)
	base := "/api/v1/rides/" + created.Ride.ID

	rec := ts.do(t, http.MethodGet, base+"/can-cancel", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var q ride.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.True(t, q.Allowed)
	assert.Zero(t, q.Fee)

	rec = ts.do(t, http.MethodPut, base+"/cancel", patient, map[string]string{"reason": "found transport"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPut, base+"/cancel", patient, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRidesRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.createRide(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/rides?status=SEARCHING_FOR_RIDER", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Rides []models.Ride `json:"rides"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Rides, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/rides?status=FLYING", patient, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNearbyDrivers(t *testing.T) {
	ts := newTestServer(t)
	ts.tracker.MarkOnDuty("d1", "c1", pickup, models.VehicleALS, nil)

	path := fmt.Sprintf("/api/v1/drivers/nearby?latitude=%f&longitude=%f", pickup.Lat, pickup.Lon)
	rec := ts.do(t, http.MethodGet, path, patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Drivers []struct {
			DriverID string `json:"driverId"`
		} `json:"drivers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Drivers, 1)
	assert.Equal(t, "d1", out.Drivers[0].DriverID)

	rec = ts.do(t, http.MethodGet, "/api/v1/drivers/nearby", patient, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, WithReadyCheck(func(context.Context) error { return errors.New("db down") }))
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/ready", nil, nil).Code)
}

func TestStatusForErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", models.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: x", models.ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("%w: x", models.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: x", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", models.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: x", models.ErrRateLimited), http.StatusTooManyRequests},
		{fmt.Errorf("%w: x", models.ErrExpired), http.StatusGone},
		{errors.New("db exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
