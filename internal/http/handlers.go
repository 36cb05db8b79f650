package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/ride"
)

// Rides is the ride lifecycle the REST surface exposes.
type Rides interface {
	Create(ctx context.Context, actor models.Actor, req ride.CreateRequest) (*ride.Created, error)
	Get(ctx context.Context, id string, actor models.Actor) (*models.Ride, error)
	ListMine(ctx context.Context, actor models.Actor, status models.RideStatus) ([]*models.Ride, error)
	Available(ctx context.Context, actor models.Actor) ([]matcher.RankedRide, error)
	Accept(ctx context.Context, rideID string, actor models.Actor) (*models.Ride, error)
	UpdateStatus(ctx context.Context, rideID string, actor models.Actor, to models.RideStatus) (*models.Ride, error)
	VerifyPickup(ctx context.Context, rideID string, actor models.Actor, code string, at models.Coord) (*models.Ride, error)
	Rate(ctx context.Context, rideID string, actor models.Actor, rating int) (*models.Ride, error)
	CanCancel(ctx context.Context, rideID string, actor models.Actor) (ride.Quote, error)
	Cancel(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.Ride, error)
}

type Presence interface {
	Snapshot() []models.DriverPresence
}

// ReadyCheck reports whether a backing dependency is reachable.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	rides    Rides
	presence Presence
	ws       http.Handler
	ready    []ReadyCheck
	zoneKm   float64
	logger   *slog.Logger
	mux      *mux.Router
}

type Option func(*Server)

func WithWebsocket(h http.Handler) Option { return func(s *Server) { s.ws = h } }
func WithReadyCheck(c ReadyCheck) Option { return func(s *Server) { s.ready = append(s.ready, c) } }
func WithZoneRadius(km float64) Option { return func(s *Server) { s.zoneKm = km } }

func NewServer(rides Rides, presence Presence, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		rides:    rides,
		presence: presence,
		zoneKm:   matcher.ZoneRadiusKm,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.actorMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/available", s.handleAvailable).Methods(http.MethodGet)
	api.HandleFunc("/rides/{rideID}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{rideID}/accept", s.handleAccept).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{rideID}/status", s.handleUpdateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{rideID}/verify-pickup", s.handleVerifyPickup).Methods(http.MethodPost)
	api.HandleFunc("/rides/{rideID}/rate", s.handleRate).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{rideID}/cancel", s.handleCancel).Methods(http.MethodPut)
	api.HandleFunc("/rides/{rideID}/can-cancel", s.handleCanCancel).Methods(http.MethodGet)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)

	if s.ws != nil {
		s.mux.Handle("/ws", s.ws).Methods(http.MethodGet)
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req ride.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.rides.Create(r.Context(), actorFrom(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	status := models.RideStatus(r.URL.Query().Get("status"))
	rides, err := s.rides.ListMine(r.Context(), actorFrom(r), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	ranked, err := s.rides.Available(r.Context(), actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": ranked})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.rides.Get(r.Context(), mux.Vars(r)["rideID"], actorFrom(r))
	s.respondRide(w, r, rd, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rd, err := s.rides.Accept(r.Context(), mux.Vars(r)["rideID"], actorFrom(r))
	s.respondRide(w, r, rd, err)
}

type statusRequest struct {
	Status models.RideStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	rd, err := s.rides.UpdateStatus(r.Context(), mux.Vars(r)["rideID"], actorFrom(r), req.Status)
	s.respondRide(w, r, rd, err)
}

type verifyRequest struct {
	Code      string  `json:"code"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleVerifyPickup(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	at := models.Coord{Lat: req.Latitude, Lon: req.Longitude}
	rd, err := s.rides.VerifyPickup(r.Context(), mux.Vars(r)["rideID"], actorFrom(r), req.Code, at)
	s.respondRide(w, r, rd, err)
}

type rateRequest struct {
	Rating int `json:"rating"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rd, err := s.rides.Rate(r.Context(), mux.Vars(r)["rideID"], actorFrom(r), req.Rating)
	s.respondRide(w, r, rd, err)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	rd, err := s.rides.Cancel(r.Context(), mux.Vars(r)["rideID"], actorFrom(r), req.Reason)
	s.respondRide(w, r, rd, err)
}

func (s *Server) handleCanCancel(w http.ResponseWriter, r *http.Request) {
	q, err := s.rides.CanCancel(r.Context(), mux.Vars(r)["rideID"], actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
	center := models.Coord{Lat: lat, Lon: lon}
	if errLat != nil || errLon != nil || !center.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: latitude and longitude query parameters are required", models.ErrValidation))
		return
	}
	found := matcher.FindNearby(center, s.zoneKm, s.presence.Snapshot())
	writeJSON(w, http.StatusOK, map[string]any{"drivers": dispatch.NearbyList(found)})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) respondRide(w http.ResponseWriter, r *http.Request, rd *models.Ride, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": rd})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed JSON body", models.ErrValidation))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": models.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
