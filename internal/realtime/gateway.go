// Package realtime is the websocket surface: drivers advertise presence and
// location, requesters follow searches and rides.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/presence"
)

// Inbound message types.
const (
	MsgGoOnDuty                  = "goOnDuty"
	MsgGoOffDuty                 = "goOffDuty"
	MsgUpdateLocation            = "updateLocation"
	MsgSubscribeToZone           = "subscribeToZone"
	MsgSearchDriver              = "searchDriver"
	MsgRideAccepted              = "rideAccepted"
	MsgCancelRide                = "cancelRide"
	MsgDriverCancelRide          = "driverCancelRide"
	MsgSubscribeToDriverLocation = "subscribeToDriverLocation"
	MsgSubscribeRide             = "subscribeRide"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type Rides interface {
	Get(ctx context.Context, id string, actor models.Actor) (*models.Ride, error)
	Cancel(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.Ride, error)
}

type Dispatcher interface {
	Start(ctx context.Context, rideID string, actor models.Actor) error
	Accepted(rideID string)
	Cancel(ctx context.Context, rideID string, actor models.Actor) (bool, error)
}

type Gateway struct {
	bus        *events.Bus
	tracker    *presence.Tracker
	rides      Rides
	dispatcher Dispatcher
	zoneKm     float64
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	zmu     sync.Mutex
	zones   map[string]zoneSub // conn id -> subscription
	refresh chan struct{}
}

type zoneSub struct {
	client *Client
	center models.Coord
}

type Option func(*Gateway)

func WithZoneRadius(km float64) Option { return func(g *Gateway) { g.zoneKm = km } }

func NewGateway(bus *events.Bus, tracker *presence.Tracker, rides Rides, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		bus:        bus,
		tracker:    tracker,
		rides:      rides,
		dispatcher: dispatcher,
		zoneKm:     matcher.ZoneRadiusKm,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		zones:   make(map[string]zoneSub),
		refresh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(g)
	}
	tracker.OnChange(func(presence.Change) { g.signalZones() })
	return g
}

// ActorFromRequest reads the identity attached by the upstream proxy.
func ActorFromRequest(r *http.Request) (models.Actor, error) {
	id := r.Header.Get(HeaderActorID)
	role := r.Header.Get(HeaderActorRole)
	if id == "" {
		id = r.URL.Query().Get("actorId")
		role = r.URL.Query().Get("role")
	}
	if id == "" {
		return models.Actor{}, fmt.Errorf("%w: missing actor identity", models.ErrUnauthorized)
	}
	parsed, err := models.ParseRole(role)
	if err != nil {
		return models.Actor{}, err
	}
	return models.Actor{ID: id, Role: parsed}, nil
}

func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromRequest(r)
	if err != nil {
		http.Error(w, models.PublicMessage(err), http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &Client{
		id:     uuid.NewString(),
		actor:  actor,
		conn:   conn,
		g:      g,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	g.bus.Subscribe(events.UserChannel(actor.ID), c)
	observability.WSConnections.Inc()
	g.logger.Info("ws connected", "conn_id", c.id, "actor_id", actor.ID, "role", actor.Role)

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) disconnect(c *Client) {
	g.bus.UnsubscribeAll(c.id)
	g.zmu.Lock()
	delete(g.zones, c.id)
	g.zmu.Unlock()
	if c.actor.Role == models.RoleDriver {
		g.tracker.Disconnect(c.actor.ID, c.id)
	}
	observability.WSConnections.Dec()
	g.logger.Info("ws disconnected", "conn_id", c.id, "actor_id", c.actor.ID)
}

type locationMsg struct {
	models.Coord
	Vehicle         string                 `json:"vehicle,omitempty"`
	Specializations []models.EmergencyType `json:"specializations,omitempty"`
}

type rideMsg struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason,omitempty"`
}

type driverMsg struct {
	DriverID string `json:"driverId"`
}

// LocationUpdate is the driverLocationUpdate payload.
type LocationUpdate struct {
	DriverID  string       `json:"driverId"`
	Coords    models.Coord `json:"coords"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing message data", models.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed message data", models.ErrValidation)
	}
	return nil
}

const handlerTimeout = 5 * time.Second

func (g *Gateway) handle(c *Client, msg inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case MsgGoOnDuty:
		err = g.goOnDuty(c, msg.Data)
	case MsgGoOffDuty:
		err = c.actor.Require(models.RoleDriver)
		if err == nil {
			g.tracker.MarkOffDuty(c.actor.ID)
		}
	case MsgUpdateLocation:
		err = g.updateLocation(ctx, c, msg.Data)
	case MsgSubscribeToZone:
		err = g.subscribeZone(c, msg.Data)
	case MsgSearchDriver:
		err = g.searchDriver(ctx, c, msg.Data)
	case MsgRideAccepted:
		if id := c.searching(); id != "" {
			g.dispatcher.Accepted(id)
			c.setSearching("")
		}
	case MsgCancelRide:
		err = g.cancelSearch(ctx, c, msg.Data)
	case MsgDriverCancelRide:
		err = g.driverCancel(ctx, c, msg.Data)
	case MsgSubscribeToDriverLocation:
		var m driverMsg
		if err = decode(msg.Data, &m); err == nil {
			if m.DriverID == "" {
				err = fmt.Errorf("%w: driverId is required", models.ErrValidation)
			} else {
				g.bus.Subscribe(events.DriverChannel(m.DriverID), c)
			}
		}
	case MsgSubscribeRide:
		err = g.subscribeRide(ctx, c, msg.Data)
	default:
		err = fmt.Errorf("%w: unknown message type %q", models.ErrValidation, msg.Type)
	}
	if err != nil {
		if !models.IsKnown(err) {
			g.logger.Error("ws handler failed", "conn_id", c.id, "type", msg.Type, "error", err)
		}
		c.sendError(models.PublicMessage(err))
	}
}

func (g *Gateway) goOnDuty(c *Client, data json.RawMessage) error {
	if err := c.actor.Require(models.RoleDriver); err != nil {
		return err
	}
	var m locationMsg
	if err := decode(data, &m); err != nil {
		return err
	}
	if !m.Coord.Valid() {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	v, err := models.ParseVehicleClass(m.Vehicle)
	if err != nil {
		return err
	}
	for _, s := range m.Specializations {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown specialization %q", models.ErrValidation, s)
		}
	}
	g.tracker.MarkOnDuty(c.actor.ID, c.id, m.Coord, v, m.Specializations)
	return nil
}

func (g *Gateway) updateLocation(ctx context.Context, c *Client, data json.RawMessage) error {
	if err := c.actor.Require(models.RoleDriver); err != nil {
		return err
	}
	var m locationMsg
	if err := decode(data, &m); err != nil {
		return err
	}
	if !m.Coord.Valid() {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	p, ok := g.tracker.UpdateLocation(c.actor.ID, m.Coord)
	if !ok {
		return fmt.Errorf("%w: go on duty before sending locations", models.ErrValidation)
	}
	g.bus.Publish(ctx, events.DriverChannel(p.DriverID), events.DriverLocationUpdate, LocationUpdate{
		DriverID:  p.DriverID,
		Coords:    p.Coords,
		UpdatedAt: p.LastUpdated,
	})
	return nil
}

func (g *Gateway) subscribeZone(c *Client, data json.RawMessage) error {
	var m locationMsg
	if err := decode(data, &m); err != nil {
		return err
	}
	if !m.Coord.Valid() {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	g.zmu.Lock()
	g.zones[c.id] = zoneSub{client: c, center: m.Coord}
	g.zmu.Unlock()
	c.sendFrame(events.NearbyDrivers, dispatch.NearbyList(matcher.FindNearby(m.Coord, g.zoneKm, g.tracker.Snapshot())))
	return nil
}

func (g *Gateway) searchDriver(ctx context.Context, c *Client, data json.RawMessage) error {
	if err := c.actor.Require(models.RolePatient); err != nil {
		return err
	}
	var m rideMsg
	if err := decode(data, &m); err != nil {
		return err
	}
	if _, err := g.rides.Get(ctx, m.RideID, c.actor); err != nil {
		return err
	}
	g.bus.Subscribe(events.RideChannel(m.RideID), c)
	if err := g.dispatcher.Start(ctx, m.RideID, c.actor); err != nil {
		return err
	}
	c.setSearching(m.RideID)
	return nil
}

func (g *Gateway) cancelSearch(ctx context.Context, c *Client, data json.RawMessage) error {
	var m rideMsg
	if len(data) > 0 {
		if err := decode(data, &m); err != nil {
			return err
		}
	}
	if m.RideID == "" {
		m.RideID = c.searching()
	}
	if m.RideID == "" {
		return fmt.Errorf("%w: no active search", models.ErrValidation)
	}
	ok, err := g.dispatcher.Cancel(ctx, m.RideID, c.actor)
	if err != nil {
		return err
	}
	c.setSearching("")
	if !ok {
		return fmt.Errorf("%w: ride is no longer searching", models.ErrConflict)
	}
	return nil
}

func (g *Gateway) driverCancel(ctx context.Context, c *Client, data json.RawMessage) error {
	if err := c.actor.Require(models.RoleDriver); err != nil {
		return err
	}
	var m rideMsg
	if err := decode(data, &m); err != nil {
		return err
	}
	_, err := g.rides.Cancel(ctx, m.RideID, c.actor, m.Reason)
	return err
}

func (g *Gateway) subscribeRide(ctx context.Context, c *Client, data json.RawMessage) error {
	var m rideMsg
	if err := decode(data, &m); err != nil {
		return err
	}
	r, err := g.rides.Get(ctx, m.RideID, c.actor)
	if err != nil {
		return err
	}
	g.bus.Subscribe(events.RideChannel(m.RideID), c)
	c.sendFrame(events.RideSnapshot, r)
	return nil
}

func (g *Gateway) signalZones() {
	select {
	case g.refresh <- struct{}{}:
	default:
	}
}

// Run recomputes nearby-driver lists for zone subscribers after presence
// changes. Bursts of changes collapse into one pass.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.refresh:
			g.broadcastZones()
		}
	}
}

func (g *Gateway) broadcastZones() {
	g.zmu.Lock()
	subs := make([]zoneSub, 0, len(g.zones))
	for _, z := range g.zones {
		subs = append(subs, z)
	}
	g.zmu.Unlock()
	if len(subs) == 0 {
		return
	}
	snapshot := g.tracker.Snapshot()
	for _, z := range subs {
		z.client.sendFrame(events.NearbyDrivers, dispatch.NearbyList(matcher.FindNearby(z.center, g.zoneKm, snapshot)))
	}
}
