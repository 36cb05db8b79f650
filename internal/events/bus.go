// Package events is the publish/subscribe layer behind real-time
// notifications. Channels are addressed by ride, user or driver id.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/observability"
)

// Event names on the wire.
const (
	NearbyDrivers         = "nearbyDrivers"
	RideOffer             = "emergencyCall"
	RideUpdate            = "rideUpdate"
	RideAccepted          = "rideAccepted"
	RideCanceled          = "rideCanceled"
	RideCancelledByDriver = "rideCancelledByDriver"
	RideCancelledSuccess  = "rideCancelledSuccess"
	DriverLocationUpdate  = "driverLocationUpdate"
	RideSnapshot          = "rideData"
	Error                 = "error"
)

func RideChannel(rideID string) string { return "ride:" + rideID }
func UserChannel(userID string) string { return "user:" + userID }
func DriverChannel(driverID string) string { return "driver:" + driverID }

type Event struct {
	Name    string    `json:"type"`
	Channel string    `json:"channel"`
	Payload any       `json:"data"`
	At      time.Time `json:"at"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Subscriber receives events. Deliver must not block; it reports false when
// the event was dropped.
type Subscriber interface {
	SubscriberID() string
	Deliver(Event) bool
}

// Sink gets a copy of every published event, e.g. for a Kafka stream.
type Sink interface {
	PublishEvent(ctx context.Context, e Event) error
}

type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber // channel -> subscriber id -> subscriber
	bySub    map[string]map[string]struct{}   // subscriber id -> channels

	sink   Sink
	sinkCh chan Event
	logger *slog.Logger
	now    func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		channels: make(map[string]map[string]Subscriber),
		bySub:    make(map[string]map[string]struct{}),
		logger:   logger,
		now:      time.Now,
	}
}

// WithSink forwards every event to s once Run is started.
func (b *Bus) WithSink(s Sink) *Bus {
	b.sink = s
	b.sinkCh = make(chan Event, 4096)
	return b
}

func (b *Bus) Subscribe(channel string, s Subscriber) {
	id := s.SubscriberID()
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		b.channels[channel] = subs
	}
	subs[id] = s
	chans, ok := b.bySub[id]
	if !ok {
		chans = make(map[string]struct{})
		b.bySub[id] = chans
	}
	chans[channel] = struct{}{}
}

func (b *Bus) Unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(channel, subscriberID)
}

// UnsubscribeAll drops every subscription held by subscriberID. Called when
// the underlying connection goes away.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.bySub[subscriberID] {
		b.unsubscribeLocked(ch, subscriberID)
	}
	delete(b.bySub, subscriberID)
}

func (b *Bus) unsubscribeLocked(channel, subscriberID string) {
	if subs, ok := b.channels[channel]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	if chans, ok := b.bySub[subscriberID]; ok {
		delete(chans, channel)
	}
}

// Subscribers reports how many subscribers a channel has.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Publish delivers an event to the channel's current subscribers and returns
// how many accepted it.
func (b *Bus) Publish(ctx context.Context, channel, name string, payload any) int {
	e := Event{Name: name, Channel: channel, Payload: payload, At: b.now()}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.channels[channel]))
	for _, s := range b.channels[channel] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if s.Deliver(e) {
			delivered++
			continue
		}
		observability.EventsDropped.Inc()
		b.logger.Warn("event dropped for slow subscriber", "subscriber", s.SubscriberID(), "event", name, "channel", channel)
	}
	observability.EventsPublished.WithLabelValues(name).Inc()

	if b.sinkCh != nil {
		select {
		case b.sinkCh <- e:
		default:
			b.logger.Warn("event sink queue full", "event", name, "channel", channel)
		}
	}
	return delivered
}

// Run forwards events to the sink until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	if b.sink == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.sinkCh:
			if err := b.sink.PublishEvent(ctx, e); err != nil {
				b.logger.Error("event sink publish failed", "event", e.Name, "channel", e.Channel, "error", err)
			}
		}
	}
}
