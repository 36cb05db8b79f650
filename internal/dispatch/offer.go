package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
)

// ErrNoSession means no live connection took the offer.
var ErrNoSession = errors.New("driver has no live session")

// Offer is the payload of an emergencyCall event.
type Offer struct {
	RideID     string        `json:"rideId"`
	DriverID   string        `json:"driverId"`
	Ride       *models.Ride  `json:"ride"`
	DistanceKm float64       `json:"distanceKm"`
	ETASeconds float64       `json:"etaSeconds"`
	Attempt    int           `json:"attempt"`
	Match      matcher.Score `json:"match"`
}

type Offerer interface {
	Offer(ctx context.Context, o Offer) error
}

type Publisher interface {
	Publish(ctx context.Context, channel, name string, payload any) int
}

// BusOfferer publishes offers on the driver's user channel. When nobody is
// listening and a fallback is set, the offer is pushed through it instead.
type BusOfferer struct {
	Bus      Publisher
	Fallback Offerer
}

func (b *BusOfferer) Offer(ctx context.Context, o Offer) error {
	if b.Bus.Publish(ctx, events.UserChannel(o.DriverID), events.RideOffer, o) > 0 {
		return nil
	}
	if b.Fallback != nil {
		return b.Fallback.Offer(ctx, o)
	}
	return ErrNoSession
}

// PushOfferer posts offers to a push gateway (FCM style envelope).
type PushOfferer struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushOfferer(endpoint, key string) *PushOfferer {
	return &PushOfferer{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushOfferer) Offer(ctx context.Context, o Offer) error {
	body := map[string]any{
		"message": map[string]any{
			"topic": "driver-" + o.DriverID,
			"data":  map[string]any{"type": events.RideOffer, "ride_id": o.RideID, "offer": o},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
