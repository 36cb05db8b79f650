package ingest

import (
	"context"

	"github.com/example/ambulance-dispatch/internal/models"
)

type keyedPublisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// PresenceStream is a presence mirror that writes every committed change to
// the driver-locations topic, keyed by driver id. Off-duty changes are sent
// as a presence with OnDuty unset so consumers drop the driver.
type PresenceStream struct {
	pub keyedPublisher
}

func NewPresenceStream(p keyedPublisher) *PresenceStream {
	return &PresenceStream{pub: p}
}

func (s *PresenceStream) Upsert(ctx context.Context, p models.DriverPresence) error {
	p.OnDuty = true
	return s.pub.Publish(ctx, p.DriverID, p)
}

func (s *PresenceStream) Remove(ctx context.Context, driverID string) error {
	return s.pub.Publish(ctx, driverID, models.DriverPresence{DriverID: driverID})
}
