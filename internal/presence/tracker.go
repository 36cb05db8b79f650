// Package presence keeps the registry of on-duty drivers and their last known
// position. Each driver id has one legitimate writer (its own connection);
// readers take per-call snapshots.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

const defaultShards = 32

type ChangeKind int

const (
	ChangeOnDuty ChangeKind = iota
	ChangeMoved
	ChangeOffDuty
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeOnDuty:
		return "on_duty"
	case ChangeMoved:
		return "moved"
	default:
		return "off_duty"
	}
}

type Change struct {
	Kind     ChangeKind
	Presence models.DriverPresence
}

// Listener is invoked after a mutation commits, outside any registry lock.
type Listener func(Change)

// Mirror receives committed changes for an external cache such as Redis GEO.
type Mirror interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	Remove(ctx context.Context, driverID string) error
}

type shard struct {
	mu      sync.RWMutex
	drivers map[string]*models.DriverPresence
}

type Tracker struct {
	shards []*shard
	count  atomic.Int64

	lmu       sync.RWMutex
	listeners []Listener

	mirror   Mirror
	mirrorCh chan Change
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Tracker)

func WithMirror(m Mirror) Option {
	return func(t *Tracker) {
		t.mirror = m
		t.mirrorCh = make(chan Change, 1024)
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		shards: make([]*shard, defaultShards),
		logger: logger,
		now:    time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{drivers: make(map[string]*models.DriverPresence)}
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnChange registers a listener for committed presence changes.
func (t *Tracker) OnChange(l Listener) {
	t.lmu.Lock()
	t.listeners = append(t.listeners, l)
	t.lmu.Unlock()
}

func (t *Tracker) shardFor(driverID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(driverID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// MarkOnDuty registers or refreshes a driver's presence. Calling it again for
// the same driver replaces the entry.
func (t *Tracker) MarkOnDuty(driverID, connID string, coords models.Coord, vehicle models.VehicleClass, specs []models.EmergencyType) models.DriverPresence {
	p := &models.DriverPresence{
		DriverID:        driverID,
		ConnID:          connID,
		Coords:          coords,
		LastUpdated:     t.now(),
		OnDuty:          true,
		Vehicle:         vehicle,
		Specializations: append([]models.EmergencyType(nil), specs...),
	}
	s := t.shardFor(driverID)
	s.mu.Lock()
	_, existed := s.drivers[driverID]
	s.drivers[driverID] = p
	s.mu.Unlock()
	if !existed {
		t.count.Add(1)
	}
	t.emit(Change{Kind: ChangeOnDuty, Presence: *p})
	return *p
}

// MarkOffDuty removes a driver's presence. It is safe when the driver is absent.
func (t *Tracker) MarkOffDuty(driverID string) bool {
	return t.remove(driverID, "")
}

// Disconnect removes the presence owned by connID. A stale connection closing
// after the driver reconnected elsewhere leaves the newer entry in place.
// An empty connID removes unconditionally.
func (t *Tracker) Disconnect(driverID, connID string) bool {
	return t.remove(driverID, connID)
}

func (t *Tracker) remove(driverID, connID string) bool {
	s := t.shardFor(driverID)
	s.mu.Lock()
	p, ok := s.drivers[driverID]
	if ok && connID != "" && p.ConnID != connID {
		ok = false
	}
	if ok {
		delete(s.drivers, driverID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.count.Add(-1)
	gone := *p
	gone.OnDuty = false
	t.emit(Change{Kind: ChangeOffDuty, Presence: gone})
	return true
}

// UpdateLocation moves an on-duty driver. It is a no-op returning false when
// the driver is not on duty.
func (t *Tracker) UpdateLocation(driverID string, coords models.Coord) (models.DriverPresence, bool) {
	s := t.shardFor(driverID)
	s.mu.Lock()
	cur, ok := s.drivers[driverID]
	if !ok {
		s.mu.Unlock()
		return models.DriverPresence{}, false
	}
	next := *cur
	next.Coords = coords
	next.LastUpdated = t.now()
	s.drivers[driverID] = &next
	s.mu.Unlock()
	t.emit(Change{Kind: ChangeMoved, Presence: next})
	return next, true
}

func (t *Tracker) Get(driverID string) (models.DriverPresence, bool) {
	s := t.shardFor(driverID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	return *p, true
}

// Snapshot copies every on-duty entry. Entries are replaced, never edited in
// place, so each copy is a complete value.
func (t *Tracker) Snapshot() []models.DriverPresence {
	out := make([]models.DriverPresence, 0, t.count.Load())
	for _, s := range t.shards {
		s.mu.RLock()
		for _, p := range s.drivers {
			out = append(out, *p)
		}
		s.mu.RUnlock()
	}
	return out
}

func (t *Tracker) Count() int { return int(t.count.Load()) }

func (t *Tracker) emit(c Change) {
	observability.DriversOnDuty.Set(float64(t.count.Load()))
	if t.mirrorCh != nil {
		select {
		case t.mirrorCh <- c:
		default:
			t.logger.Warn("presence mirror queue full, dropping change", "driver_id", c.Presence.DriverID, "kind", c.Kind.String())
		}
	}
	t.lmu.RLock()
	ls := t.listeners
	t.lmu.RUnlock()
	for _, l := range ls {
		l(c)
	}
}

// Run drains the mirror queue until ctx is done. Without a mirror it returns
// immediately.
func (t *Tracker) Run(ctx context.Context) {
	if t.mirror == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-t.mirrorCh:
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			var err error
			if c.Kind == ChangeOffDuty {
				err = t.mirror.Remove(wctx, c.Presence.DriverID)
			} else {
				err = t.mirror.Upsert(wctx, c.Presence)
			}
			cancel()
			if err != nil {
				t.logger.Error("presence mirror update failed", "driver_id", c.Presence.DriverID, "kind", c.Kind.String(), "error", err)
			}
		}
	}
}
