package presence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func newTestTracker(opts ...Option) *Tracker {
	return NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestMarkOnDutyIsIdempotentPerDriver(t *testing.T) {
	tr := newTestTracker()
	tr.MarkOnDuty("d1", "c1", models.Coord{Lat: 1, Lon: 1}, models.VehicleALS, nil)
	tr.MarkOnDuty("d1", "c1", models.Coord{Lat: 2, Lon: 2}, models.VehicleALS, nil)

	require.Equal(t, 1, tr.Count())
	p, ok := tr.Get("d1")
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 2, Lon: 2}, p.Coords)
	assert.True(t, p.OnDuty)
}

func TestMarkOffDutySafeWhenAbsent(t *testing.T) {
	tr := newTestTracker()
	assert.False(t, tr.MarkOffDuty("ghost"))

	tr.MarkOnDuty("d1", "c1", models.Coord{}, models.VehicleBLS, nil)
	assert.True(t, tr.MarkOffDuty("d1"))
	assert.Equal(t, 0, tr.Count())
	_, ok := tr.Get("d1")
	assert.False(t, ok)
}

func TestUpdateLocationNoopWhenOffDuty(t *testing.T) {
	var changes int
	tr := newTestTracker()
	tr.OnChange(func(Change) { changes++ })

	_, ok := tr.UpdateLocation("d1", models.Coord{Lat: 5, Lon: 5})
	assert.False(t, ok)
	assert.Equal(t, 0, changes)
	assert.Empty(t, tr.Snapshot())
}

func TestUpdateLocationMovesDriver(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	tr := newTestTracker(WithClock(func() time.Time { return now }))
	tr.MarkOnDuty("d1", "c1", models.Coord{Lat: 1, Lon: 1}, models.VehicleBLS, []models.EmergencyType{models.EmergencyCardiac})

	now = now.Add(time.Minute)
	p, ok := tr.UpdateLocation("d1", models.Coord{Lat: 1.5, Lon: 1.5})
	require.True(t, ok)
	assert.Equal(t, now, p.LastUpdated)
	assert.Equal(t, models.VehicleBLS, p.Vehicle)
	assert.Equal(t, []models.EmergencyType{models.EmergencyCardiac}, p.Specializations)
}

func TestDisconnectIgnoresStaleConnection(t *testing.T) {
	tr := newTestTracker()
	tr.MarkOnDuty("d1", "old", models.Coord{}, models.VehicleBLS, nil)
	tr.MarkOnDuty("d1", "new", models.Coord{}, models.VehicleBLS, nil)

	assert.False(t, tr.Disconnect("d1", "old"))
	assert.Equal(t, 1, tr.Count())
	assert.True(t, tr.Disconnect("d1", "new"))
	assert.Equal(t, 0, tr.Count())
}

func TestListenersSeeCommittedChanges(t *testing.T) {
	tr := newTestTracker()
	var kinds []ChangeKind
	tr.OnChange(func(c Change) {
		// the change must already be visible to readers
		_, visible := tr.Get(c.Presence.DriverID)
		assert.Equal(t, c.Kind != ChangeOffDuty, visible)
		kinds = append(kinds, c.Kind)
	})
	tr.MarkOnDuty("d1", "c1", models.Coord{}, models.VehicleBLS, nil)
	tr.UpdateLocation("d1", models.Coord{Lat: 1})
	tr.MarkOffDuty("d1")
	assert.Equal(t, []ChangeKind{ChangeOnDuty, ChangeMoved, ChangeOffDuty}, kinds)
}

func TestSnapshotDuringConcurrentWrites(t *testing.T) {
	tr := newTestTracker()
	const drivers = 50
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < drivers; i++ {
		id := fmt.Sprintf("d%d", i)
		tr.MarkOnDuty(id, "c", models.Coord{Lat: 0, Lon: 0}, models.VehicleALS, nil)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 1; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				v := float64(n % 80)
				// lat and lon always move together; a torn read would split them
				tr.UpdateLocation(id, models.Coord{Lat: v, Lon: v})
			}
		}(id)
	}

	for i := 0; i < 200; i++ {
		snap := tr.Snapshot()
		require.Len(t, snap, drivers)
		for _, p := range snap {
			require.Equal(t, p.Coords.Lat, p.Coords.Lon)
		}
	}
	close(stop)
	wg.Wait()
}

type recordingMirror struct {
	mu      sync.Mutex
	upserts []string
	removes []string
	done    chan struct{}
	want    int
}

func (m *recordingMirror) Upsert(_ context.Context, p models.DriverPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, p.DriverID)
	m.signal()
	return nil
}

func (m *recordingMirror) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes = append(m.removes, id)
	m.signal()
	return nil
}

func (m *recordingMirror) signal() {
	if len(m.upserts)+len(m.removes) == m.want {
		close(m.done)
	}
}

func TestRunForwardsChangesToMirror(t *testing.T) {
	m := &recordingMirror{done: make(chan struct{}), want: 3}
	tr := newTestTracker(WithMirror(m))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.MarkOnDuty("d1", "c1", models.Coord{}, models.VehicleBLS, nil)
	tr.UpdateLocation("d1", models.Coord{Lat: 1})
	tr.MarkOffDuty("d1")

	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not receive changes")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"d1", "d1"}, m.upserts)
	assert.Equal(t, []string{"d1"}, m.removes)
}
