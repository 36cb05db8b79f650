package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// MemoryStore keeps rides and drivers in process. Every read returns a copy.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	retired map[string]struct{}
	drivers map[string]*models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		retired: make(map[string]struct{}),
		drivers: make(map[string]*models.Driver),
	}
}

// missing tells a retired ride apart from one that never existed. Callers
// hold m.mu.
func (m *MemoryStore) missing(id string) error {
	if _, ok := m.retired[id]; ok {
		return ErrRetired
	}
	return ErrNotFound
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s already exists", r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, m.missing(id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateIfStatus(_ context.Context, id string, expected models.RideStatus, mutate Mutator) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return nil, m.missing(id)
	}
	if cur.Status != expected {
		return nil, ErrStatusMismatch
	}
	return m.apply(cur, mutate)
}

func (m *MemoryStore) UpdateRide(_ context.Context, id string, mutate Mutator) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return nil, m.missing(id)
	}
	return m.apply(cur, mutate)
}

// apply mutates a copy so a failing mutator leaves the stored ride untouched.
// Callers hold m.mu.
func (m *MemoryStore) apply(cur *models.Ride, mutate Mutator) (*models.Ride, error) {
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	m.rides[cur.ID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) DeleteIfStatus(_ context.Context, id string, expected models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return m.missing(id)
	}
	if cur.Status != expected {
		return ErrStatusMismatch
	}
	delete(m.rides, id)
	m.retired[id] = struct{}{}
	return nil
}

// ListRides returns matching rides newest first.
func (m *MemoryStore) ListRides(_ context.Context, f RideFilter) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *MemoryStore) SaveDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.drivers[d.ID] = &c
	return nil
}
