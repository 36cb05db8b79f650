package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimatorPrefersCacheThenClient(t *testing.T) {
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 1.01, Lon: 1}
	c := &stubClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}

	assert.Equal(t, 42.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 42.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.01, Lon: 0}
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, SpeedMps: 10}
	got := e.Estimate(context.Background(), a, b)
	assert.InDelta(t, EstimateSeconds(a, b, 10), got, 1e-9)
	assert.InDelta(t, 111.2, got, 0.5)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Nanosecond)
	a := models.Coord{Lat: 1}
	c.Set(a, a, 5)
	time.Sleep(time.Millisecond)
	_, ok := c.Get(a, a)
	assert.False(t, ok)
}

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	require.NoError(t, err)
	assert.Equal(t, 321.5, got)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.ErrorIs(t, err, ErrNoRoute)
}
