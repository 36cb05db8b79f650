package geo

import (
	"math"
	"testing"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmOneDegreeLatitude(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	// one degree of arc on a 6371 km sphere
	if math.Abs(d-111.195) > 0.01 {
		t.Fatalf("expected ~111.195km, got %f", d)
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := models.Coord{Lat: 12.9716, Lon: 77.5946}
	b := models.Coord{Lat: 13.0827, Lon: 80.2707}
	if math.Abs(DistanceM(a, b)-DistanceM(b, a)) > 1e-6 {
		t.Fatalf("distance not symmetric")
	}
}
