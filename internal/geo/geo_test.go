package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	d, err := Distance(models.Coord{}, models.Coord{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKnownPair(t *testing.T) {
	// one degree of latitude is ~111.19 km
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 1, Lon: 0}
	d, err := Distance(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(d-111195) > 200 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestDistanceRejectsBadCoords(t *testing.T) {
	cases := []models.Coord{
		{Lat: math.NaN(), Lon: 0},
		{Lat: 0, Lon: math.NaN()},
		{Lat: 91, Lon: 0},
		{Lat: 0, Lon: 181},
		{Lat: -90.5, Lon: 0},
	}
	for _, c := range cases {
		if _, err := Distance(c, models.Coord{}); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
		if _, err := Distance(models.Coord{}, c); err == nil {
			t.Fatalf("expected error for %+v as destination", c)
		}
	}
}

func TestETAMinutes(t *testing.T) {
	if got := ETAMinutes(0, 30); got != 0 {
		t.Fatalf("zero distance: expected 0, got %d", got)
	}
	if got := ETAMinutes(-5, 30); got != 0 {
		t.Fatalf("negative distance: expected 0, got %d", got)
	}
	// 10 km at 30 km/h = 20 minutes exactly
	if got := ETAMinutes(10000, 30); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
	// 10.1 km at 30 km/h = 20.2 -> ceil 21
	if got := ETAMinutes(10100, 30); got != 21 {
		t.Fatalf("expected 21, got %d", got)
	}
}

func TestIndexFindCandidatesFiltersAndSorts(t *testing.T) {
	idx := NewIndex()
	pickup := models.Coord{Lat: 5.36, Lon: -4.0}
	now := time.Now()
	avail := true
	unavail := false

	idx.Upsert(models.PositionReport{DriverID: "near", Coord: models.Coord{Lat: 5.361, Lon: -4.0}, Timestamp: now, Vehicle: models.VehicleStandard, Available: &avail})
	idx.Upsert(models.PositionReport{DriverID: "far", Coord: models.Coord{Lat: 5.38, Lon: -4.0}, Timestamp: now, Vehicle: models.VehicleStandard, Available: &avail})
	idx.Upsert(models.PositionReport{DriverID: "busy", Coord: models.Coord{Lat: 5.3605, Lon: -4.0}, Timestamp: now, Vehicle: models.VehicleStandard, Available: &unavail})
	idx.Upsert(models.PositionReport{DriverID: "truck", Coord: models.Coord{Lat: 5.3601, Lon: -4.0}, Timestamp: now, Vehicle: models.VehicleHeavy, Available: &avail})
	idx.Upsert(models.PositionReport{DriverID: "distant", Coord: models.Coord{Lat: 6.0, Lon: -4.0}, Timestamp: now, Vehicle: models.VehicleStandard, Available: &avail})

	cands, err := idx.FindCandidates(context.Background(), pickup, models.VehicleStandard, 5000, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(cands), cands)
	}
	if cands[0].DriverID != "near" || cands[1].DriverID != "far" {
		t.Fatalf("expected near then far, got %+v", cands)
	}
}

func TestIndexDropsStaleSamples(t *testing.T) {
	idx := NewIndex()
	now := time.Now()
	idx.Upsert(models.PositionReport{DriverID: "d1", Coord: models.Coord{Lat: 1, Lon: 1}, Timestamp: now})
	// older sample must not move the driver
	idx.Upsert(models.PositionReport{DriverID: "d1", Coord: models.Coord{Lat: 2, Lon: 2}, Timestamp: now.Add(-time.Minute)})

	d, err := idx.GetDriverState(context.Background(), "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Position.Lat != 1 || d.Position.Lon != 1 {
		t.Fatalf("stale sample applied: %+v", d.Position)
	}
}

func TestMarkStale(t *testing.T) {
	idx := NewIndex()
	old := time.Now().Add(-5 * time.Minute)
	idx.Upsert(models.PositionReport{DriverID: "gone", Coord: models.Coord{Lat: 1, Lon: 1}, Timestamp: old})
	stale := idx.MarkStale(time.Now(), time.Minute)
	if len(stale) != 1 || stale[0] != "gone" {
		t.Fatalf("expected [gone], got %v", stale)
	}
	d, _ := idx.GetDriverState(context.Background(), "gone")
	if d.Online {
		t.Fatal("expected driver offline after sweep")
	}
}
