package geofence

import (
	"testing"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

var (
	pickupTarget = models.Coord{Lat: 5.3605, Lon: -4.0085}
	farAway      = models.Coord{Lat: 5.3600, Lon: -4.0080}  // ~78 m out
	nearEdge     = models.Coord{Lat: 5.36015, Lon: -4.00815} // ~55 m out
	inside       = models.Coord{Lat: 5.3603, Lon: -4.0083}  // ~31 m in
	deepInside   = models.Coord{Lat: 5.3604, Lon: -4.0084}  // ~16 m in
)

func base() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestApproachValidatesWithinDwellWindow(t *testing.T) {
	tr := NewTracker(50, 10*time.Second)
	tr.Track("d1", Waypoint{OrderID: "o1", Role: RolePickup, Target: pickupTarget})

	t0 := base()
	samples := []struct {
		at  time.Duration
		pos models.Coord
	}{
		{0, farAway},
		{2 * time.Second, nearEdge},
		{4 * time.Second, inside}, // first sample inside the fence
		{6 * time.Second, deepInside},
		{8 * time.Second, deepInside},
		{10 * time.Second, deepInside},
		{12 * time.Second, deepInside},
	}
	for _, s := range samples {
		if fired := tr.Observe("d1", s.pos, t0.Add(s.at)); len(fired) != 0 {
			t.Fatalf("validated too early at t=%v", s.at)
		}
	}

	// Entered at t=4s with a 10s dwell: validation must land at t=14s,
	// within the 14-16s window the sampling cadence allows.
	fired := tr.Observe("d1", deepInside, t0.Add(14*time.Second))
	if len(fired) != 1 {
		t.Fatalf("expected validation at t=14s, got %d", len(fired))
	}
	v := fired[0]
	if v.Waypoint.OrderID != "o1" || v.Waypoint.Role != RolePickup {
		t.Fatalf("unexpected validation %+v", v)
	}
	elapsed := v.ValidatedAt.Sub(t0)
	if elapsed < 14*time.Second || elapsed > 16*time.Second {
		t.Fatalf("validation outside window: %v", elapsed)
	}

	// validated fires exactly once
	if fired := tr.Observe("d1", deepInside, t0.Add(16*time.Second)); len(fired) != 0 {
		t.Fatal("validation fired twice")
	}
}

func TestLeavingBeforeDwellResets(t *testing.T) {
	tr := NewTracker(50, 10*time.Second)
	tr.Track("d1", Waypoint{OrderID: "o1", Role: RoleDropoff, Target: pickupTarget})
	t0 := base()

	tr.Observe("d1", inside, t0)                     // entering
	tr.Observe("d1", deepInside, t0.Add(4*time.Second)) // inside
	tr.Observe("d1", farAway, t0.Add(6*time.Second)) // leaves

	st, ok := tr.State("d1", "o1", RoleDropoff)
	if !ok || st.Status != ZoneOutside {
		t.Fatalf("expected outside after exit, got %+v", st)
	}

	// Re-entry starts the dwell clock from scratch; prior time in zone is
	// forgotten.
	tr.Observe("d1", inside, t0.Add(8*time.Second))
	if fired := tr.Observe("d1", deepInside, t0.Add(16*time.Second)); len(fired) != 0 {
		t.Fatal("validated with banked dwell time")
	}
	fired := tr.Observe("d1", deepInside, t0.Add(18*time.Second))
	if len(fired) != 1 {
		t.Fatalf("expected validation 10s after re-entry, got %d", len(fired))
	}
}

func TestNeverValidatesWithoutDwell(t *testing.T) {
	tr := NewTracker(50, 10*time.Second)
	tr.Track("d1", Waypoint{OrderID: "o1", Role: RolePickup, Target: pickupTarget})
	t0 := base()

	// brushes the zone twice, never staying
	for i, pos := range []models.Coord{inside, farAway, inside, farAway} {
		if fired := tr.Observe("d1", pos, t0.Add(time.Duration(i)*5*time.Second)); len(fired) != 0 {
			t.Fatal("validated without dwelling")
		}
	}
	st, _ := tr.State("d1", "o1", RolePickup)
	if st.Status == ZoneValidated {
		t.Fatalf("expected non-validated, got %+v", st)
	}
}

func TestStaleAndDuplicateSamplesDropped(t *testing.T) {
	tr := NewTracker(50, 10*time.Second)
	tr.Track("d1", Waypoint{OrderID: "o1", Role: RolePickup, Target: pickupTarget})
	t0 := base()

	tr.Observe("d1", inside, t0.Add(10*time.Second))
	// an older sample placing the driver outside must not reset the zone
	tr.Observe("d1", farAway, t0.Add(5*time.Second))
	// nor a duplicate of the current timestamp
	tr.Observe("d1", farAway, t0.Add(10*time.Second))

	st, _ := tr.State("d1", "o1", RolePickup)
	if st.Status != ZoneEntering {
		t.Fatalf("stale sample mutated state: %+v", st)
	}
}

func TestUntrackDiscardsState(t *testing.T) {
	tr := NewTracker(50, 10*time.Second)
	tr.Track("d1", Waypoint{OrderID: "o1", Role: RolePickup, Target: pickupTarget})
	tr.UntrackOrder("d1", "o1")
	if _, ok := tr.State("d1", "o1", RolePickup); ok {
		t.Fatal("expected state discarded")
	}
	if fired := tr.Observe("d1", deepInside, base()); len(fired) != 0 {
		t.Fatal("untracked leg fired")
	}
}

func TestSilentDrivers(t *testing.T) {
	tr := NewTracker(50, 10*time.Second)
	tr.Track("d1", Waypoint{OrderID: "o1", Role: RolePickup, Target: pickupTarget})
	tr.Track("d2", Waypoint{OrderID: "o2", Role: RolePickup, Target: pickupTarget})
	t0 := base()
	tr.Observe("d1", farAway, t0)
	tr.Observe("d2", farAway, t0.Add(80*time.Second))

	silent := tr.SilentDrivers(t0.Add(100*time.Second), 90*time.Second)
	if len(silent) != 1 || silent[0] != "d1" {
		t.Fatalf("expected [d1], got %v", silent)
	}
}
