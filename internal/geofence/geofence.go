package geofence

import (
	"sort"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

// ZoneStatus is the per-leg arrival state.
type ZoneStatus string

const (
	ZoneOutside   ZoneStatus = "outside"
	ZoneEntering  ZoneStatus = "entering"
	ZoneInside    ZoneStatus = "inside"
	ZoneValidated ZoneStatus = "validated"
)

// Role distinguishes the two legs of a delivery.
type Role string

const (
	RolePickup  Role = "pickup"
	RoleDropoff Role = "dropoff"
)

// Waypoint is a tracked arrival target for one order leg.
type Waypoint struct {
	OrderID string
	Role    Role
	Target  models.Coord
}

// Validation is emitted once when a tracked leg reaches validated.
type Validation struct {
	DriverID    string
	Waypoint    Waypoint
	ValidatedAt time.Time
}

// ZoneState is the queryable state of one (driver, waypoint) pair.
type ZoneState struct {
	Status           ZoneStatus
	EnteredAt        time.Time
	DistanceToTarget float64
}

type zone struct {
	wp        Waypoint
	status    ZoneStatus
	enteredAt time.Time
	distance  float64
}

type zoneKey struct {
	driverID string
	orderID  string
	role     Role
}

// Tracker runs the outside → entering → inside → validated machine for every
// tracked (driver, waypoint) pair. It is pure derived state: dropping and
// re-tracking a leg is always safe.
type Tracker struct {
	radiusMeters float64
	dwell        time.Duration

	mu       sync.Mutex
	zones    map[zoneKey]*zone
	lastSeen map[string]time.Time // last accepted sample per driver
}

func NewTracker(radiusMeters float64, dwell time.Duration) *Tracker {
	return &Tracker{
		radiusMeters: radiusMeters,
		dwell:        dwell,
		zones:        make(map[zoneKey]*zone),
		lastSeen:     make(map[string]time.Time),
	}
}

// Track starts watching a leg for a driver. Tracking an already-tracked leg
// resets it to outside.
func (t *Tracker) Track(driverID string, wp Waypoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := zoneKey{driverID, wp.OrderID, wp.Role}
	t.zones[k] = &zone{wp: wp, status: ZoneOutside}
}

// Untrack discards the leg. Called when the leg completes or the order
// terminates.
func (t *Tracker) Untrack(driverID, orderID string, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.zones, zoneKey{driverID, orderID, role})
}

// UntrackOrder discards both legs of an order for a driver.
func (t *Tracker) UntrackOrder(driverID, orderID string) {
	t.Untrack(driverID, orderID, RolePickup)
	t.Untrack(driverID, orderID, RoleDropoff)
}

// State returns the current zone state for a tracked leg.
func (t *Tracker) State(driverID, orderID string, role Role) (ZoneState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	z, ok := t.zones[zoneKey{driverID, orderID, role}]
	if !ok {
		return ZoneState{}, false
	}
	return ZoneState{Status: z.status, EnteredAt: z.enteredAt, DistanceToTarget: z.distance}, true
}

// Observe feeds one position sample and returns the legs that validated on
// this sample. Duplicate or out-of-order samples for the driver are dropped;
// a silent GPS freezes zone state at its last value (the dispatch watchdog,
// not this tracker, decides how long silence is tolerable).
func (t *Tracker) Observe(driverID string, pos models.Coord, ts time.Time) []Validation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastSeen[driverID]; ok && !ts.After(last) {
		return nil
	}
	t.lastSeen[driverID] = ts

	var fired []Validation
	for k, z := range t.zones {
		if k.driverID != driverID || z.status == ZoneValidated {
			continue
		}
		dist, err := geo.Distance(pos, z.wp.Target)
		if err != nil {
			continue // bad sample, keep last state
		}
		z.distance = dist

		if dist > t.radiusMeters {
			// Leaving the zone forgets prior dwell entirely, so a driver
			// cannot bank time by bouncing across the boundary.
			z.status = ZoneOutside
			z.enteredAt = time.Time{}
			continue
		}

		switch z.status {
		case ZoneOutside:
			z.status = ZoneEntering
			z.enteredAt = ts
		case ZoneEntering:
			z.status = ZoneInside
		}
		if !z.enteredAt.IsZero() && ts.Sub(z.enteredAt) >= t.dwell {
			z.status = ZoneValidated
			fired = append(fired, Validation{DriverID: driverID, Waypoint: z.wp, ValidatedAt: ts})
		}
	}
	return fired
}

// LastSeen returns the timestamp of the last accepted sample for a driver.
func (t *Tracker) LastSeen(driverID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[driverID]
	return ts, ok
}

// SilentDrivers lists drivers that still have tracked legs but whose last
// accepted sample is older than maxAge. Drivers with no sample at all are
// not reported; they have nothing to freeze.
func (t *Tracker) SilentDrivers(now time.Time, maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked := make(map[string]bool)
	for k := range t.zones {
		tracked[k.driverID] = true
	}
	var out []string
	for id := range tracked {
		if ts, ok := t.lastSeen[id]; ok && now.Sub(ts) > maxAge {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
