package geo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// ErrUnknownDriver is returned for drivers the directory has never seen.
var ErrUnknownDriver = errors.New("unknown driver")

// Candidate is one driver eligible for an offer, with its straight-line
// distance to the pickup.
type Candidate struct {
	DriverID       string
	DistanceMeters float64
}

// Directory is the minimal driver-directory surface the dispatch engine
// needs: who is near a pickup and what state a driver is in.
type Directory interface {
	FindCandidates(ctx context.Context, pickup models.Coord, vehicle models.VehicleClass, radiusMeters float64, limit int) ([]Candidate, error)
	GetDriverState(ctx context.Context, driverID string) (*models.DriverState, error)
}

// Updater is the write side, fed by position reports.
type Updater interface {
	Upsert(report models.PositionReport)
	SetAvailable(driverID string, available bool)
}

// Index is an in-memory Directory for single-process deployments and tests.
// Production deployments use RedisDirectory instead.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]*models.DriverState
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]*models.DriverState)}
}

func (x *Index) Upsert(report models.PositionReport) {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.drivers[report.DriverID]
	if !ok {
		d = &models.DriverState{ID: report.DriverID, Available: true, Vehicle: models.VehicleStandard}
		x.drivers[report.DriverID] = d
	}
	// Out-of-order samples are dropped; the freshest position wins.
	if !report.Timestamp.Before(d.PositionAt) {
		c := report.Coord
		d.Position = &c
		d.PositionAt = report.Timestamp
	}
	d.Online = true
	if report.Vehicle.IsValid() {
		d.Vehicle = report.Vehicle
	}
	if report.Available != nil {
		d.Available = *report.Available
	}
}

func (x *Index) SetAvailable(driverID string, available bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if d, ok := x.drivers[driverID]; ok {
		d.Available = available
	}
}

func (x *Index) SetOnline(driverID string, online bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if d, ok := x.drivers[driverID]; ok {
		d.Online = online
	}
}

func (x *Index) GetDriverState(ctx context.Context, driverID string) (*models.DriverState, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.drivers[driverID]
	if !ok {
		return nil, ErrUnknownDriver
	}
	cp := *d
	if d.Position != nil {
		c := *d.Position
		cp.Position = &c
	}
	return &cp, nil
}

// AnyOnline reports whether any driver is currently online, regardless of
// class or range. The engine uses it to pick a decline reason.
func (x *Index) AnyOnline(ctx context.Context) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, d := range x.drivers {
		if d.Online {
			return true
		}
	}
	return false
}

// FindCandidates scans all drivers and returns the nearest eligible ones,
// ascending by distance. A linear scan is fine at this scale; the Redis
// directory handles larger fleets.
func (x *Index) FindCandidates(ctx context.Context, pickup models.Coord, vehicle models.VehicleClass, radiusMeters float64, limit int) ([]Candidate, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Candidate, 0, limit)
	for _, d := range x.drivers {
		if !d.Online || !d.Available || d.Position == nil {
			continue
		}
		if vehicle.IsValid() && d.Vehicle != vehicle {
			continue
		}
		dist, err := Distance(*d.Position, pickup)
		if err != nil {
			continue
		}
		if dist > radiusMeters {
			continue
		}
		out = append(out, Candidate{DriverID: d.ID, DistanceMeters: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkStale flags drivers whose last position is older than maxAge as
// offline. Returns the flagged IDs for logging.
func (x *Index) MarkStale(now time.Time, maxAge time.Duration) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var stale []string
	for id, d := range x.drivers {
		if d.Online && !d.PositionAt.IsZero() && now.Sub(d.PositionAt) > maxAge {
			d.Online = false
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}
