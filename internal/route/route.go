package route

import (
	"errors"
	"fmt"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/geofence"
	"github.com/example/delivery-dispatch/internal/models"
)

// priorityScale converts a priority weight into a distance discount large
// enough that explicit priority always dominates plain proximity ties.
const priorityScale = 1e7

// Waypoint is one routing target derived from an active order. Ephemeral:
// recomputed whenever the driver's order set or position changes, never
// persisted.
type Waypoint struct {
	OrderID        string
	Role           geofence.Role
	Coord          models.Coord
	PriorityWeight float64
}

// Stop is one visited waypoint in the produced sequence.
type Stop struct {
	OrderID        string
	Role           geofence.Role
	DistanceMeters float64
}

// Plan is the sequenced visitation order for a driver, with aggregate
// metrics for monitoring (not billing).
type Plan struct {
	OrderIDs            []string
	Stops               []Stop
	TotalDistanceMeters float64
	ETAMinutes          int
}

// Sequence orders the pickup/dropoff waypoints of a driver's active orders
// by a greedy nearest-feasible-waypoint heuristic. A dropoff only becomes
// feasible once its pickup has been visited; orders already picked up
// contribute only their dropoff. Ties break by the insertion order of the
// originating order, so the result is reproducible. Not optimal, by choice:
// driver sets are small and "good enough and fast" wins over a TSP solve.
func Sequence(current models.Coord, orders []*models.Order, priorities map[string]float64, speedKmh float64) (*Plan, error) {
	type node struct {
		wp      Waypoint
		seq     int // insertion order of the originating order
		visited bool
	}

	var nodes []node
	pickupPending := make(map[string]bool)
	for i, o := range orders {
		if o.Status.IsTerminal() || o.Status == models.StatusPending {
			continue
		}
		w := priorities[o.ID]
		if o.Status != models.StatusPickedUp {
			nodes = append(nodes, node{wp: Waypoint{OrderID: o.ID, Role: geofence.RolePickup, Coord: o.Pickup.Coord, PriorityWeight: w}, seq: i})
			pickupPending[o.ID] = true
		}
		nodes = append(nodes, node{wp: Waypoint{OrderID: o.ID, Role: geofence.RoleDropoff, Coord: o.Dropoff.Coord, PriorityWeight: w}, seq: i})
	}

	plan := &Plan{}
	pos := current
	seen := make(map[string]bool)

	for remaining := len(nodes); remaining > 0; remaining-- {
		best := -1
		var bestCost, bestDist float64
		for i := range nodes {
			n := &nodes[i]
			if n.visited {
				continue
			}
			if n.wp.Role == geofence.RoleDropoff && pickupPending[n.wp.OrderID] {
				continue
			}
			dist, err := geo.Distance(pos, n.wp.Coord)
			if err != nil {
				return nil, fmt.Errorf("sequence: order %s %s: %w", n.wp.OrderID, n.wp.Role, err)
			}
			cost := dist - n.wp.PriorityWeight*priorityScale
			if best == -1 || cost < bestCost || (cost == bestCost && n.seq < nodes[best].seq) {
				best, bestCost, bestDist = i, cost, dist
			}
		}
		if best == -1 {
			return nil, errors.New("sequence: no feasible waypoint")
		}
		n := &nodes[best]
		n.visited = true
		if n.wp.Role == geofence.RolePickup {
			delete(pickupPending, n.wp.OrderID)
		}
		plan.Stops = append(plan.Stops, Stop{OrderID: n.wp.OrderID, Role: n.wp.Role, DistanceMeters: bestDist})
		plan.TotalDistanceMeters += bestDist
		if !seen[n.wp.OrderID] {
			seen[n.wp.OrderID] = true
			plan.OrderIDs = append(plan.OrderIDs, n.wp.OrderID)
		}
		pos = n.wp.Coord
	}

	plan.ETAMinutes = geo.ETAMinutes(plan.TotalDistanceMeters, speedKmh)
	return plan, nil
}
