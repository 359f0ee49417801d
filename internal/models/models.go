package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Address pairs the human-readable text with the geocoded point.
type Address struct {
	Text  string `json:"text"`
	Coord Coord  `json:"coord"`
}

type VehicleClass string

const (
	VehicleLight    VehicleClass = "light"
	VehicleStandard VehicleClass = "standard"
	VehicleHeavy    VehicleClass = "heavy"
)

func (v VehicleClass) IsValid() bool {
	switch v {
	case VehicleLight, VehicleStandard, VehicleHeavy:
		return true
	default:
		return false
	}
}

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAccepted  OrderStatus = "accepted"
	StatusEnroute   OrderStatus = "enroute"
	StatusPickedUp  OrderStatus = "picked_up"
	StatusCompleted OrderStatus = "completed"
	StatusDeclined  OrderStatus = "declined"
	StatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusEnroute, StatusPickedUp,
		StatusCompleted, StatusDeclined, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal statuses are absorbing: no edge leaves them.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusCancelled:
		return true
	default:
		return false
	}
}

// allowedEdges is the single source of truth for the order state machine.
// Cancellation is only reachable from pending; once a driver is assigned,
// cancellation becomes a dispute workflow outside this core.
var allowedEdges = map[OrderStatus][]OrderStatus{
	StatusPending:  {StatusAccepted, StatusDeclined, StatusCancelled},
	StatusAccepted: {StatusEnroute, StatusPickedUp},
	StatusEnroute:  {StatusPickedUp},
	StatusPickedUp: {StatusCompleted},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReach reports whether to is reachable from from by one or more forward
// edges. The reconciliation poller uses this to tell a missed forward
// transition apart from a stale or backward snapshot.
func CanReach(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	seen := map[OrderStatus]bool{from: true}
	frontier := []OrderStatus{from}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, next := range allowedEdges[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

type OfferOutcome string

const (
	OfferAccepted OfferOutcome = "accepted"
	OfferDeclined OfferOutcome = "declined"
	OfferTimedOut OfferOutcome = "timed_out"
)

// OfferRecord is one entry of an order's append-only offer history.
type OfferRecord struct {
	DriverID  string       `json:"driver_id"`
	OfferedAt time.Time    `json:"offered_at"`
	Outcome   OfferOutcome `json:"outcome"`
}

// DeclineReason distinguishes why a dispatch cycle ended without a driver.
type DeclineReason string

const (
	DeclineNoDriversOnline  DeclineReason = "no_drivers_online"
	DeclineNoDriversInRange DeclineReason = "no_drivers_in_range"
	DeclineAllDeclined      DeclineReason = "all_drivers_declined"
)

type Order struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"client_id"`
	DriverID      string        `json:"driver_id,omitempty"`
	Pickup        Address       `json:"pickup"`
	Dropoff       Address       `json:"dropoff"`
	Method        VehicleClass  `json:"method"`
	Status        OrderStatus   `json:"status"`
	DeclineReason DeclineReason `json:"decline_reason,omitempty"`
	OfferHistory  []OfferRecord `json:"offer_history,omitempty"`
	Version       uint64        `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	AssignedAt    *time.Time    `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so engine mutations never alias store state.
func (o *Order) Clone() *Order {
	cp := *o
	if o.OfferHistory != nil {
		cp.OfferHistory = make([]OfferRecord, len(o.OfferHistory))
		copy(cp.OfferHistory, o.OfferHistory)
	}
	if o.AssignedAt != nil {
		t := *o.AssignedAt
		cp.AssignedAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// WasOffered reports whether the driver already appears in the offer
// history. Such drivers are never re-offered the same order.
func (o *Order) WasOffered(driverID string) bool {
	for _, rec := range o.OfferHistory {
		if rec.DriverID == driverID {
			return true
		}
	}
	return false
}

// DriverState is the dispatch-relevant live view of a driver. It is owned by
// the driver directory; the dispatch engine only reads it.
type DriverState struct {
	ID             string       `json:"id"`
	Online         bool         `json:"online"`
	Available      bool         `json:"available"`
	Vehicle        VehicleClass `json:"vehicle"`
	Position       *Coord       `json:"position,omitempty"`
	PositionAt     time.Time    `json:"position_at"`
	ActiveOrderIDs []string     `json:"active_order_ids,omitempty"`
}

// PositionReport is one GPS sample from a driver device.
type PositionReport struct {
	DriverID  string       `json:"driver_id"`
	Coord     Coord        `json:"coord"`
	Timestamp time.Time    `json:"timestamp"`
	Vehicle   VehicleClass `json:"vehicle,omitempty"`
	Available *bool        `json:"available,omitempty"`
}

// Offer is what a candidate driver sees while the cascade waits on them.
type Offer struct {
	OrderID        string    `json:"order_id"`
	Pickup         Address   `json:"pickup"`
	Dropoff        Address   `json:"dropoff"`
	DistanceMeters float64   `json:"distance_meters"`
	ETAMinutes     int       `json:"eta_minutes"`
	ExpiresAt      time.Time `json:"expires_at"`
}
