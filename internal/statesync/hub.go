package statesync

import (
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/observability"
)

// EntityKind tags which state machine an event belongs to.
type EntityKind string

const (
	KindOrder  EntityKind = "order"
	KindDriver EntityKind = "driver"
)

// AdminChannel receives every event regardless of entity.
const AdminChannel = "admin"

// Event is one versioned state change. Delivery is at-least-once and
// unordered-safe: consumers must discard version <= lastSeenVersion.
type Event struct {
	EntityID  string     `json:"entity_id"`
	Kind      EntityKind `json:"kind"`
	NewStatus string     `json:"new_status"`
	Version   uint64     `json:"version"`
	Timestamp time.Time  `json:"timestamp"`
}

// Channel names events fan out under.
func OrderChannel(orderID string) string   { return "order:" + orderID }
func DriverChannel(driverID string) string { return "driver:" + driverID }

type subscriber struct {
	ch chan Event
}

// Hub is the authoritative broadcaster of state changes. Publish never
// blocks the transition that produced the event: a subscriber whose buffer
// is full simply misses the event and relies on reconciliation.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[int]*subscriber
	nextSubID int
	versions  map[string]uint64
	latest    map[string]Event
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]map[int]*subscriber),
		versions: make(map[string]uint64),
		latest:   make(map[string]Event),
	}
}

// NextVersion allocates the next monotonic version for an entity.
func (h *Hub) NextVersion(entityID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions[entityID]++
	return h.versions[entityID]
}

// Publish fans the event out to its entity channel and the admin channel.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if ev.Version > h.versions[ev.EntityID] {
		h.versions[ev.EntityID] = ev.Version
	}
	if cur, ok := h.latest[ev.EntityID]; !ok || ev.Version > cur.Version {
		h.latest[ev.EntityID] = ev
	}
	h.mu.Unlock()

	var channel string
	switch ev.Kind {
	case KindDriver:
		channel = DriverChannel(ev.EntityID)
	default:
		channel = OrderChannel(ev.EntityID)
	}
	h.deliver(channel, ev)
	h.deliver(AdminChannel, ev)
	observability.PushEventsTotal.Inc()
}

func (h *Hub) deliver(channel string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[channel] {
		select {
		case s.ch <- ev:
		default:
			observability.PushDroppedTotal.Inc()
		}
	}
}

// Subscribe registers a buffered subscriber on a channel and returns the
// event stream plus a cancel func. Cancel closes the stream.
func (h *Hub) Subscribe(channel string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]*subscriber)
	}
	h.subs[channel][id] = s
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[channel][id]; ok {
			delete(h.subs[channel], id)
			close(s.ch)
		}
	}
	return s.ch, cancel
}

// Snapshot returns the latest event for an entity, for reconciliation.
func (h *Hub) Snapshot(entityID string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.latest[entityID]
	return ev, ok
}
