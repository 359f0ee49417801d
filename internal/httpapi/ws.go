package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/statesync"
)

var ErrNoSession = errors.New("no ws session")

// wsMessage is the envelope pushed to clients: either an offer for a driver
// or a state-change event.
type wsMessage struct {
	Type  string           `json:"type"`
	Offer *models.Offer    `json:"offer,omitempty"`
	Event *statesync.Event `json:"event,omitempty"`
}

// WSSession is one connected socket. Writes are serialized; gorilla allows
// only one concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(msg wsMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds driver sessions and implements dispatch.OfferPusher:
// offers reach drivers over their live socket.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	r.sessions[driverID] = s
	r.mu.Unlock()
	return s
}

func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Offer(ctx context.Context, driverID string, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	o := offer
	if err := s.send(wsMessage{Type: "offer", Offer: &o}); err != nil {
		r.logger.Warn("ws offer send failed", "driver", driverID, "error", err)
		return err
	}
	return nil
}

// pumpEvents forwards hub events for one channel onto a session until the
// subscription or socket dies.
func pumpEvents(events <-chan statesync.Event, s *WSSession) {
	for ev := range events {
		e := ev
		if err := s.send(wsMessage{Type: "event", Event: &e}); err != nil {
			return
		}
	}
}
