package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-dispatch/internal/dispatch"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/route"
	"github.com/example/delivery-dispatch/internal/statesync"
	"github.com/example/delivery-dispatch/internal/storage"
)

// Server exposes the dispatch core to its external collaborators: the web
// dashboard and the two mobile apps.
type Server struct {
	engine   *dispatch.Engine
	dir      geo.Directory
	hub      *statesync.Hub
	kafka    *ingest.KafkaProducer // nil when not configured
	wsreg    *WSRegistry
	speedKmh float64
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(engine *dispatch.Engine, dir geo.Directory, hub *statesync.Hub, kafka *ingest.KafkaProducer, wsreg *WSRegistry, speedKmh float64, logger *slog.Logger) *Server {
	s := &Server{
		engine:   engine,
		dir:      dir,
		hub:      hub,
		kafka:    kafka,
		wsreg:    wsreg,
		speedKmh: speedKmh,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/advance", s.handleAdvance).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/orders", s.handleDriverOrders).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/route", s.handleDriverRoute).Methods("GET")
	s.mux.HandleFunc("/internal/driver/positions", s.handlePosition).Methods("POST")
	s.mux.HandleFunc("/ws/orders/{order_id}", s.handleOrderWS)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/admin", s.handleAdminWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.engine.CreateOrder(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.GetOrder(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		if errors.Is(err, storage.ErrUnknownOrder) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Accept   bool   `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	err := s.engine.DriverRespond(r.Context(), mux.Vars(r)["order_id"], body.DriverID, body.Accept)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrOrderTaken):
		// Contention is not a system error; the loser just lost the race.
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrNoLiveOffer):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrUnknownOrder):
		http.Error(w, "order not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID     string             `json:"driver_id"`
		TargetStatus models.OrderStatus `json:"target_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	err := s.engine.DriverAdvance(r.Context(), mux.Vars(r)["order_id"], body.DriverID, body.TargetStatus)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, dispatch.ErrDriverMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrUnknownOrder):
		http.Error(w, "order not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Cancel(r.Context(), mux.Vars(r)["order_id"])
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrUnknownOrder):
		http.Error(w, "order not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleDriverOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.ActiveOrdersForDriver(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleDriverRoute(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	state, err := s.dir.GetDriverState(r.Context(), driverID)
	if err != nil {
		if errors.Is(err, geo.ErrUnknownDriver) {
			http.Error(w, "driver not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if state.Position == nil {
		http.Error(w, "driver has no known position", http.StatusConflict)
		return
	}
	orders, err := s.engine.ActiveOrdersForDriver(r.Context(), driverID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	plan, err := route.Sequence(*state.Position, orders, nil, s.speedKmh)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var report models.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if report.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	// Fan out to the firehose for the Redis index; apply locally either way
	// so geofencing never waits on the pipeline.
	if s.kafka != nil {
		if err := s.kafka.PublishPosition(report); err != nil {
			s.logger.Warn("kafka publish failed", "driver", report.DriverID, "error", err)
		}
	}
	if err := s.engine.ReportPosition(r.Context(), report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleOrderWS(w http.ResponseWriter, r *http.Request) {
	s.streamWS(w, r, statesync.OrderChannel(mux.Vars(r)["order_id"]), "")
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	s.streamWS(w, r, statesync.DriverChannel(driverID), driverID)
}

func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	s.streamWS(w, r, statesync.AdminChannel, "")
}

// streamWS upgrades the connection and forwards hub events for one channel.
// Driver sockets are additionally registered for offer pushes.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request, channel, driverID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	session := &WSSession{conn: conn}
	if driverID != "" {
		session = s.wsreg.Add(driverID, conn)
		defer s.wsreg.Remove(driverID, session)
	}
	events, cancel := s.hub.Subscribe(channel, 64)
	defer cancel()

	// Reader goroutine: we never expect client frames, but reading is how
	// websockets learn the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	pumpEvents(events, session)
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
