package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/delivery-dispatch/internal/dispatch"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/geofence"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/statesync"
	"github.com/example/delivery-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *geo.Index) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	index := geo.NewIndex()
	hub := statesync.NewHub()
	wsreg := NewWSRegistry(logger)
	engine := dispatch.NewEngine(store, index, wsreg, hub, geofence.NewTracker(50, 10*time.Second), dispatch.Config{
		OfferTimeout:       2 * time.Second,
		SearchRadiusMeters: 5000,
		MaxCandidates:      8,
		DefaultSpeedKmh:    25,
	}, logger)
	t.Cleanup(engine.Close)
	return NewServer(engine, index, hub, nil, wsreg, 25, logger), index
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func createTestOrder(t *testing.T, s *Server) models.Order {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/orders", map[string]any{
		"client_id": "c1",
		"pickup":    map[string]any{"text": "A", "coord": map[string]float64{"lat": 5.3605, "lon": -4.0085}},
		"dropoff":   map[string]any{"text": "B", "coord": map[string]float64{"lat": 5.37, "lon": -4.02}},
		"method":    "standard",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", w.Code, w.Body.String())
	}
	var o models.Order
	if err := json.Unmarshal(w.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return o
}

func TestCreateAndGetOrder(t *testing.T) {
	s, _ := newTestServer(t)
	o := createTestOrder(t, s)
	if o.ID == "" || o.Status != models.StatusPending {
		t.Fatalf("unexpected created order %+v", o)
	}

	w := doJSON(t, s, http.MethodGet, "/api/v1/orders/"+o.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get returned %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("wrong content type %q", w.Header().Get("Content-Type"))
	}
}

func TestGetOrderNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	if w := doJSON(t, s, http.MethodGet, "/api/v1/orders/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateOrderRejectsBadBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	if w := doJSON(t, s, http.MethodPost, "/api/v1/orders", map[string]any{"client_id": ""}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing client, got %d", w.Code)
	}
}

func TestRespondConflictMapping(t *testing.T) {
	s, _ := newTestServer(t)
	o := createTestOrder(t, s)

	// no live offer exists for this driver
	w := doJSON(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/respond", map[string]any{"driver_id": "d1", "accept": false})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for decline without offer, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/respond", map[string]any{"accept": true})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing driver_id, got %d", w.Code)
	}
}

func TestAdvanceRejectsInvalidTransition(t *testing.T) {
	s, _ := newTestServer(t)
	o := createTestOrder(t, s)
	w := doJSON(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/advance", map[string]any{
		"driver_id": "d1", "target_status": "picked_up",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending->picked_up, got %d", w.Code)
	}
}

func TestAdvanceRequiresDriverID(t *testing.T) {
	s, _ := newTestServer(t)
	o := createTestOrder(t, s)
	w := doJSON(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/advance", map[string]any{
		"target_status": "enroute",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing driver_id, got %d", w.Code)
	}
}

func TestWSUpgradeFailureWritesSingleResponse(t *testing.T) {
	s, _ := newTestServer(t)
	// plain GET without the websocket handshake headers
	w := doJSON(t, s, http.MethodGet, "/ws/admin", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCancelLifecycle(t *testing.T) {
	s, idx := newTestServer(t)
	// an unanswered offer keeps the order pending while we cancel
	avail := true
	idx.Upsert(models.PositionReport{
		DriverID:  "d1",
		Coord:     models.Coord{Lat: 5.3604, Lon: -4.0084},
		Timestamp: time.Now(),
		Vehicle:   models.VehicleStandard,
		Available: &avail,
	})
	o := createTestOrder(t, s)
	if w := doJSON(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", w.Code)
	}
}

func TestPositionReportValidation(t *testing.T) {
	s, idx := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/internal/driver/positions", map[string]any{
		"coord": map[string]float64{"lat": 5.36, "lon": -4.0},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing driver_id, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/internal/driver/positions", map[string]any{
		"driver_id": "d1",
		"coord":     map[string]float64{"lat": 999, "lon": -4.0},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad coordinates, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/internal/driver/positions", map[string]any{
		"driver_id": "d1",
		"coord":     map[string]float64{"lat": 5.36, "lon": -4.0},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := idx.GetDriverState(context.Background(), "d1"); err != nil {
		t.Fatalf("position not indexed: %v", err)
	}
}

func TestDriverOrdersEmptyList(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v1/drivers/d1/orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var orders []models.Order
	if err := json.Unmarshal(w.Body.Bytes(), &orders); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected empty list, got %+v", orders)
	}
}

func TestDriverRouteUnknownDriver(t *testing.T) {
	s, _ := newTestServer(t)
	if w := doJSON(t, s, http.MethodGet, "/api/v1/drivers/ghost/route", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	if w := doJSON(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
