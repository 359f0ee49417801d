package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/geofence"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/statesync"
	"github.com/example/delivery-dispatch/internal/storage"
)

var (
	// ErrOrderTaken is the contention error: the order left pending before
	// this driver's accept landed. Surfaced to the driver as "order no
	// longer available", never as a system failure.
	ErrOrderTaken = errors.New("order no longer available")
	// ErrInvalidTransition rejects transitions that skip states or move
	// backward. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotPending        = errors.New("order is no longer pending")
	ErrDriverMismatch    = errors.New("order is assigned to a different driver")
	ErrNoLiveOffer       = errors.New("no live offer for driver")
)

// OfferPusher delivers an offer to a driver's device. Best-effort: a failed
// push just means the offer times out unanswered.
type OfferPusher interface {
	Offer(ctx context.Context, driverID string, offer models.Offer) error
}

type Config struct {
	OfferTimeout       time.Duration
	SearchRadiusMeters float64
	MaxCandidates      int
	DefaultSpeedKmh    float64
	PositionSilence    time.Duration
	WatchdogInterval   time.Duration
}

// Engine owns the order lifecycle: creation, the offer-and-timeout cascade,
// accept CAS, explicit advances, and geofence-driven auto advances. Each
// order's cascade runs as its own goroutine; the only cross-order state is
// the store and the live-offer table.
type Engine struct {
	store  storage.OrderStore
	dir    geo.Directory
	pusher OfferPusher
	hub    *statesync.Hub
	fences *geofence.Tracker
	cfg    Config
	log    *slog.Logger

	rootCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	offers  map[string]*liveOffer          // orderID -> outstanding offer
	cancels map[string]*cascadeHandle      // orderID -> running cascade
}

type liveOffer struct {
	driverID  string
	offeredAt time.Time
	resp      chan models.OfferOutcome
}

// cascadeHandle identifies one cascade goroutine. The pointer identity lets a
// finished cascade clean up only its own map entry, never a replacement's.
type cascadeHandle struct {
	cancel context.CancelFunc
}

func NewEngine(store storage.OrderStore, dir geo.Directory, pusher OfferPusher, hub *statesync.Hub, fences *geofence.Tracker, cfg Config, log *slog.Logger) *Engine {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 20 * time.Second
	}
	if cfg.SearchRadiusMeters <= 0 {
		cfg.SearchRadiusMeters = 5000
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 8
	}
	if cfg.DefaultSpeedKmh <= 0 {
		cfg.DefaultSpeedKmh = 25
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		dir:      dir,
		pusher:   pusher,
		hub:      hub,
		fences:   fences,
		cfg:      cfg,
		log:      log,
		rootCtx:  ctx,
		shutdown: cancel,
		offers:   make(map[string]*liveOffer),
		cancels:  make(map[string]*cascadeHandle),
	}
}

// Close aborts all running cascades and waits for them to exit.
func (e *Engine) Close() {
	e.shutdown()
	e.wg.Wait()
}

type CreateRequest struct {
	ClientID string              `json:"client_id"`
	Pickup   models.Address      `json:"pickup"`
	Dropoff  models.Address      `json:"dropoff"`
	Method   models.VehicleClass `json:"method"`
}

// CreateOrder persists a new pending order and starts its dispatch cascade.
func (e *Engine) CreateOrder(ctx context.Context, req CreateRequest) (*models.Order, error) {
	if req.ClientID == "" {
		return nil, errors.New("create order: client_id required")
	}
	if !req.Method.IsValid() {
		return nil, fmt.Errorf("create order: invalid method %q", req.Method)
	}
	if _, err := geo.Distance(req.Pickup.Coord, req.Dropoff.Coord); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	o := &models.Order{
		ID:        newID(),
		ClientID:  req.ClientID,
		Pickup:    req.Pickup,
		Dropoff:   req.Dropoff,
		Method:    req.Method,
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := e.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	observability.OrdersCreatedTotal.Inc()
	e.publishOrder(o)
	e.startCascade(o.ID)
	return o.Clone(), nil
}

// Redispatch restarts the cascade for an order that is still pending, for
// the external low-frequency retry scheduler.
func (e *Engine) Redispatch(ctx context.Context, orderID string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.StatusPending {
		return ErrNotPending
	}
	e.startCascade(orderID)
	return nil
}

func (e *Engine) startCascade(orderID string) {
	ctx, cancel := context.WithCancel(e.rootCtx)
	h := &cascadeHandle{cancel: cancel}
	e.mu.Lock()
	if prev, ok := e.cancels[orderID]; ok {
		prev.cancel()
	}
	e.cancels[orderID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			// A redispatch may already have replaced this cascade; only the
			// owner removes its own entry.
			if e.cancels[orderID] == h {
				delete(e.cancels, orderID)
			}
			e.mu.Unlock()
		}()
		e.runCascade(ctx, orderID)
	}()
}

// runCascade offers the order to the nearest unoffered candidate, one at a
// time, until someone accepts, everyone is exhausted, or the order leaves
// pending some other way. Timeouts and declines are routine, not errors.
func (e *Engine) runCascade(ctx context.Context, orderID string) {
	start := time.Now()
	skipped := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return
		}
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			e.log.Error("cascade: load order", "order", orderID, "error", err)
			return
		}
		if o.Status != models.StatusPending {
			return
		}

		cands, err := e.dir.FindCandidates(ctx, o.Pickup.Coord, o.Method, e.cfg.SearchRadiusMeters, e.cfg.MaxCandidates)
		if err != nil {
			// Directory trouble is "drivers unavailable", not fatal.
			e.log.Warn("cascade: candidate search failed", "order", orderID, "error", err)
			cands = nil
		}

		next := e.pickNext(o, cands, skipped)
		if next == nil {
			reason := e.classifyDecline(ctx, o, cands)
			if err := e.declineOrder(ctx, orderID, reason); err != nil && !errors.Is(err, ErrNotPending) {
				e.log.Error("cascade: decline", "order", orderID, "error", err)
			}
			observability.DispatchLatency.Observe(time.Since(start).Seconds())
			return
		}

		state, err := e.dir.GetDriverState(ctx, next.DriverID)
		if err != nil || !state.Online || !state.Available {
			// Must never offer to an unavailable driver. Skip quietly for
			// this cycle without burning an offer-history slot.
			skipped[next.DriverID] = true
			continue
		}

		outcome, offeredAt, ok := e.offerAndWait(ctx, o, next)
		if !ok {
			return // cascade aborted
		}
		switch outcome {
		case models.OfferAccepted:
			observability.DispatchLatency.Observe(time.Since(start).Seconds())
			return // accept path already wrote status and history
		default:
			observability.OffersTotal.WithLabelValues(string(outcome)).Inc()
			if err := e.appendOutcome(ctx, orderID, next.DriverID, offeredAt, outcome); err != nil {
				e.log.Error("cascade: record outcome", "order", orderID, "driver", next.DriverID, "error", err)
				return
			}
		}
	}
}

func (e *Engine) pickNext(o *models.Order, cands []geo.Candidate, skipped map[string]bool) *geo.Candidate {
	for i := range cands {
		c := &cands[i]
		if skipped[c.DriverID] || o.WasOffered(c.DriverID) {
			continue
		}
		return c
	}
	return nil
}

func (e *Engine) classifyDecline(ctx context.Context, o *models.Order, cands []geo.Candidate) models.DeclineReason {
	if len(o.OfferHistory) > 0 {
		return models.DeclineAllDeclined
	}
	if len(cands) > 0 {
		// Candidates existed but every one was unavailable by the time we
		// checked; from the client's view there was nobody in range.
		return models.DeclineNoDriversInRange
	}
	type onlineChecker interface {
		AnyOnline(ctx context.Context) bool
	}
	if oc, ok := e.dir.(onlineChecker); ok && !oc.AnyOnline(ctx) {
		return models.DeclineNoDriversOnline
	}
	return models.DeclineNoDriversInRange
}

// offerAndWait extends one offer and blocks until response, timeout, or
// abort. ok=false means the cascade should stop without recording anything.
func (e *Engine) offerAndWait(ctx context.Context, o *models.Order, cand *geo.Candidate) (models.OfferOutcome, time.Time, bool) {
	offeredAt := time.Now()
	lo := &liveOffer{
		driverID:  cand.DriverID,
		offeredAt: offeredAt,
		resp:      make(chan models.OfferOutcome, 1),
	}
	e.mu.Lock()
	e.offers[o.ID] = lo
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.offers[o.ID] == lo {
			delete(e.offers, o.ID)
		}
		e.mu.Unlock()
	}()

	offer := models.Offer{
		OrderID:        o.ID,
		Pickup:         o.Pickup,
		Dropoff:        o.Dropoff,
		DistanceMeters: cand.DistanceMeters,
		ETAMinutes:     geo.ETAMinutes(cand.DistanceMeters, e.cfg.DefaultSpeedKmh),
		ExpiresAt:      offeredAt.Add(e.cfg.OfferTimeout),
	}
	if err := e.pusher.Offer(ctx, cand.DriverID, offer); err != nil {
		e.log.Warn("offer push failed", "order", o.ID, "driver", cand.DriverID, "error", err)
	}

	timer := time.NewTimer(e.cfg.OfferTimeout)
	defer timer.Stop()
	select {
	case outcome := <-lo.resp:
		return outcome, offeredAt, true
	case <-timer.C:
		return models.OfferTimedOut, offeredAt, true
	case <-ctx.Done():
		return "", offeredAt, false
	}
}

// DriverRespond handles an explicit accept or decline from a driver.
func (e *Engine) DriverRespond(ctx context.Context, orderID, driverID string, accept bool) error {
	if accept {
		return e.acceptOrder(ctx, orderID, driverID)
	}
	e.mu.Lock()
	lo, ok := e.offers[orderID]
	if ok && lo.driverID == driverID {
		select {
		case lo.resp <- models.OfferDeclined:
		default:
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return ErrNoLiveOffer
}

// acceptOrder is the compare-and-swap heart of the engine: pending →
// accepted succeeds for exactly one driver; every other concurrent accept
// observes a non-pending status or a version conflict and gets ErrOrderTaken.
// Only the driver holding the current live offer may accept at all.
func (e *Engine) acceptOrder(ctx context.Context, orderID, driverID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.StatusPending {
			return ErrOrderTaken
		}
		e.mu.Lock()
		lo := e.offers[orderID]
		e.mu.Unlock()
		if lo == nil {
			return ErrNoLiveOffer
		}
		if lo.driverID != driverID {
			// Someone else holds the current offer. This driver's window, if
			// it ever existed, has closed.
			return ErrOrderTaken
		}
		offeredAt := lo.offeredAt

		now := time.Now()
		next := o.Clone()
		next.Status = models.StatusAccepted
		next.DriverID = driverID
		next.AssignedAt = &now
		next.OfferHistory = append(next.OfferHistory, models.OfferRecord{
			DriverID: driverID, OfferedAt: offeredAt, Outcome: models.OfferAccepted,
		})
		next.Version++
		if err := e.store.UpdateOrder(ctx, next, o.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue // re-read; a winner will show as non-pending
			}
			return err
		}

		observability.OffersTotal.WithLabelValues(string(models.OfferAccepted)).Inc()
		e.notifyAccept(orderID, driverID)
		e.publishOrder(next)
		e.publishDriver(driverID, "assigned")
		e.fences.Track(driverID, geofence.Waypoint{OrderID: orderID, Role: geofence.RolePickup, Target: next.Pickup.Coord})
		e.log.Info("order accepted", "order", orderID, "driver", driverID)
		return nil
	}
	return ErrOrderTaken
}

func (e *Engine) notifyAccept(orderID, driverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lo, ok := e.offers[orderID]; ok && lo.driverID == driverID {
		select {
		case lo.resp <- models.OfferAccepted:
		default:
		}
	}
}

// appendOutcome records a declined or timed-out offer in the order history.
func (e *Engine) appendOutcome(ctx context.Context, orderID, driverID string, offeredAt time.Time, outcome models.OfferOutcome) error {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.StatusPending {
			return nil // order resolved while we were recording; nothing to do
		}
		next := o.Clone()
		next.OfferHistory = append(next.OfferHistory, models.OfferRecord{
			DriverID: driverID, OfferedAt: offeredAt, Outcome: outcome,
		})
		next.Version++
		if err := e.store.UpdateOrder(ctx, next, o.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return storage.ErrVersionConflict
}

func (e *Engine) declineOrder(ctx context.Context, orderID string, reason models.DeclineReason) error {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.StatusPending {
			return ErrNotPending
		}
		next := o.Clone()
		next.Status = models.StatusDeclined
		next.DeclineReason = reason
		next.Version++
		if err := e.store.UpdateOrder(ctx, next, o.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return err
		}
		observability.DispatchDeclinedTotal.WithLabelValues(string(reason)).Inc()
		e.publishOrder(next)
		e.log.Info("order declined", "order", orderID, "reason", reason)
		return nil
	}
	return storage.ErrVersionConflict
}

// Cancel aborts a pending order. Cancellation after assignment is a dispute
// workflow outside this core.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.StatusPending {
			return ErrNotPending
		}
		next := o.Clone()
		next.Status = models.StatusCancelled
		next.Version++
		if err := e.store.UpdateOrder(ctx, next, o.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return err
		}
		e.abortCascade(orderID)
		e.publishOrder(next)
		e.log.Info("order cancelled", "order", orderID)
		return nil
	}
	return storage.ErrVersionConflict
}

func (e *Engine) abortCascade(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.cancels[orderID]; ok {
		h.cancel()
	}
}

// DriverAdvance applies an explicit driver-reported transition, validated
// against the allowed edges.
func (e *Engine) DriverAdvance(ctx context.Context, orderID, driverID string, target models.OrderStatus) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	switch target {
	case models.StatusEnroute, models.StatusPickedUp, models.StatusCompleted:
	default:
		return fmt.Errorf("%w: %s is not driver-reachable", ErrInvalidTransition, target)
	}
	_, err := e.advance(ctx, orderID, driverID, target, time.Now())
	return err
}

// advance performs a CAS transition to target. driverID may be empty for
// engine-internal callers that already trust the source.
func (e *Engine) advance(ctx context.Context, orderID, driverID string, target models.OrderStatus, at time.Time) (*models.Order, error) {
	for attempt := 0; attempt < 3; attempt++ {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if driverID != "" && o.DriverID != driverID {
			return nil, ErrDriverMismatch
		}
		if o.Status == target {
			return o, nil // duplicate signal, already there
		}
		if !models.CanTransition(o.Status, target) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, target)
		}
		next := o.Clone()
		next.Status = target
		if target == models.StatusCompleted {
			t := at
			next.CompletedAt = &t
		}
		next.Version++
		if err := e.store.UpdateOrder(ctx, next, o.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		e.publishOrder(next)
		switch target {
		case models.StatusPickedUp:
			e.fences.Untrack(next.DriverID, orderID, geofence.RolePickup)
			e.fences.Track(next.DriverID, geofence.Waypoint{OrderID: orderID, Role: geofence.RoleDropoff, Target: next.Dropoff.Coord})
		case models.StatusCompleted:
			e.fences.UntrackOrder(next.DriverID, orderID)
			e.publishDriver(next.DriverID, "released")
		}
		e.log.Info("order advanced", "order", orderID, "status", target)
		return next, nil
	}
	return nil, storage.ErrVersionConflict
}

// ReportPosition feeds a GPS sample into the directory and the geofence
// tracker, applying any auto transitions the sample validates.
func (e *Engine) ReportPosition(ctx context.Context, report models.PositionReport) error {
	if err := geo.ValidateCoord(report.Coord); err != nil {
		return fmt.Errorf("report position: %w", err)
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	if up, ok := e.dir.(geo.Updater); ok {
		up.Upsert(report)
	}
	observability.PositionReportsTotal.Inc()

	for _, v := range e.fences.Observe(report.DriverID, report.Coord, report.Timestamp) {
		observability.GeofenceValidationsTotal.WithLabelValues(string(v.Waypoint.Role)).Inc()
		var target models.OrderStatus
		switch v.Waypoint.Role {
		case geofence.RolePickup:
			target = models.StatusPickedUp
		case geofence.RoleDropoff:
			target = models.StatusCompleted
		default:
			continue
		}
		if _, err := e.advance(ctx, v.Waypoint.OrderID, "", target, v.ValidatedAt); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// Manual action beat the geofence; harmless.
				continue
			}
			e.log.Error("auto advance failed", "order", v.Waypoint.OrderID, "target", target, "error", err)
		} else {
			e.log.Info("geofence auto advance", "order", v.Waypoint.OrderID, "target", target, "driver", v.DriverID)
		}
	}
	return nil
}

// RunWatchdog periodically flags drivers with tracked legs whose GPS has
// gone silent. Zone state stays frozen; this is observability only.
func (e *Engine) RunWatchdog(ctx context.Context) {
	interval := e.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	silence := e.cfg.PositionSilence
	if silence <= 0 {
		silence = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range e.fences.SilentDrivers(now, silence) {
				observability.StaleDriversTotal.Inc()
				e.log.Warn("driver position silent", "driver", id, "threshold", silence)
			}
		}
	}
}

// GetOrder is the authoritative reconciliation query.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

func (e *Engine) ActiveOrdersForDriver(ctx context.Context, driverID string) ([]*models.Order, error) {
	return e.store.ListActiveByDriver(ctx, driverID)
}

func (e *Engine) publishOrder(o *models.Order) {
	e.hub.Publish(statesync.Event{
		EntityID:  o.ID,
		Kind:      statesync.KindOrder,
		NewStatus: string(o.Status),
		Version:   o.Version + 1, // versions start at 1 on the wire
		Timestamp: time.Now(),
	})
}

func (e *Engine) publishDriver(driverID, status string) {
	e.hub.Publish(statesync.Event{
		EntityID:  driverID,
		Kind:      statesync.KindDriver,
		NewStatus: status,
		Version:   e.hub.NextVersion(driverID),
		Timestamp: time.Now(),
	})
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
