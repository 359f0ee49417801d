package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/statesync"
)

// Fetcher fetches authoritative order state. In production this is the
// GET /api/v1/orders/{id} query; in-process it is the engine itself.
type Fetcher interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

// Intervals are the per-phase polling periods. Pending polls fastest:
// driver search is the latency-sensitive phase.
type Intervals struct {
	Pending  time.Duration
	Assigned time.Duration // accepted and enroute
	PickedUp time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Pending: 3 * time.Second, Assigned: 5 * time.Second, PickedUp: 12 * time.Second}
}

type trackedOrder struct {
	status  models.OrderStatus
	version uint64
	timer   *time.Timer
}

// Poller is the client-side reconciliation fallback: it re-fetches
// authoritative state for locally tracked in-flight orders and replays any
// transition the push channel dropped. Push and poll updates are deduped by
// version, so a transition is applied at most once.
type Poller struct {
	fetcher      Fetcher
	intervals    Intervals
	fetchTimeout time.Duration
	log          *slog.Logger
	onTransition func(orderID string, from, to models.OrderStatus)

	mu      sync.Mutex
	tracked map[string]*trackedOrder
	stopped bool
}

func New(fetcher Fetcher, intervals Intervals, log *slog.Logger, onTransition func(orderID string, from, to models.OrderStatus)) *Poller {
	if intervals.Pending <= 0 {
		intervals = DefaultIntervals()
	}
	return &Poller{
		fetcher:      fetcher,
		intervals:    intervals,
		fetchTimeout: 2 * time.Second,
		log:          log,
		onTransition: onTransition,
		tracked:      make(map[string]*trackedOrder),
	}
}

// Track starts polling an order from a known local snapshot. Terminal
// orders are never tracked.
func (p *Poller) Track(orderID string, status models.OrderStatus, version uint64) {
	if status.IsTerminal() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.tracked[orderID]; ok {
		return
	}
	t := &trackedOrder{status: status, version: version}
	p.tracked[orderID] = t
	p.scheduleLocked(orderID, t)
}

// Stop cancels every timer. The poller cannot be reused afterwards.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, t := range p.tracked {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(p.tracked, id)
	}
}

// Tracking reports whether the order is still being polled.
func (p *Poller) Tracking(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracked[orderID]
	return ok
}

// LocalStatus returns the poller's current local view of an order.
func (p *Poller) LocalStatus(orderID string) (models.OrderStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracked[orderID]
	if !ok {
		return "", false
	}
	return t.status, true
}

// ApplyPush feeds a push-delivered event into local state. Events at or
// below the last seen version are discarded, which is what makes duplicate
// delivery harmless.
func (p *Poller) ApplyPush(ev statesync.Event) {
	if ev.Kind != statesync.KindOrder {
		return
	}
	p.applyUpdate(ev.EntityID, models.OrderStatus(ev.NewStatus), ev.Version)
}

// applyUpdate advances local state if the update is newer and represents a
// forward transition. Backward or repeated statuses are ignored.
func (p *Poller) applyUpdate(orderID string, status models.OrderStatus, version uint64) {
	p.mu.Lock()
	t, ok := p.tracked[orderID]
	if !ok || version <= t.version {
		p.mu.Unlock()
		return
	}
	from := t.status
	if status != from && !models.CanReach(from, status) {
		p.mu.Unlock()
		return
	}
	t.version = version
	if status == from {
		p.mu.Unlock()
		return
	}
	t.status = status
	if status.IsTerminal() {
		// Cancel, not merely ignore: terminal orders must cost nothing.
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(p.tracked, orderID)
	} else {
		p.scheduleLocked(orderID, t)
	}
	p.mu.Unlock()

	if p.onTransition != nil {
		p.onTransition(orderID, from, status)
	}
}

func (p *Poller) scheduleLocked(orderID string, t *trackedOrder) {
	if t.timer != nil {
		t.timer.Stop()
	}
	interval := p.intervalFor(t.status)
	t.timer = time.AfterFunc(interval, func() { p.tick(orderID) })
}

func (p *Poller) intervalFor(status models.OrderStatus) time.Duration {
	switch status {
	case models.StatusPending:
		return p.intervals.Pending
	case models.StatusAccepted, models.StatusEnroute:
		return p.intervals.Assigned
	default:
		return p.intervals.PickedUp
	}
}

func (p *Poller) tick(orderID string) {
	p.mu.Lock()
	t, ok := p.tracked[orderID]
	if !ok || p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.fetchTimeout)
	o, err := p.fetcher.GetOrder(ctx, orderID)
	cancel()
	if err != nil {
		p.log.Warn("reconcile fetch failed", "order", orderID, "error", err)
		p.mu.Lock()
		if t2, ok := p.tracked[orderID]; ok && !p.stopped {
			p.scheduleLocked(orderID, t2)
		}
		p.mu.Unlock()
		return
	}

	// Event versions sit one above the stored order version.
	p.applyUpdate(orderID, o.Status, o.Version+1)

	p.mu.Lock()
	if t, ok = p.tracked[orderID]; ok && !p.stopped {
		p.scheduleLocked(orderID, t)
	}
	p.mu.Unlock()
}
