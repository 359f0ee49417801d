package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/delivery-dispatch/internal/models"
)

var (
	ErrUnknownOrder = errors.New("unknown order")
	// ErrVersionConflict means another writer got there first. Callers
	// re-read and re-decide; for an accept race this surfaces as
	// "order no longer available".
	ErrVersionConflict = errors.New("order version conflict")
	ErrDuplicateOrder  = errors.New("duplicate order id")
)

// OrderStore is the persistence port of the dispatch engine. UpdateOrder
// must be an atomic compare-and-swap on the order's version.
type OrderStore interface {
	SaveOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// UpdateOrder persists o (with o.Version already incremented) only if
	// the stored version equals expectVersion.
	UpdateOrder(ctx context.Context, o *models.Order, expectVersion uint64) error
	ListActiveByDriver(ctx context.Context, driverID string) ([]*models.Order, error)
}

// MemoryStore keeps orders in a mutex-guarded map with the same optimistic
// versioning contract as the Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryStore) SaveOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrUnknownOrder
	}
	return o.Clone(), nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o *models.Order, expectVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrUnknownOrder
	}
	if cur.Version != expectVersion {
		return ErrVersionConflict
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) ListActiveByDriver(ctx context.Context, driverID string) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.DriverID == driverID && !o.Status.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}
