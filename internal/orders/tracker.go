// Package orders follows resting exit orders until the venue fills or
// rejects them, and keeps open position prices fresh.
package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/metrics"
)

// Tracker is the in-memory set of unfilled exit orders. Each entry is also
// mirrored in its position's metadata so the set can be rebuilt.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]domain.PendingOrder
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{orders: make(map[string]domain.PendingOrder)}
}

// Track adds or replaces order.
func (t *Tracker) Track(order domain.PendingOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[order.OrderID] = order
	metrics.PendingOrders.Set(float64(len(t.orders)))
}

// Remove forgets orderID.
func (t *Tracker) Remove(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, orderID)
	metrics.PendingOrders.Set(float64(len(t.orders)))
}

// Get returns the tracked order.
func (t *Tracker) Get(orderID string) (domain.PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	return o, ok
}

// List returns tracked orders, oldest first.
func (t *Tracker) List() []domain.PendingOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.PendingOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}

// Len reports how many orders are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// PendingOrderSource lists orders mirrored into position metadata.
type PendingOrderSource interface {
	PendingOrders(ctx context.Context) ([]domain.PendingOrder, error)
}

// Rehydrate repopulates the tracker from position metadata and returns the
// number of orders restored.
func (t *Tracker) Rehydrate(ctx context.Context, src PendingOrderSource) (int, error) {
	pending, err := src.PendingOrders(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range pending {
		t.Track(o)
	}
	return len(pending), nil
}
