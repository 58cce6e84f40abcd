package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

// MemoryOrders is an append-only order log.
type MemoryOrders struct {
	mu     sync.RWMutex
	orders []domain.Order
	byID   map[string]int
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{byID: make(map[string]int)}
}

func (m *MemoryOrders) Save(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	m.byID[order.ID] = len(m.orders)
	m.orders = append(m.orders, cloneOrder(order))
	return nil
}

func (m *MemoryOrders) FindByID(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	o := cloneOrder(m.orders[i])
	return &o, nil
}

func (m *MemoryOrders) FindByCustomer(ctx context.Context, customerID int64) ([]domain.Order, error) {
	return m.newestFirst(func(o domain.Order) bool { return o.CustomerID == customerID }), nil
}

func (m *MemoryOrders) FindAll(ctx context.Context) ([]domain.Order, error) {
	return m.newestFirst(func(domain.Order) bool { return true }), nil
}

func (m *MemoryOrders) newestFirst(keep func(domain.Order) bool) []domain.Order {
	m.mu.RLock()
	var out []domain.Order
	for i := len(m.orders) - 1; i >= 0; i-- {
		if keep(m.orders[i]) {
			out = append(out, cloneOrder(m.orders[i]))
		}
	}
	m.mu.RUnlock()

	// walked in reverse insertion order, so equal timestamps keep newest first
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return o
}
