package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

type cartKey struct {
	customerID int64
	productID  int64
}

type MemoryCart struct {
	mu     sync.Mutex
	nextID int64
	lines  map[int64]domain.CartLine
	index  map[cartKey]int64
}

func NewMemoryCart() *MemoryCart {
	return &MemoryCart{
		lines: make(map[int64]domain.CartLine),
		index: make(map[cartKey]int64),
	}
}

func (m *MemoryCart) Lines(ctx context.Context, customerID int64) ([]domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.CartLine
	for _, l := range m.lines {
		if l.CustomerID == customerID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryCart) Line(ctx context.Context, lineID int64) (*domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lines[lineID]
	if !ok {
		return nil, domain.ErrCartLineNotFound
	}
	return &l, nil
}

func (m *MemoryCart) Upsert(ctx context.Context, customerID, productID int64, delta int) (*domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cartKey{customerID: customerID, productID: productID}
	if id, ok := m.index[key]; ok {
		l := m.lines[id]
		if l.Quantity+delta < 1 {
			return nil, fmt.Errorf("%w: resulting quantity %d", domain.ErrInvalidQuantity, l.Quantity+delta)
		}
		l.Quantity += delta
		m.lines[id] = l
		return &l, nil
	}

	if delta < 1 {
		return nil, fmt.Errorf("%w: resulting quantity %d", domain.ErrInvalidQuantity, delta)
	}
	m.nextID++
	l := domain.CartLine{ID: m.nextID, CustomerID: customerID, ProductID: productID, Quantity: delta}
	m.lines[l.ID] = l
	m.index[key] = l.ID
	return &l, nil
}

func (m *MemoryCart) SetQuantity(ctx context.Context, lineID int64, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lines[lineID]
	if !ok {
		return domain.ErrCartLineNotFound
	}
	l.Quantity = quantity
	m.lines[lineID] = l
	return nil
}

func (m *MemoryCart) Remove(ctx context.Context, lineID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lines[lineID]
	if !ok {
		return domain.ErrCartLineNotFound
	}
	delete(m.lines, lineID)
	delete(m.index, cartKey{customerID: l.CustomerID, productID: l.ProductID})
	return nil
}

func (m *MemoryCart) Clear(ctx context.Context, customerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, l := range m.lines {
		if l.CustomerID == customerID {
			delete(m.lines, id)
			delete(m.index, cartKey{customerID: customerID, productID: l.ProductID})
		}
	}
	return nil
}
