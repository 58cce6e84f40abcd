package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

const defaultLockWait = 2 * time.Second

// productSlot guards one product. Writers hold sem while they build a new
// snapshot; readers load the current snapshot without waiting.
type productSlot struct {
	sem  chan struct{}
	snap atomic.Pointer[domain.Product]
}

func newProductSlot(p domain.Product) *productSlot {
	s := &productSlot{sem: make(chan struct{}, 1)}
	s.snap.Store(&p)
	return s
}

func (s *productSlot) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *productSlot) unlock() {
	<-s.sem
}

// MemoryCatalog is an in-process catalog with per-product locking.
type MemoryCatalog struct {
	mu       sync.RWMutex
	slots    map[int64]*productSlot
	lockWait time.Duration
	now      func() time.Time
}

func NewMemoryCatalog(lockWait time.Duration) *MemoryCatalog {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &MemoryCatalog{
		slots:    make(map[int64]*productSlot),
		lockWait: lockWait,
		now:      time.Now,
	}
}

func (c *MemoryCatalog) slot(productID int64) (*productSlot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.slots[productID]
	return s, ok
}

// lock takes one product slot, waiting at most lockWait.
func (c *MemoryCatalog) lock(ctx context.Context, s *productSlot, productID int64) error {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()
	if err := s.acquire(lockCtx); err != nil {
		return c.lockErr(ctx, productID)
	}
	return nil
}

func (c *MemoryCatalog) lockErr(ctx context.Context, productID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: product %d", domain.ErrBusy, productID)
}

// PutProduct inserts or replaces a product, stock included. Used for seeding.
func (c *MemoryCatalog) PutProduct(ctx context.Context, p domain.Product) error {
	if p.Stock < 0 || p.Price.IsNegative() {
		return fmt.Errorf("invalid product %d: negative stock or price", p.ID)
	}
	now := c.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	c.mu.Lock()
	s, ok := c.slots[p.ID]
	if !ok {
		c.slots[p.ID] = newProductSlot(p)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.lock(ctx, s, p.ID); err != nil {
		return err
	}
	defer s.unlock()
	p.Version = s.snap.Load().Version + 1
	s.snap.Store(&p)
	return nil
}

func (c *MemoryCatalog) SetPrice(ctx context.Context, productID int64, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
	}
	s, ok := c.slot(productID)
	if !ok {
		return domain.ErrProductNotFound
	}
	if err := c.lock(ctx, s, productID); err != nil {
		return err
	}
	defer s.unlock()

	p := *s.snap.Load()
	p.Price = price
	p.Version++
	p.UpdatedAt = c.now()
	s.snap.Store(&p)
	return nil
}

func (c *MemoryCatalog) Get(ctx context.Context, productID int64) (*domain.Product, error) {
	s, ok := c.slot(productID)
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	p := *s.snap.Load()
	return &p, nil
}

func (c *MemoryCatalog) List(ctx context.Context) ([]domain.Product, error) {
	return c.list(func(domain.Product) bool { return true }), nil
}

func (c *MemoryCatalog) ListByCategory(ctx context.Context, category domain.Category) ([]domain.Product, error) {
	return c.list(func(p domain.Product) bool { return p.Category == category }), nil
}

func (c *MemoryCatalog) list(keep func(domain.Product) bool) []domain.Product {
	c.mu.RLock()
	out := make([]domain.Product, 0, len(c.slots))
	for _, s := range c.slots {
		if p := *s.snap.Load(); keep(p) {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reserve locks every demanded product in ascending id order, checks all of
// them, and only then decrements. The whole batch shares one lock deadline.
func (c *MemoryCatalog) Reserve(ctx context.Context, demands []domain.StockDemand) ([]domain.ReservedItem, error) {
	demands, err := domain.NormalizeDemands(demands)
	if err != nil {
		return nil, err
	}

	slots := make([]*productSlot, len(demands))
	for i, d := range demands {
		s, ok := c.slot(d.ProductID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", domain.ErrProductNotFound, d.ProductID)
		}
		slots[i] = s
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()

	held := 0
	defer func() {
		for i := held - 1; i >= 0; i-- {
			slots[i].unlock()
		}
	}()
	for i, s := range slots {
		if err := s.acquire(lockCtx); err != nil {
			return nil, c.lockErr(ctx, demands[i].ProductID)
		}
		held++
	}

	for i, s := range slots {
		if p := s.snap.Load(); p.Stock < demands[i].Quantity {
			return nil, &domain.StockError{ProductID: p.ID, Requested: demands[i].Quantity, Available: p.Stock}
		}
	}

	now := c.now()
	items := make([]domain.ReservedItem, len(demands))
	for i, s := range slots {
		p := *s.snap.Load()
		p.Stock -= demands[i].Quantity
		p.Version++
		p.UpdatedAt = now
		s.snap.Store(&p)
		items[i] = domain.ReservedItem{ProductID: p.ID, Quantity: demands[i].Quantity, UnitPrice: p.Price}
	}
	return items, nil
}

func (c *MemoryCatalog) Release(ctx context.Context, productID int64, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("%w: release %d", domain.ErrInvalidQuantity, quantity)
	}
	s, ok := c.slot(productID)
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	if err := c.lock(ctx, s, productID); err != nil {
		return err
	}
	defer s.unlock()

	p := *s.snap.Load()
	p.Stock += quantity
	p.Version++
	p.UpdatedAt = c.now()
	s.snap.Store(&p)
	return nil
}

func (c *MemoryCatalog) CheckStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	s, ok := c.slot(productID)
	if !ok {
		return false, fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	return s.snap.Load().Stock >= quantity, nil
}
