package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

func newTestCatalog(t *testing.T, lockWait time.Duration, products ...domain.Product) *MemoryCatalog {
	t.Helper()
	c := NewMemoryCatalog(lockWait)
	for _, p := range products {
		if err := c.PutProduct(context.Background(), p); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	return c
}

func product(id int64, price string, stock int) domain.Product {
	return domain.Product{
		ID:       id,
		Name:     fmt.Sprintf("product-%d", id),
		Category: domain.CategoryFruit,
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
	}
}

func TestMemoryReserve_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, time.Second, product(1, "1.00", 5), product(2, "2.00", 1))

	_, err := c.Reserve(ctx, []domain.StockDemand{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 2},
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got: %v", err)
	}

	p, _ := c.Get(ctx, 1)
	if p.Stock != 5 {
		t.Errorf("expected stock 5, got %d", p.Stock)
	}
	if p.Version != 0 {
		t.Errorf("expected untouched version, got %d", p.Version)
	}
}

func TestMemoryReserve_UnorderedInput(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, time.Second, product(1, "1.00", 5), product(2, "2.50", 5))

	items, err := c.Reserve(ctx, []domain.StockDemand{
		{ProductID: 2, Quantity: 1},
		{ProductID: 1, Quantity: 4},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items[0].ProductID != 1 || items[1].ProductID != 2 {
		t.Errorf("expected ascending product ids, got %+v", items)
	}
	if !items[1].UnitPrice.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("expected unit price 2.50, got %s", items[1].UnitPrice)
	}

	p, _ := c.Get(ctx, 1)
	if p.Stock != 1 || p.Version != 1 {
		t.Errorf("expected stock 1 version 1, got %d/%d", p.Stock, p.Version)
	}
}

func TestMemoryReserve_RejectsBadDemands(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, time.Second, product(1, "1.00", 5))

	if _, err := c.Reserve(ctx, nil); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity for empty batch, got: %v", err)
	}
	if _, err := c.Reserve(ctx, []domain.StockDemand{{ProductID: 1, Quantity: 0}}); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got: %v", err)
	}
	if _, err := c.Reserve(ctx, []domain.StockDemand{{ProductID: 1, Quantity: 1}, {ProductID: 1, Quantity: 1}}); !errors.Is(err, domain.ErrDuplicateProduct) {
		t.Errorf("expected ErrDuplicateProduct, got: %v", err)
	}
	if _, err := c.Reserve(ctx, []domain.StockDemand{{ProductID: 42, Quantity: 1}}); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got: %v", err)
	}
}

func TestMemoryReserve_ConcurrentNoOversell(t *testing.T) {
	ctx := context.Background()
	initialStock := 25
	c := newTestCatalog(t, 5*time.Second, product(1, "1.00", initialStock), product(2, "1.00", 1000))

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// alternate input order; locks are still taken by ascending id
			demands := []domain.StockDemand{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 1}}
			if i%2 == 1 {
				demands[0], demands[1] = demands[1], demands[0]
			}
			_, err := c.Reserve(ctx, demands)
			if err == nil {
				successCount.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}
	p, _ := c.Get(ctx, 2)
	if p.Stock != 1000-initialStock {
		t.Errorf("expected stock %d, got %d", 1000-initialStock, p.Stock)
	}
}

func TestMemoryReserve_BusyWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 20*time.Millisecond, product(1, "1.00", 5))

	s, _ := c.slot(1)
	if err := s.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.unlock()

	_, err := c.Reserve(ctx, []domain.StockDemand{{ProductID: 1, Quantity: 1}})
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got: %v", err)
	}

	// reads never wait on the lock
	if ok, err := c.CheckStock(ctx, 1, 5); err != nil || !ok {
		t.Errorf("expected stock check to pass, ok=%v err=%v", ok, err)
	}
}

func TestMemoryReserve_CancelledContext(t *testing.T) {
	c := newTestCatalog(t, time.Second, product(1, "1.00", 5))
	s, _ := c.slot(1)
	s.acquire(context.Background())
	defer s.unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Reserve(ctx, []domain.StockDemand{{ProductID: 1, Quantity: 1}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestMemoryRelease(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, time.Second, product(1, "1.00", 2))

	if err := c.Release(ctx, 1, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := c.Get(ctx, 1)
	if p.Stock != 5 {
		t.Errorf("expected stock 5, got %d", p.Stock)
	}

	if err := c.Release(ctx, 1, 0); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got: %v", err)
	}
	if err := c.Release(ctx, 9, 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got: %v", err)
	}
}

func TestMemorySetPrice(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, time.Second, product(1, "2.00", 5))

	before, err := c.Reserve(ctx, []domain.StockDemand{{ProductID: 1, Quantity: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reserved, _ := c.Get(ctx, 1)
	if err := c.SetPrice(ctx, 1, decimal.RequireFromString("9.00")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !before[0].UnitPrice.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("earlier reservation changed price: %s", before[0].UnitPrice)
	}
	p, _ := c.Get(ctx, 1)
	if !p.Price.Equal(decimal.RequireFromString("9.00")) || p.Stock != 4 {
		t.Errorf("expected price 9.00 and stock 4, got %s/%d", p.Price, p.Stock)
	}
	if p.Version != reserved.Version+1 {
		t.Errorf("expected version %d, got %d", reserved.Version+1, p.Version)
	}

	if err := c.SetPrice(ctx, 1, decimal.RequireFromString("-0.01")); !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got: %v", err)
	}
	if err := c.SetPrice(ctx, 9, decimal.RequireFromString("1.00")); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got: %v", err)
	}
}

func TestMemoryCatalog_ListByCategory(t *testing.T) {
	ctx := context.Background()
	leek := product(3, "0.90", 4)
	leek.Category = domain.CategoryVegetable
	c := newTestCatalog(t, time.Second, product(2, "1.00", 1), leek, product(1, "1.00", 1))

	all, _ := c.List(ctx)
	if len(all) != 3 || all[0].ID != 1 || all[2].ID != 3 {
		t.Errorf("expected products ordered by id, got %+v", all)
	}
	veg, _ := c.ListByCategory(ctx, domain.CategoryVegetable)
	if len(veg) != 1 || veg[0].ID != 3 {
		t.Errorf("expected only the leek, got %+v", veg)
	}
}

func TestMemoryCart(t *testing.T) {
	ctx := context.Background()
	cart := NewMemoryCart()

	line, err := cart.Upsert(ctx, 7, 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line, _ = cart.Upsert(ctx, 7, 1, 3)
	if line.Quantity != 5 {
		t.Errorf("expected merged quantity 5, got %d", line.Quantity)
	}
	if _, err := cart.Upsert(ctx, 7, 1, -5); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got: %v", err)
	}
	if _, err := cart.Upsert(ctx, 7, 2, 0); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got: %v", err)
	}
	cart.Upsert(ctx, 8, 1, 1)

	if err := cart.SetQuantity(ctx, line.ID, 0); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got: %v", err)
	}

	if err := cart.Clear(ctx, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cart.Clear(ctx, 7); err != nil {
		t.Errorf("clearing an empty cart should succeed, got: %v", err)
	}
	lines, _ := cart.Lines(ctx, 8)
	if len(lines) != 1 {
		t.Errorf("other customer's cart was touched: %+v", lines)
	}
	if err := cart.Remove(ctx, line.ID); !errors.Is(err, domain.ErrCartLineNotFound) {
		t.Errorf("expected ErrCartLineNotFound, got: %v", err)
	}
}

func TestMemoryOrders_NewestFirst(t *testing.T) {
	ctx := context.Background()
	orders := NewMemoryOrders()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		o := domain.Order{ID: id, CustomerID: 1, CreatedAt: at}
		if i == 0 {
			o.CreatedAt = at.Add(-time.Hour)
		}
		if err := orders.Save(ctx, o); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	orders.Save(ctx, domain.Order{ID: "d", CustomerID: 2, CreatedAt: at})

	got, _ := orders.FindByCustomer(ctx, 1)
	if len(got) != 3 || got[0].ID != "c" || got[1].ID != "b" || got[2].ID != "a" {
		t.Errorf("expected c, b, a; got %+v", got)
	}
	all, _ := orders.FindAll(ctx)
	if len(all) != 4 {
		t.Errorf("expected 4 orders, got %d", len(all))
	}
	if err := orders.Save(ctx, domain.Order{ID: "a"}); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
	if _, err := orders.FindByID(ctx, "zzz"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got: %v", err)
	}
}

func TestMemoryActivity_BoundedAndExpiring(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewMemoryActivity(2, time.Hour)
	a.now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		a.Append(ctx, 1, fmt.Sprintf("event %d", i))
	}
	entries, _ := a.Recent(ctx, 1, 10)
	if len(entries) != 2 || entries[0].Message != "event 3" {
		t.Errorf("expected newest two entries, got %+v", entries)
	}

	now = now.Add(2 * time.Hour)
	entries, _ = a.Recent(ctx, 1, 10)
	if len(entries) != 0 {
		t.Errorf("expected journal to expire, got %+v", entries)
	}

	a.Append(ctx, 2, "hello")
	a.Clear(ctx, 2)
	if entries, _ := a.Recent(ctx, 2, 0); len(entries) != 0 {
		t.Errorf("expected cleared journal, got %+v", entries)
	}
}

func TestMemoryIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIdempotency()

	if ok, _ := m.Claim(ctx, "k"); !ok {
		t.Fatal("expected first claim to succeed")
	}
	if ok, _ := m.Claim(ctx, "k"); ok {
		t.Error("expected second claim to fail")
	}
	m.Forget(ctx, "k")
	if ok, _ := m.Claim(ctx, "k"); !ok {
		t.Error("expected claim after forget to succeed")
	}
}
