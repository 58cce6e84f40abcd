package service_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/adapter/storage"
	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/core/service"
	"github.com/rl1809/grocery-checkout/internal/port"
)

type memoryEnv struct {
	catalog *storage.MemoryCatalog
	carts   *storage.MemoryCart
	orders  *storage.MemoryOrders
	cart    *service.CartService
	svc     *service.CheckoutService
}

func setupMemoryEnv(t *testing.T, products ...domain.Product) *memoryEnv {
	t.Helper()
	env := &memoryEnv{
		catalog: storage.NewMemoryCatalog(time.Second),
		carts:   storage.NewMemoryCart(),
		orders:  storage.NewMemoryOrders(),
	}
	for _, p := range products {
		if err := env.catalog.PutProduct(context.Background(), p); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	env.cart = service.NewCartService(env.carts, env.catalog, env.catalog, nil)
	env.svc = service.NewCheckoutService(env.carts, env.catalog, env.orders,
		service.WithIdempotency(storage.NewMemoryIdempotency()),
		service.WithActivity(storage.NewMemoryActivity(10, time.Hour)),
	)
	return env
}

func item(id int64, name, price string, stock int) domain.Product {
	return domain.Product{ID: id, Name: name, Category: domain.CategoryFruit, Price: decimal.RequireFromString(price), Stock: stock}
}

func stockOf(t *testing.T, c port.CatalogRepository, id int64) int {
	t.Helper()
	p, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get product %d: %v", id, err)
	}
	return p.Stock
}

func TestIntegration_CheckoutSucceeds(t *testing.T) {
	env := setupMemoryEnv(t, item(1, "A", "2.00", 5), item(2, "B", "1.00", 0))
	ctx := context.Background()

	if _, err := env.cart.Add(ctx, 7, 1, 3); err != nil {
		t.Fatalf("add: %v", err)
	}

	order, err := env.svc.Checkout(ctx, 7)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("6.00")) {
		t.Errorf("expected total 6.00, got %s", order.TotalAmount)
	}
	if stockOf(t, env.catalog, 1) != 2 {
		t.Errorf("expected stock 2, got %d", stockOf(t, env.catalog, 1))
	}
	lines, _ := env.carts.Lines(ctx, 7)
	if len(lines) != 0 {
		t.Errorf("expected empty cart, got %+v", lines)
	}
	saved, err := env.orders.FindByID(ctx, order.ID)
	if err != nil || len(saved.Lines) != 1 {
		t.Errorf("expected saved order with one line, got %+v (%v)", saved, err)
	}
}

func TestIntegration_PriceChangeKeepsOrderPrice(t *testing.T) {
	env := setupMemoryEnv(t, item(1, "A", "2.00", 5))
	ctx := context.Background()
	env.cart.Add(ctx, 7, 1, 2)

	order, err := env.svc.Checkout(ctx, 7)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := env.catalog.SetPrice(ctx, 1, decimal.RequireFromString("9.00")); err != nil {
		t.Fatalf("set price: %v", err)
	}

	saved, err := env.orders.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if len(saved.Lines) != 1 || !saved.Lines[0].Price.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("expected line price 2.00, got %+v", saved.Lines)
	}
	if !saved.TotalAmount.Equal(decimal.RequireFromString("4.00")) {
		t.Errorf("expected total 4.00, got %s", saved.TotalAmount)
	}

	env.cart.Add(ctx, 7, 1, 1)
	next, err := env.svc.Checkout(ctx, 7)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if !next.TotalAmount.Equal(decimal.RequireFromString("9.00")) {
		t.Errorf("expected new order at 9.00, got %s", next.TotalAmount)
	}
}

func TestIntegration_OutOfStockLeavesCart(t *testing.T) {
	env := setupMemoryEnv(t, item(1, "A", "2.00", 5), item(2, "B", "1.00", 0))
	ctx := context.Background()
	env.cart.Add(ctx, 7, 2, 1)

	_, err := env.svc.Checkout(ctx, 7)
	var stockErr *domain.StockError
	if !errors.As(err, &stockErr) || stockErr.ProductID != 2 {
		t.Fatalf("expected StockError for B, got: %v", err)
	}
	lines, _ := env.carts.Lines(ctx, 7)
	if len(lines) != 1 {
		t.Error("cart should be unchanged")
	}
	all, _ := env.orders.FindAll(ctx)
	if len(all) != 0 {
		t.Errorf("expected no orders, got %d", len(all))
	}
}

func TestIntegration_TwoCheckoutsOneWins(t *testing.T) {
	env := setupMemoryEnv(t, item(1, "A", "2.00", 5))
	ctx := context.Background()
	env.cart.Add(ctx, 7, 1, 3)
	env.cart.Add(ctx, 8, 1, 3)

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for _, c := range []int64{7, 8} {
		wg.Add(1)
		go func(customerID int64) {
			defer wg.Done()
			_, err := env.svc.Checkout(ctx, customerID)
			if err == nil {
				successCount.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
			if lines, _ := env.carts.Lines(ctx, customerID); len(lines) != 1 {
				t.Errorf("customer %d: losing cart was touched", customerID)
			}
		}(c)
	}
	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
	if stockOf(t, env.catalog, 1) != 2 {
		t.Errorf("expected stock 2, got %d", stockOf(t, env.catalog, 1))
	}
}

func TestIntegration_NoOversellUnderLoad(t *testing.T) {
	initialStock := 20
	env := setupMemoryEnv(t, item(1, "A", "1.00", initialStock), item(2, "B", "0.50", 1000))
	ctx := context.Background()

	customers := 60
	for c := 1; c <= customers; c++ {
		env.cart.Add(ctx, int64(c), 1, 1)
		env.cart.Add(ctx, int64(c), 2, 1)
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for c := 1; c <= customers; c++ {
		wg.Add(1)
		go func(customerID int64) {
			defer wg.Done()
			if _, err := env.svc.CheckoutOnce(ctx, customerID, uuid.NewString()); err == nil {
				successCount.Add(1)
			}
		}(int64(c))
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}
	if stockOf(t, env.catalog, 1) != 0 {
		t.Errorf("expected stock 0, got %d", stockOf(t, env.catalog, 1))
	}
	if got := stockOf(t, env.catalog, 2); got != 1000-initialStock {
		t.Errorf("expected stock %d, got %d", 1000-initialStock, got)
	}

	orders, _ := env.orders.FindAll(ctx)
	if len(orders) != initialStock {
		t.Errorf("expected %d orders, got %d", initialStock, len(orders))
	}
	for _, o := range orders {
		if !o.TotalAmount.Equal(o.LinesTotal()) {
			t.Errorf("order %s total %s does not match lines", o.ID, o.TotalAmount)
		}
	}
}

// failingOrders accepts nothing, to exercise compensation against real stock.
type failingOrders struct{ *storage.MemoryOrders }

func (failingOrders) Save(ctx context.Context, order domain.Order) error {
	return errors.New("order store unavailable")
}

func TestIntegration_RollbackOnSaveFailure(t *testing.T) {
	catalog := storage.NewMemoryCatalog(time.Second)
	catalog.PutProduct(context.Background(), item(1, "A", "2.00", 5))
	catalog.PutProduct(context.Background(), item(2, "B", "3.00", 5))
	carts := storage.NewMemoryCart()
	svc := service.NewCheckoutService(carts, catalog, failingOrders{storage.NewMemoryOrders()})

	ctx := context.Background()
	carts.Upsert(ctx, 7, 1, 2)
	carts.Upsert(ctx, 7, 2, 5)

	_, err := svc.Checkout(ctx, 7)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got: %v", err)
	}
	if stockOf(t, catalog, 1) != 5 || stockOf(t, catalog, 2) != 5 {
		t.Errorf("stock not restored: %d/%d", stockOf(t, catalog, 1), stockOf(t, catalog, 2))
	}
	lines, _ := carts.Lines(ctx, 7)
	if len(lines) != 2 {
		t.Error("cart should be unchanged")
	}
}

func TestIntegration_MySQLAndRedis(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/grocery?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	ctx := context.Background()
	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Redis holds the catalog and stock, MySQL the carts and orders
	catalog := storage.NewRedisCatalog(rdb)
	initialStock := 10
	if err := catalog.PutProduct(ctx, item(7001, "Integration Apple", "1.25", initialStock)); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	carts := storage.NewMySQLCart(db)
	orders := storage.NewMySQLOrders(db)
	svc := service.NewCheckoutService(carts, catalog, orders, service.WithIdempotency(storage.NewRedisIdempotency(rdb)))

	base := time.Now().UnixNano() % 1_000_000_000
	totalRequests := 20
	for i := 0; i < totalRequests; i++ {
		if _, err := carts.Upsert(ctx, base+int64(i), 7001, 1); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(customerID int64) {
			defer wg.Done()
			if _, err := svc.CheckoutOnce(ctx, customerID, uuid.NewString()); err == nil {
				successCount.Add(1)
			}
		}(base + int64(i))
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successful checkouts, got %d", initialStock, successCount.Load())
	}
	if got := stockOf(t, catalog, 7001); got != 0 {
		t.Errorf("expected Redis stock 0, got %d", got)
	}

	var orderCount int
	db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_items oi JOIN orders o ON o.id = oi.order_id
		WHERE oi.product_id = 7001 AND o.customer_id BETWEEN ? AND ?`,
		base, base+int64(totalRequests)).Scan(&orderCount)
	if orderCount != initialStock {
		t.Errorf("expected %d orders in MySQL, got %d", initialStock, orderCount)
	}

	// a later price change leaves the stored orders untouched
	if err := catalog.SetPrice(ctx, 7001, decimal.RequireFromString("3.75")); err != nil {
		t.Fatalf("set price: %v", err)
	}
	var stale int
	db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_items oi JOIN orders o ON o.id = oi.order_id
		WHERE oi.product_id = 7001 AND oi.price <> 1.25 AND o.customer_id BETWEEN ? AND ?`,
		base, base+int64(totalRequests)).Scan(&stale)
	if stale != 0 {
		t.Errorf("expected every stored line at 1.25, got %d repriced", stale)
	}
}
