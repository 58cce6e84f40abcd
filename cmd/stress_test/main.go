package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/adapter/storage"
	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/core/service"
	"github.com/rl1809/grocery-checkout/internal/port"
)

const (
	scarceID      = 9001
	plentyID      = 9002
	scarceStock   = 20
	plentyStock   = 30
	totalRequests = 50
)

type stressCatalog interface {
	port.CatalogRepository
	port.StockReservation
	PutProduct(ctx context.Context, p domain.Product) error
}

func main() {
	backend := flag.String("backend", "memory", "catalog backend: memory or redis")
	redisAddr := flag.String("redis", "localhost:6379", "redis address for -backend=redis")
	flag.Parse()

	ctx := context.Background()

	var catalog stressCatalog
	switch *backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		catalog = storage.NewRedisCatalog(rdb)
	case "memory":
		catalog = storage.NewMemoryCatalog(2 * time.Second)
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	// every buyer wants one of each; the scarce product decides who wins
	products := []domain.Product{
		{ID: scarceID, Name: "Stress Mango", Category: domain.CategoryFruit, Price: decimal.RequireFromString("1.10"), Stock: scarceStock},
		{ID: plentyID, Name: "Stress Leek", Category: domain.CategoryVegetable, Price: decimal.RequireFromString("0.90"), Stock: plentyStock},
	}
	for _, p := range products {
		if err := catalog.PutProduct(ctx, p); err != nil {
			log.Fatalf("failed to set stock: %v", err)
		}
	}

	carts := storage.NewMemoryCart()
	for i := 1; i <= totalRequests; i++ {
		for _, p := range products {
			if _, err := carts.Upsert(ctx, int64(i), p.ID, 1); err != nil {
				log.Fatalf("failed to fill cart: %v", err)
			}
		}
	}

	orders := storage.NewMemoryOrders()
	checkoutService := service.NewCheckoutService(carts, catalog, orders, service.WithServiceName("stress-test"))

	var successCount, soldOutCount, otherCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 1; i <= totalRequests; i++ {
		wg.Add(1)
		go func(customerID int64) {
			defer wg.Done()

			_, err := checkoutService.Checkout(ctx, customerID)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(int64(i))
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Backend:          %s\n", *backend)
	fmt.Printf("Scarce Stock:     %d\n", scarceStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == scarceStock && soldOut == totalRequests-scarceStock {
		fmt.Printf("PASS: exactly %d orders succeeded\n", scarceStock)
	} else {
		fmt.Printf("FAIL: expected %d success/%d sold out, got %d/%d\n",
			scarceStock, totalRequests-scarceStock, success, soldOut)
	}

	scarce, _ := catalog.Get(ctx, scarceID)
	plenty, _ := catalog.Get(ctx, plentyID)
	fmt.Printf("Final Stock:      %d scarce, %d plenty\n", scarce.Stock, plenty.Stock)

	if scarce.Stock == 0 && plenty.Stock == plentyStock-int(success) {
		fmt.Println("PASS: no oversell, losers took nothing")
	} else {
		fmt.Printf("FAIL: expected 0 scarce and %d plenty\n", plentyStock-int(success))
	}

	all, _ := orders.FindAll(ctx)
	fmt.Printf("Orders Saved:     %d\n", len(all))
}
