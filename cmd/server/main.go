package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/rl1809/grocery-checkout/internal/adapter/handler"
	"github.com/rl1809/grocery-checkout/internal/adapter/messaging"
	"github.com/rl1809/grocery-checkout/internal/adapter/storage"
	"github.com/rl1809/grocery-checkout/internal/config"
	"github.com/rl1809/grocery-checkout/internal/core/service"
	"github.com/rl1809/grocery-checkout/internal/metrics"
	"github.com/rl1809/grocery-checkout/internal/port"
)

const eventBuffer = 1024

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	if cfg.UsesMySQL() {
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping mysql: %v", err)
		}
		if err := storage.Migrate(ctx, db); err != nil {
			log.Fatalf("failed to migrate mysql: %v", err)
		}
		log.Println("connected to mysql")
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		log.Println("connected to redis")
	}

	var catalog seedableCatalog
	switch cfg.CatalogBackend {
	case config.BackendMySQL:
		catalog = storage.NewMySQLCatalog(db, cfg.LockWait)
	case config.BackendRedis:
		catalog = storage.NewRedisCatalog(rdb)
	default:
		catalog = storage.NewMemoryCatalog(cfg.LockWait)
	}

	var (
		carts  port.CartRepository
		orders port.OrderRepository
	)
	if cfg.StoreBackend == config.BackendMySQL {
		carts = storage.NewMySQLCart(db)
		orders = storage.NewMySQLOrders(db)
	} else {
		carts = storage.NewMemoryCart()
		orders = storage.NewMemoryOrders()
	}

	var (
		idem     port.IdempotencyStore
		activity port.ActivityStore
	)
	if rdb != nil {
		idem = storage.NewRedisIdempotency(rdb)
		activity = storage.NewRedisActivity(rdb, cfg.ActivityMaxEntries, cfg.ActivityTTL)
	} else {
		idem = storage.NewMemoryIdempotency()
		activity = storage.NewMemoryActivity(cfg.ActivityMaxEntries, cfg.ActivityTTL)
	}

	if cfg.SeedCatalog {
		n, err := seedCatalog(ctx, catalog)
		if err != nil {
			log.Fatalf("failed to seed catalog: %v", err)
		}
		if n > 0 {
			log.Printf("seeded %d products", n)
		}
	}

	var events port.EventPublisher = messaging.NopPublisher{}
	var publisher *messaging.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.OrderTopic, cfg.ServiceName, eventBuffer)
		publisher.Start()
		events = publisher
		log.Printf("publishing order events to %s", cfg.OrderTopic)
	}

	checkoutService := service.NewCheckoutService(carts, catalog, orders,
		service.WithIdempotency(idem),
		service.WithActivity(activity),
		service.WithEvents(events),
		service.WithMetrics(metrics.NewCheckoutMetrics(prometheus.DefaultRegisterer)),
		service.WithServiceName(cfg.ServiceName),
		service.WithRetries(cfg.ReserveRetries, cfg.ReleaseRetries),
		service.WithReleaseTimeout(cfg.ReleaseTimeout),
	)
	orderService := service.NewOrderService(orders, activity)

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterCheckoutServer(grpcServer, handler.NewGRPCHandler(checkoutService, orderService))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(
		service.NewCatalogService(catalog, catalog),
		service.NewCartService(carts, catalog, catalog, activity),
		checkoutService,
		orderService,
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(metrics.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	log.Println("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Println("gRPC server stopped")

	// no checkout can publish any more; drain what is queued
	if publisher != nil {
		publisher.Close()
		publisher.WaitClosed()
		log.Println("event publisher stopped")
	}

	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	log.Println("connections closed")
}
