package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
)

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	CatalogBackend string
	StoreBackend   string
	MySQLDSN       string
	RedisAddr      string
	KafkaBrokers   []string
	OrderTopic     string
	ServiceName    string

	LockWait       time.Duration
	ReserveRetries int
	ReleaseRetries int
	ReleaseTimeout time.Duration

	ActivityMaxEntries int
	ActivityTTL        time.Duration

	SeedCatalog bool
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:       getenv("GRPC_ADDR", ":50051"),
		CatalogBackend: strings.ToLower(getenv("CATALOG_BACKEND", BackendMemory)),
		StoreBackend:   strings.ToLower(getenv("STORE_BACKEND", BackendMemory)),
		MySQLDSN:       getenv("MYSQL_DSN", "root:root@tcp(localhost:3306)/grocery?parseTime=true"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:   splitCSV(getenv("KAFKA_BROKERS", "")),
		OrderTopic:     getenv("ORDER_TOPIC", "grocery.order.placed"),
		ServiceName:    getenv("SERVICE_NAME", "grocery-checkout"),
	}

	var err error
	if cfg.LockWait, err = durationEnv("LOCK_WAIT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ReserveRetries, err = intEnv("RESERVE_RETRIES", 3); err != nil {
		return cfg, err
	}
	if cfg.ReleaseRetries, err = intEnv("RELEASE_RETRIES", 5); err != nil {
		return cfg, err
	}
	if cfg.ReleaseTimeout, err = durationEnv("RELEASE_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ActivityMaxEntries, err = intEnv("ACTIVITY_MAX_ENTRIES", 50); err != nil {
		return cfg, err
	}
	if cfg.ActivityTTL, err = durationEnv("ACTIVITY_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SeedCatalog, err = strconv.ParseBool(getenv("SEED_CATALOG", "true")); err != nil {
		return cfg, fmt.Errorf("SEED_CATALOG: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.CatalogBackend {
	case BackendMemory, BackendMySQL, BackendRedis:
	default:
		return fmt.Errorf("CATALOG_BACKEND: unknown backend %q", c.CatalogBackend)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendMySQL:
	default:
		return fmt.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend)
	}
	if c.LockWait <= 0 || c.ReleaseTimeout <= 0 || c.ActivityTTL <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	if c.ReserveRetries < 0 || c.ReleaseRetries < 1 || c.ActivityMaxEntries < 1 {
		return fmt.Errorf("RESERVE_RETRIES must be >= 0, RELEASE_RETRIES and ACTIVITY_MAX_ENTRIES >= 1")
	}
	return nil
}

func (c Config) UsesMySQL() bool {
	return c.CatalogBackend == BackendMySQL || c.StoreBackend == BackendMySQL
}

func (c Config) UsesRedis() bool {
	return c.CatalogBackend == BackendRedis
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func intEnv(k string, def int) (int, error) {
	v := getenv(k, "")
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return i, nil
}

func durationEnv(k string, def time.Duration) (time.Duration, error) {
	v := getenv(k, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
