package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/port"
)

// All catalog keys share the {catalog} hash tag so the multi-key scripts
// stay in one slot on a cluster.
const (
	productKeyPrefix  = "{catalog}:product:"
	productsSetKey    = "{catalog}:products"
	categoryKeyPrefix = "{catalog}:category:"

	idempotencyKeyPrefix = "idempotency:"
	activityKeyPrefix    = "activity:"
)

const (
	scriptOK           = 0
	scriptNotFound     = -1
	scriptInsufficient = -2
)

// KEYS are product hashes in id order, ARGV[i] the matching quantity and the
// last ARGV the update timestamp. Nothing is written unless every key passes.
var reserveScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
	local stock = redis.call('HGET', KEYS[i], 'stock')
	if not stock then
		return {-1, i}
	end
	if tonumber(stock) < tonumber(ARGV[i]) then
		return {-2, i, tonumber(stock)}
	end
end

local prices = {0}
for i = 1, n do
	redis.call('HINCRBY', KEYS[i], 'stock', -tonumber(ARGV[i]))
	redis.call('HINCRBY', KEYS[i], 'version', 1)
	redis.call('HSET', KEYS[i], 'updated_at', ARGV[n + 1])
	prices[#prices + 1] = redis.call('HGET', KEYS[i], 'price')
end
return prices
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HINCRBY', KEYS[1], 'stock', tonumber(ARGV[1]))
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 0
`)

var setPriceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 0
`)

func productKey(id int64) string {
	return productKeyPrefix + strconv.FormatInt(id, 10)
}

// RedisCatalog keeps each product in a hash and reserves batches with a single
// script, so a reservation is atomic without any lock wait.
type RedisCatalog struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisCatalog(client *redis.Client) *RedisCatalog {
	return &RedisCatalog{client: client, now: time.Now}
}

func (r *RedisCatalog) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func (r *RedisCatalog) PutProduct(ctx context.Context, p domain.Product) error {
	if p.Stock < 0 || p.Price.IsNegative() {
		return fmt.Errorf("invalid product %d: negative stock or price", p.ID)
	}
	key := productKey(p.ID)
	stamp := r.stamp()

	old, err := r.client.HGet(ctx, key, "category").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("put product: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != "" && old != string(p.Category) {
			pipe.SRem(ctx, categoryKeyPrefix+old, p.ID)
		}
		pipe.HSetNX(ctx, key, "created_at", stamp)
		pipe.HSet(ctx, key,
			"id", p.ID,
			"name", p.Name,
			"category", string(p.Category),
			"price", p.Price.String(),
			"stock", p.Stock,
			"updated_at", stamp,
		)
		pipe.HIncrBy(ctx, key, "version", 1)
		pipe.SAdd(ctx, productsSetKey, p.ID)
		pipe.SAdd(ctx, categoryKeyPrefix+string(p.Category), p.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

func (r *RedisCatalog) SetPrice(ctx context.Context, productID int64, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
	}
	code, err := setPriceScript.Run(ctx, r.client, []string{productKey(productID)}, price.String(), r.stamp()).Int()
	if err != nil {
		return fmt.Errorf("set price: %w", err)
	}
	if code == scriptNotFound {
		return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	return nil
}

func (r *RedisCatalog) Get(ctx context.Context, productID int64) (*domain.Product, error) {
	fields, err := r.client.HGetAll(ctx, productKey(productID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrProductNotFound
	}
	p, err := decodeProduct(fields)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RedisCatalog) List(ctx context.Context) ([]domain.Product, error) {
	return r.listSet(ctx, productsSetKey)
}

func (r *RedisCatalog) ListByCategory(ctx context.Context, category domain.Category) ([]domain.Product, error) {
	return r.listSet(ctx, categoryKeyPrefix+string(category))
}

func (r *RedisCatalog) listSet(ctx context.Context, setKey string) ([]domain.Product, error) {
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad product id %q in %s", m, setKey)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, productKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	out := make([]domain.Product, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		p, err := decodeProduct(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeProduct(f map[string]string) (domain.Product, error) {
	var (
		p   domain.Product
		err error
	)
	if p.ID, err = strconv.ParseInt(f["id"], 10, 64); err != nil {
		return p, fmt.Errorf("decode product id: %w", err)
	}
	if p.Price, err = decimal.NewFromString(f["price"]); err != nil {
		return p, fmt.Errorf("decode product %d price: %w", p.ID, err)
	}
	if p.Stock, err = strconv.Atoi(f["stock"]); err != nil {
		return p, fmt.Errorf("decode product %d stock: %w", p.ID, err)
	}
	p.Version, _ = strconv.Atoi(f["version"])
	p.Name = f["name"]
	p.Category = domain.Category(f["category"])
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, f["created_at"])
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, f["updated_at"])
	return p, nil
}

func (r *RedisCatalog) Reserve(ctx context.Context, demands []domain.StockDemand) ([]domain.ReservedItem, error) {
	demands, err := domain.NormalizeDemands(demands)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(demands))
	args := make([]any, 0, len(demands)+1)
	for i, d := range demands {
		keys[i] = productKey(d.ProductID)
		args = append(args, d.Quantity)
	}
	args = append(args, r.stamp())

	res, err := reserveScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve stock: %w", err)
	}
	if len(res) == 0 {
		return nil, errors.New("reserve stock: empty script reply")
	}

	code, _ := res[0].(int64)
	switch code {
	case scriptNotFound:
		d := demands[scriptIndex(res)]
		return nil, fmt.Errorf("%w: %d", domain.ErrProductNotFound, d.ProductID)
	case scriptInsufficient:
		d := demands[scriptIndex(res)]
		available, _ := res[2].(int64)
		return nil, &domain.StockError{ProductID: d.ProductID, Requested: d.Quantity, Available: int(available)}
	case scriptOK:
	default:
		return nil, fmt.Errorf("reserve stock: unexpected code %d", code)
	}

	if len(res) != len(demands)+1 {
		return nil, fmt.Errorf("reserve stock: got %d prices for %d products", len(res)-1, len(demands))
	}
	items := make([]domain.ReservedItem, len(demands))
	for i, d := range demands {
		raw, _ := res[i+1].(string)
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("reserve stock: product %d price: %w", d.ProductID, err)
		}
		items[i] = domain.ReservedItem{ProductID: d.ProductID, Quantity: d.Quantity, UnitPrice: price}
	}
	return items, nil
}

// scriptIndex converts the 1-based Lua key index of a failure reply.
func scriptIndex(res []any) int {
	i, _ := res[1].(int64)
	return int(i) - 1
}

func (r *RedisCatalog) Release(ctx context.Context, productID int64, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("%w: release %d", domain.ErrInvalidQuantity, quantity)
	}
	code, err := releaseScript.Run(ctx, r.client, []string{productKey(productID)}, quantity, r.stamp()).Int()
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if code == scriptNotFound {
		return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	return nil
}

func (r *RedisCatalog) CheckStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	stock, err := r.client.HGet(ctx, productKey(productID), "stock").Int()
	if errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	if err != nil {
		return false, fmt.Errorf("check stock: %w", err)
	}
	return stock >= quantity, nil
}

type RedisIdempotency struct {
	client *redis.Client
}

func NewRedisIdempotency(client *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

func (r *RedisIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisIdempotency) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// RedisActivity stores each journal as a capped list that expires when the
// customer goes quiet.
type RedisActivity struct {
	client     *redis.Client
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

func NewRedisActivity(client *redis.Client, maxEntries int, ttl time.Duration) *RedisActivity {
	if maxEntries <= 0 {
		maxEntries = defaultActivityMax
	}
	if ttl <= 0 {
		ttl = defaultActivityTTL
	}
	return &RedisActivity{client: client, maxEntries: maxEntries, ttl: ttl, now: time.Now}
}

func activityKey(customerID int64) string {
	return activityKeyPrefix + strconv.FormatInt(customerID, 10)
}

func (r *RedisActivity) Append(ctx context.Context, customerID int64, message string) error {
	payload, err := json.Marshal(port.ActivityEntry{At: r.now().UTC(), Message: message})
	if err != nil {
		return err
	}

	key := activityKey(customerID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, int64(-r.maxEntries), -1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisActivity) Recent(ctx context.Context, customerID int64, limit int) ([]port.ActivityEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := r.client.LRange(ctx, activityKey(customerID), start, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]port.ActivityEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e port.ActivityEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisActivity) Clear(ctx context.Context, customerID int64) error {
	return r.client.Del(ctx, activityKey(customerID)).Err()
}
