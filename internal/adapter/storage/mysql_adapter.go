package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

// ErrOptimisticLock matches domain.ErrBusy: the row kept changing under a
// version-guarded write.
var ErrOptimisticLock = fmt.Errorf("%w: optimistic lock conflict", domain.ErrBusy)

const (
	priceRetries = 3

	erLockWaitTimeout = 1205
	erLockDeadlock    = 1213
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id         BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		name       VARCHAR(255) NOT NULL,
		category   VARCHAR(20)  NOT NULL,
		price      DECIMAL(12,2) NOT NULL,
		stock      INT          NOT NULL,
		version    INT          NOT NULL DEFAULT 0,
		created_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		CONSTRAINT chk_products_stock CHECK (stock >= 0),
		INDEX idx_products_category (category)
	)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		id          BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		product_id  BIGINT NOT NULL,
		quantity    INT    NOT NULL,
		UNIQUE KEY uq_cart_items_customer_product (customer_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id           CHAR(36)      NOT NULL PRIMARY KEY,
		seq          BIGINT        NOT NULL AUTO_INCREMENT,
		customer_id  BIGINT        NOT NULL,
		status       VARCHAR(20)   NOT NULL,
		total_amount DECIMAL(12,2) NOT NULL,
		created_at   DATETIME(6)   NOT NULL,
		UNIQUE KEY uq_orders_seq (seq),
		INDEX idx_orders_customer (customer_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id         BIGINT        NOT NULL AUTO_INCREMENT PRIMARY KEY,
		order_id   CHAR(36)      NOT NULL,
		product_id BIGINT        NOT NULL,
		quantity   INT           NOT NULL,
		price      DECIMAL(12,2) NOT NULL,
		CONSTRAINT fk_order_items_order FOREIGN KEY (order_id) REFERENCES orders (id) ON DELETE CASCADE
	)`,
}

// Migrate creates the tables used by the MySQL adapters if they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// MySQLCatalog stores products in MySQL and reserves stock with row locks.
type MySQLCatalog struct {
	db          *sql.DB
	lockWaitSec int
}

func NewMySQLCatalog(db *sql.DB, lockWait time.Duration) *MySQLCatalog {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	// innodb_lock_wait_timeout is whole seconds, minimum 1
	secs := int(math.Ceil(lockWait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &MySQLCatalog{db: db, lockWaitSec: secs}
}

// inLockedTx runs fn in a transaction whose row-lock waits are bounded. The
// session timeout lives on a connection taken out of the pool and is reset
// before that connection goes back; a connection that cannot be reset is
// discarded.
func (m *MySQLCatalog) inLockedTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", m.lockWaitSec)); err != nil {
		return fmt.Errorf("set lock wait: %w", err)
	}
	defer resetLockWait(ctx, conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func resetLockWait(ctx context.Context, conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = DEFAULT"); err != nil {
		conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

func mapLockErr(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == erLockWaitTimeout || myErr.Number == erLockDeadlock) {
		return fmt.Errorf("%w: %v", domain.ErrBusy, err)
	}
	return err
}

const productColumns = `id, name, category, price, stock, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p        domain.Product
		category string
	)
	err := row.Scan(&p.ID, &p.Name, &category, &p.Price, &p.Stock, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	p.Category = domain.Category(category)
	return p, err
}

func (m *MySQLCatalog) PutProduct(ctx context.Context, p domain.Product) error {
	if p.Stock < 0 || p.Price.IsNegative() {
		return fmt.Errorf("invalid product %d: negative stock or price", p.ID)
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, stock, version)
		VALUES (?, ?, ?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE name = VALUES(name), category = VALUES(category),
			price = VALUES(price), stock = VALUES(stock), version = version + 1, updated_at = NOW(6)`,
		p.ID, p.Name, string(p.Category), p.Price, p.Stock,
	)
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// SetPrice re-reads the row version and writes the price only if that version
// is still current. Reservations bump the version too, so a busy product may
// need a few rounds.
func (m *MySQLCatalog) SetPrice(ctx context.Context, productID int64, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
	}
	for attempt := 0; attempt < priceRetries; attempt++ {
		var version int
		err := m.db.QueryRowContext(ctx, `SELECT version FROM products WHERE id = ?`, productID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
		}
		if err != nil {
			return fmt.Errorf("query product version: %w", err)
		}

		ok, err := m.updatePrice(ctx, productID, version, price)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrOptimisticLock
}

func (m *MySQLCatalog) updatePrice(ctx context.Context, productID int64, version int, price decimal.Decimal) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE products
		SET price = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND version = ?`,
		price, productID, version,
	)
	if err != nil {
		return false, fmt.Errorf("update price: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLCatalog) Get(ctx context.Context, productID int64) (*domain.Product, error) {
	p, err := scanProduct(m.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (m *MySQLCatalog) List(ctx context.Context) ([]domain.Product, error) {
	return m.query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
}

func (m *MySQLCatalog) ListByCategory(ctx context.Context, category domain.Category) ([]domain.Product, error) {
	return m.query(ctx, `SELECT `+productColumns+` FROM products WHERE category = ? ORDER BY id`, string(category))
}

func (m *MySQLCatalog) query(ctx context.Context, q string, args ...any) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reserve locks the demanded rows in primary key order with SELECT ... FOR
// UPDATE, checks every row, and decrements them in the same transaction.
func (m *MySQLCatalog) Reserve(ctx context.Context, demands []domain.StockDemand) ([]domain.ReservedItem, error) {
	demands, err := domain.NormalizeDemands(demands)
	if err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(demands)), ",")
	args := make([]any, len(demands))
	for i, d := range demands {
		args[i] = d.ProductID
	}

	var items []domain.ReservedItem
	err = m.inLockedTx(ctx, func(tx *sql.Tx) error {
		found, err := lockProducts(ctx, tx, placeholders, args)
		if err != nil {
			return err
		}

		items = make([]domain.ReservedItem, len(demands))
		for i, d := range demands {
			l, ok := found[d.ProductID]
			if !ok {
				return fmt.Errorf("%w: %d", domain.ErrProductNotFound, d.ProductID)
			}
			if l.stock < d.Quantity {
				return &domain.StockError{ProductID: d.ProductID, Requested: d.Quantity, Available: l.stock}
			}
			items[i] = domain.ReservedItem{ProductID: d.ProductID, Quantity: d.Quantity, UnitPrice: l.price}
		}

		for _, d := range demands {
			if _, err := tx.ExecContext(ctx, `
				UPDATE products
				SET stock = stock - ?, version = version + 1, updated_at = NOW(6)
				WHERE id = ?`,
				d.Quantity, d.ProductID,
			); err != nil {
				return fmt.Errorf("update stock: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapLockErr(err)
	}
	return items, nil
}

type lockedRow struct {
	price decimal.Decimal
	stock int
}

func lockProducts(ctx context.Context, tx *sql.Tx, placeholders string, args []any) (map[int64]lockedRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, price, stock FROM products
		WHERE id IN (`+placeholders+`)
		ORDER BY id
		FOR UPDATE`, args...)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	found := make(map[int64]lockedRow, len(args))
	for rows.Next() {
		var (
			id int64
			l  lockedRow
		)
		if err := rows.Scan(&id, &l.price, &l.stock); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		found[id] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	return found, nil
}

func (m *MySQLCatalog) Release(ctx context.Context, productID int64, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("%w: release %d", domain.ErrInvalidQuantity, quantity)
	}

	err := m.inLockedTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + ?, version = version + 1, updated_at = NOW(6)
			WHERE id = ?`,
			quantity, productID,
		)
		if err != nil {
			return fmt.Errorf("release stock: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
		}
		return nil
	})
	return mapLockErr(err)
}

func (m *MySQLCatalog) CheckStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	var stock int
	err := m.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	if err != nil {
		return false, fmt.Errorf("query stock: %w", err)
	}
	return stock >= quantity, nil
}
