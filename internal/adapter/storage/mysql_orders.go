package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

type MySQLOrders struct {
	db *sql.DB
}

func NewMySQLOrders(db *sql.DB) *MySQLOrders {
	return &MySQLOrders{db: db}
}

func (m *MySQLOrders) Save(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, status, total_amount, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, string(order.Status), order.TotalAmount, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, l := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES (?, ?, ?, ?)`,
			order.ID, l.ProductID, l.Quantity, l.Price,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return tx.Commit()
}

func (m *MySQLOrders) FindByID(ctx context.Context, orderID string) (*domain.Order, error) {
	orders, err := m.find(ctx, `WHERE id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return &orders[0], nil
}

func (m *MySQLOrders) FindByCustomer(ctx context.Context, customerID int64) ([]domain.Order, error) {
	return m.find(ctx, `WHERE customer_id = ?`, customerID)
}

func (m *MySQLOrders) FindAll(ctx context.Context) ([]domain.Order, error) {
	return m.find(ctx, ``)
}

func (m *MySQLOrders) find(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, customer_id, status, total_amount, created_at
		FROM orders `+where+`
		ORDER BY created_at DESC, seq DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []domain.Order
		index  = map[string]int{}
	)
	for rows.Next() {
		var (
			o      domain.Order
			status string
		)
		if err := rows.Scan(&o.ID, &o.CustomerID, &status, &o.TotalAmount, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = domain.OrderStatus(status)
		index[o.ID] = len(orders)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	if err := m.attachLines(ctx, orders, index); err != nil {
		return nil, err
	}
	return orders, nil
}

func (m *MySQLOrders) attachLines(ctx context.Context, orders []domain.Order, index map[string]int) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orders)), ",")
	args := make([]any, len(orders))
	for i, o := range orders {
		args[i] = o.ID
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, price
		FROM order_items WHERE order_id IN (`+placeholders+`)
		ORDER BY id`, args...)
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.OrderID, &l.ProductID, &l.Quantity, &l.Price); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		i, ok := index[l.OrderID]
		if !ok {
			return errors.New("order item without order")
		}
		orders[i].Lines = append(orders[i].Lines, l)
	}
	return rows.Err()
}
