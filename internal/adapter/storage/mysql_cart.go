package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

type MySQLCart struct {
	db *sql.DB
}

func NewMySQLCart(db *sql.DB) *MySQLCart {
	return &MySQLCart{db: db}
}

func (m *MySQLCart) Lines(ctx context.Context, customerID int64) ([]domain.CartLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, customer_id, product_id, quantity
		FROM cart_items WHERE customer_id = ? ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	var out []domain.CartLine
	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.ID, &l.CustomerID, &l.ProductID, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (m *MySQLCart) Line(ctx context.Context, lineID int64) (*domain.CartLine, error) {
	return m.scanLine(m.db.QueryRowContext(ctx, `
		SELECT id, customer_id, product_id, quantity
		FROM cart_items WHERE id = ?`, lineID))
}

func (m *MySQLCart) scanLine(row *sql.Row) (*domain.CartLine, error) {
	var l domain.CartLine
	err := row.Scan(&l.ID, &l.CustomerID, &l.ProductID, &l.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCartLineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cart line: %w", err)
	}
	return &l, nil
}

// Upsert relies on the (customer_id, product_id) unique key. A positive delta
// inserts or increments in one statement; a negative delta only applies if the
// line stays at one or more.
func (m *MySQLCart) Upsert(ctx context.Context, customerID, productID int64, delta int) (*domain.CartLine, error) {
	if delta >= 1 {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO cart_items (customer_id, product_id, quantity)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE quantity = quantity + VALUES(quantity)`,
			customerID, productID, delta,
		)
		if err != nil {
			return nil, fmt.Errorf("upsert cart line: %w", err)
		}
	} else {
		result, err := m.db.ExecContext(ctx, `
			UPDATE cart_items SET quantity = quantity + ?
			WHERE customer_id = ? AND product_id = ? AND quantity + ? >= 1`,
			delta, customerID, productID, delta,
		)
		if err != nil {
			return nil, fmt.Errorf("update cart line: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return nil, fmt.Errorf("%w: delta %d", domain.ErrInvalidQuantity, delta)
		}
	}

	return m.scanLine(m.db.QueryRowContext(ctx, `
		SELECT id, customer_id, product_id, quantity
		FROM cart_items WHERE customer_id = ? AND product_id = ?`, customerID, productID))
}

func (m *MySQLCart) SetQuantity(ctx context.Context, lineID int64, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	result, err := m.db.ExecContext(ctx, `UPDATE cart_items SET quantity = ? WHERE id = ?`, quantity, lineID)
	if err != nil {
		return fmt.Errorf("set cart quantity: %w", err)
	}

	// MySQL reports 0 affected rows when the value is unchanged, so confirm the line exists
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := m.Line(ctx, lineID); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLCart) Remove(ctx context.Context, lineID int64) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id = ?`, lineID)
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrCartLineNotFound
	}
	return nil
}

func (m *MySQLCart) Clear(ctx context.Context, customerID int64) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM cart_items WHERE customer_id = ?`, customerID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
