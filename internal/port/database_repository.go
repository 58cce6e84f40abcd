package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

type CatalogRepository interface {
	// Get returns a consistent snapshot of one product, or domain.ErrProductNotFound
	Get(ctx context.Context, productID int64) (*domain.Product, error)

	// List returns all products ordered by id
	List(ctx context.Context) ([]domain.Product, error)

	// ListByCategory returns the products of one category ordered by id
	ListByCategory(ctx context.Context, category domain.Category) ([]domain.Product, error)
}

// PriceEditor changes a product's catalog price. Orders already placed keep
// the price they were checked out at.
type PriceEditor interface {
	SetPrice(ctx context.Context, productID int64, price decimal.Decimal) error
}

// StockReservation is the only path allowed to change product stock.
type StockReservation interface {
	// Reserve decrements stock for every demand or for none of them
	Reserve(ctx context.Context, demands []domain.StockDemand) ([]domain.ReservedItem, error)

	// Release adds stock back (compensation for a reservation whose order was not persisted)
	Release(ctx context.Context, productID int64, quantity int) error

	// CheckStock reports whether quantity units are currently available, without reserving
	CheckStock(ctx context.Context, productID int64, quantity int) (bool, error)
}

type CartRepository interface {
	Lines(ctx context.Context, customerID int64) ([]domain.CartLine, error)

	Line(ctx context.Context, lineID int64) (*domain.CartLine, error)

	// Upsert creates the (customer, product) line or adds delta to it; the result must stay >= 1
	Upsert(ctx context.Context, customerID, productID int64, delta int) (*domain.CartLine, error)

	SetQuantity(ctx context.Context, lineID int64, quantity int) error

	Remove(ctx context.Context, lineID int64) error

	// Clear deletes every line of the customer; clearing an empty cart is not an error
	Clear(ctx context.Context, customerID int64) error
}

type OrderRepository interface {
	// Save persists the order and its lines as one durable write
	Save(ctx context.Context, order domain.Order) error

	FindByID(ctx context.Context, orderID string) (*domain.Order, error)

	// FindByCustomer returns the customer's orders newest first
	FindByCustomer(ctx context.Context, customerID int64) ([]domain.Order, error)

	// FindAll returns every order newest first
	FindAll(ctx context.Context) ([]domain.Order, error)
}
