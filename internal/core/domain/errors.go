package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrBusy              = errors.New("stock is busy, retry later")
	ErrPersistence       = errors.New("order persistence failed")
	ErrProductNotFound   = errors.New("product not found")
	ErrCartLineNotFound  = errors.New("cart line not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrDuplicateProduct  = errors.New("duplicate product in reservation")
	ErrInvalidPrice      = errors.New("invalid price")
)

// StockError reports the product that could not cover a demand.
// errors.Is(err, ErrInsufficientStock) holds for it.
type StockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}
