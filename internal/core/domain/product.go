package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryFruit     Category = "FRUIT"
	CategoryVegetable Category = "VEGETABLE"
)

func (c Category) Valid() bool {
	return c == CategoryFruit || c == CategoryVegetable
}

type Product struct {
	ID        int64
	Name      string
	Category  Category
	Price     decimal.Decimal
	Stock     int
	Version   int // bumped on every stock or price change
	CreatedAt time.Time
	UpdatedAt time.Time
}
