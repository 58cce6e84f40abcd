package main

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/port"
)

type seedableCatalog interface {
	port.CatalogRepository
	port.StockReservation
	port.PriceEditor
	PutProduct(ctx context.Context, p domain.Product) error
}

var groceries = []domain.Product{
	{ID: 1, Name: "Apple", Category: domain.CategoryFruit, Price: decimal.RequireFromString("0.45"), Stock: 200},
	{ID: 2, Name: "Banana", Category: domain.CategoryFruit, Price: decimal.RequireFromString("0.25"), Stock: 300},
	{ID: 3, Name: "Orange", Category: domain.CategoryFruit, Price: decimal.RequireFromString("0.60"), Stock: 150},
	{ID: 4, Name: "Strawberries 250g", Category: domain.CategoryFruit, Price: decimal.RequireFromString("2.99"), Stock: 40},
	{ID: 5, Name: "Carrot", Category: domain.CategoryVegetable, Price: decimal.RequireFromString("0.15"), Stock: 500},
	{ID: 6, Name: "Broccoli", Category: domain.CategoryVegetable, Price: decimal.RequireFromString("1.49"), Stock: 80},
	{ID: 7, Name: "Potato 1kg", Category: domain.CategoryVegetable, Price: decimal.RequireFromString("1.99"), Stock: 120},
	{ID: 8, Name: "Cucumber", Category: domain.CategoryVegetable, Price: decimal.RequireFromString("0.79"), Stock: 90},
}

// seedCatalog fills an empty catalog and leaves a populated one alone.
func seedCatalog(ctx context.Context, catalog seedableCatalog) (int, error) {
	existing, err := catalog.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for _, p := range groceries {
		if err := catalog.PutProduct(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(groceries), nil
}
