package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/port"
)

var ErrUnknownCategory = errors.New("unknown category")

type CatalogService struct {
	catalog port.CatalogRepository
	prices  port.PriceEditor
}

func NewCatalogService(catalog port.CatalogRepository, prices port.PriceEditor) *CatalogService {
	return &CatalogService{catalog: catalog, prices: prices}
}

func (s *CatalogService) Product(ctx context.Context, productID int64) (*domain.Product, error) {
	return s.catalog.Get(ctx, productID)
}

// Products lists the catalog, or one category of it when category is not empty.
func (s *CatalogService) Products(ctx context.Context, category string) ([]domain.Product, error) {
	if category == "" {
		return s.catalog.List(ctx)
	}
	c := domain.Category(strings.ToUpper(category))
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return s.catalog.ListByCategory(ctx, c)
}

// SetPrice changes the list price of a product. Orders already placed keep
// the price they were reserved at.
func (s *CatalogService) SetPrice(ctx context.Context, productID int64, price decimal.Decimal) (*domain.Product, error) {
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidPrice, price)
	}
	if err := s.prices.SetPrice(ctx, productID, price); err != nil {
		return nil, err
	}
	return s.catalog.Get(ctx, productID)
}
