package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/logging"
	"github.com/rl1809/grocery-checkout/internal/port"
)

type CartService struct {
	carts    port.CartRepository
	catalog  port.CatalogRepository
	stock    port.StockReservation
	activity port.ActivityStore
}

func NewCartService(carts port.CartRepository, catalog port.CatalogRepository, stock port.StockReservation, activity port.ActivityStore) *CartService {
	return &CartService{carts: carts, catalog: catalog, stock: stock, activity: activity}
}

// CartItem is a cart line joined with the current product snapshot. Product is
// nil when the product no longer exists; such lines contribute nothing to the
// total.
type CartItem struct {
	Line     domain.CartLine
	Product  *domain.Product
	Subtotal decimal.Decimal
}

type CartView struct {
	CustomerID int64
	Items      []CartItem
	Total      decimal.Decimal
}

// Add puts delta units of a product in the cart, merging with an existing line.
// A negative delta shrinks the line but never below one unit.
func (s *CartService) Add(ctx context.Context, customerID, productID int64, delta int) (*domain.CartLine, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: delta 0", domain.ErrInvalidQuantity)
	}
	p, err := s.catalog.Get(ctx, productID)
	if err != nil {
		return nil, err
	}

	line, err := s.carts.Upsert(ctx, customerID, productID, delta)
	if err != nil {
		return nil, err
	}
	if delta > 0 {
		s.record(ctx, customerID, fmt.Sprintf("added %d x %s to cart", delta, p.Name))
	}
	return line, nil
}

// SetQuantity replaces a line's quantity if the product can currently cover it.
func (s *CartService) SetQuantity(ctx context.Context, lineID int64, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	line, err := s.carts.Line(ctx, lineID)
	if err != nil {
		return err
	}

	ok, err := s.stock.CheckStock(ctx, line.ProductID, quantity)
	if err != nil {
		return err
	}
	if !ok {
		available := 0
		if p, err := s.catalog.Get(ctx, line.ProductID); err == nil {
			available = p.Stock
		}
		return &domain.StockError{ProductID: line.ProductID, Requested: quantity, Available: available}
	}
	return s.carts.SetQuantity(ctx, lineID, quantity)
}

func (s *CartService) Remove(ctx context.Context, lineID int64) error {
	return s.carts.Remove(ctx, lineID)
}

func (s *CartService) Clear(ctx context.Context, customerID int64) error {
	return s.carts.Clear(ctx, customerID)
}

func (s *CartService) Lines(ctx context.Context, customerID int64) ([]domain.CartLine, error) {
	return s.carts.Lines(ctx, customerID)
}

// Total prices the cart against the catalog as it is now. It is advisory:
// checkout charges the prices read while stock is reserved.
func (s *CartService) Total(ctx context.Context, customerID int64) (decimal.Decimal, error) {
	view, err := s.View(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	return view.Total, nil
}

func (s *CartService) View(ctx context.Context, customerID int64) (*CartView, error) {
	lines, err := s.carts.Lines(ctx, customerID)
	if err != nil {
		return nil, err
	}

	view := &CartView{CustomerID: customerID, Items: make([]CartItem, 0, len(lines)), Total: decimal.Zero}
	for _, l := range lines {
		item := CartItem{Line: l, Subtotal: decimal.Zero}
		p, err := s.catalog.Get(ctx, l.ProductID)
		switch {
		case errors.Is(err, domain.ErrProductNotFound):
		case err != nil:
			return nil, err
		default:
			item.Product = p
			item.Subtotal = p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		}
		view.Total = view.Total.Add(item.Subtotal)
		view.Items = append(view.Items, item)
	}
	return view, nil
}

func (s *CartService) record(ctx context.Context, customerID int64, message string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Append(context.WithoutCancel(ctx), customerID, message); err != nil {
		logging.Log(logging.Fields{Service: defaultServiceName, CustomerID: customerID, Step: "activity", Status: "error", Error: err.Error()})
	}
}
