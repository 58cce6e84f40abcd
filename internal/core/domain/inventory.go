package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// StockDemand is a request to take Quantity units of a product out of stock.
type StockDemand struct {
	ProductID int64
	Quantity  int
}

// ReservedItem is a committed stock decrement together with the unit price
// observed while the product was locked.
type ReservedItem struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// NormalizeDemands validates a reservation batch and returns a copy sorted by
// ascending product id, which is the lock order every adapter uses.
func NormalizeDemands(demands []StockDemand) ([]StockDemand, error) {
	if len(demands) == 0 {
		return nil, fmt.Errorf("%w: empty reservation", ErrInvalidQuantity)
	}

	out := make([]StockDemand, len(demands))
	copy(out, demands)

	seen := make(map[int64]struct{}, len(out))
	for _, d := range out {
		if d.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %d quantity %d", ErrInvalidQuantity, d.ProductID, d.Quantity)
		}
		if _, dup := seen[d.ProductID]; dup {
			return nil, fmt.Errorf("%w: product %d", ErrDuplicateProduct, d.ProductID)
		}
		seen[d.ProductID] = struct{}{}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
