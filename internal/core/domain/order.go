package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusSuccessful OrderStatus = "SUCCESSFUL"
	OrderStatusFailed     OrderStatus = "FAILED"
	OrderStatusPending    OrderStatus = "PENDING"
)

type Order struct {
	ID          string
	CustomerID  int64
	Status      OrderStatus
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
	Lines       []OrderLine
}

// OrderLine keeps the unit price frozen at checkout time.
type OrderLine struct {
	OrderID   string
	ProductID int64
	Quantity  int
	Price     decimal.Decimal
}

func (l OrderLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LinesTotal sums price * quantity over the order lines.
func (o Order) LinesTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

type CartLine struct {
	ID         int64
	CustomerID int64
	ProductID  int64
	Quantity   int
}
