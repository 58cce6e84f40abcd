package service

import (
	"context"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/port"
)

const defaultActivityLimit = 20

// OrderService is the read side of placed orders and the activity journal.
type OrderService struct {
	orders   port.OrderRepository
	activity port.ActivityStore
}

func NewOrderService(orders port.OrderRepository, activity port.ActivityStore) *OrderService {
	return &OrderService{orders: orders, activity: activity}
}

func (s *OrderService) Order(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.FindByID(ctx, orderID)
}

func (s *OrderService) History(ctx context.Context, customerID int64) ([]domain.Order, error) {
	return s.orders.FindByCustomer(ctx, customerID)
}

func (s *OrderService) All(ctx context.Context) ([]domain.Order, error) {
	return s.orders.FindAll(ctx)
}

func (s *OrderService) Activity(ctx context.Context, customerID int64, limit int) ([]port.ActivityEntry, error) {
	if s.activity == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	return s.activity.Recent(ctx, customerID, limit)
}

func (s *OrderService) ClearActivity(ctx context.Context, customerID int64) error {
	if s.activity == nil {
		return nil
	}
	return s.activity.Clear(ctx, customerID)
}
