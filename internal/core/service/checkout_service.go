package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/logging"
	"github.com/rl1809/grocery-checkout/internal/metrics"
	"github.com/rl1809/grocery-checkout/internal/port"
)

var ErrDuplicateRequest = errors.New("duplicate request")

const (
	defaultServiceName    = "grocery-checkout"
	defaultReserveRetries = 3
	defaultReleaseRetries = 5
	defaultReleaseTimeout = 5 * time.Second
	defaultReserveBackoff = 20 * time.Millisecond
	defaultReleaseBackoff = 50 * time.Millisecond
	cartClearTimeout      = 5 * time.Second
)

type CheckoutService struct {
	carts    port.CartRepository
	stock    port.StockReservation
	orders   port.OrderRepository
	idem     port.IdempotencyStore
	activity port.ActivityStore
	events   port.EventPublisher
	metrics  *metrics.CheckoutMetrics

	serviceName    string
	reserveRetries int
	releaseRetries int
	releaseTimeout time.Duration
	reserveBackoff time.Duration
	releaseBackoff time.Duration

	now   func() time.Time
	newID func() string
}

type CheckoutOption func(*CheckoutService)

func WithIdempotency(store port.IdempotencyStore) CheckoutOption {
	return func(s *CheckoutService) { s.idem = store }
}

func WithActivity(store port.ActivityStore) CheckoutOption {
	return func(s *CheckoutService) { s.activity = store }
}

func WithEvents(p port.EventPublisher) CheckoutOption {
	return func(s *CheckoutService) { s.events = p }
}

func WithMetrics(m *metrics.CheckoutMetrics) CheckoutOption {
	return func(s *CheckoutService) { s.metrics = m }
}

func WithServiceName(name string) CheckoutOption {
	return func(s *CheckoutService) { s.serviceName = name }
}

// WithRetries sets how often a busy reservation is retried and how often each
// compensating release is attempted.
func WithRetries(reserve, release int) CheckoutOption {
	return func(s *CheckoutService) {
		if reserve >= 0 {
			s.reserveRetries = reserve
		}
		if release >= 1 {
			s.releaseRetries = release
		}
	}
}

func WithReleaseTimeout(d time.Duration) CheckoutOption {
	return func(s *CheckoutService) {
		if d > 0 {
			s.releaseTimeout = d
		}
	}
}

func WithBackoff(reserve, release time.Duration) CheckoutOption {
	return func(s *CheckoutService) {
		s.reserveBackoff = reserve
		s.releaseBackoff = release
	}
}

func WithClock(now func() time.Time) CheckoutOption {
	return func(s *CheckoutService) { s.now = now }
}

func WithIDGenerator(newID func() string) CheckoutOption {
	return func(s *CheckoutService) { s.newID = newID }
}

func NewCheckoutService(carts port.CartRepository, stock port.StockReservation, orders port.OrderRepository, opts ...CheckoutOption) *CheckoutService {
	s := &CheckoutService{
		carts:          carts,
		stock:          stock,
		orders:         orders,
		serviceName:    defaultServiceName,
		reserveRetries: defaultReserveRetries,
		releaseRetries: defaultReleaseRetries,
		releaseTimeout: defaultReleaseTimeout,
		reserveBackoff: defaultReserveBackoff,
		releaseBackoff: defaultReleaseBackoff,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checkout turns the customer's cart into a persisted order. Either the order
// is saved with every line and the stock of every line is taken, or nothing
// changes: stock reserved before a failed save is released again.
func (s *CheckoutService) Checkout(ctx context.Context, customerID int64) (*domain.Order, error) {
	start := time.Now()
	order, err := s.checkout(ctx, customerID)
	elapsed := time.Since(start)
	s.metrics.ObserveCheckout(checkoutResult(err), float64(elapsed.Milliseconds()))

	if err != nil {
		s.log(logging.Fields{CustomerID: customerID, Step: "checkout", Status: "failed", DurationMS: elapsed.Milliseconds(), Error: err.Error()})
		s.record(ctx, customerID, fmt.Sprintf("checkout failed: %v", err))
		return nil, err
	}

	s.log(logging.Fields{CustomerID: customerID, OrderID: order.ID, Step: "checkout", Status: "ok", DurationMS: elapsed.Milliseconds()})
	s.record(ctx, customerID, fmt.Sprintf("placed order %s, %d lines, total %s", order.ID, len(order.Lines), order.TotalAmount.StringFixed(2)))
	if s.events != nil {
		if err := s.events.PublishOrderPlaced(ctx, *order); err != nil {
			s.log(logging.Fields{CustomerID: customerID, OrderID: order.ID, Step: "publish", Status: "error", Error: err.Error()})
		}
	}
	return order, nil
}

// CheckoutOnce runs Checkout at most once per requestKey. A failed checkout
// gives the key back so the client can retry it.
func (s *CheckoutService) CheckoutOnce(ctx context.Context, customerID int64, requestKey string) (*domain.Order, error) {
	if requestKey == "" || s.idem == nil {
		return s.Checkout(ctx, customerID)
	}

	key := fmt.Sprintf("checkout:%d:%s", customerID, requestKey)
	ok, err := s.idem.Claim(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		s.metrics.ObserveCheckout(metrics.ResultDuplicate, 0)
		return nil, ErrDuplicateRequest
	}

	order, err := s.Checkout(ctx, customerID)
	if err != nil {
		forgetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout)
		defer cancel()
		if ferr := s.idem.Forget(forgetCtx, key); ferr != nil {
			s.log(logging.Fields{CustomerID: customerID, Step: "forget_request_key", Status: "error", Error: ferr.Error()})
		}
		return nil, err
	}
	return order, nil
}

func (s *CheckoutService) checkout(ctx context.Context, customerID int64) (*domain.Order, error) {
	lines, err := s.carts.Lines(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if len(lines) == 0 {
		return nil, domain.ErrEmptyCart
	}

	demands := make([]domain.StockDemand, len(lines))
	for i, l := range lines {
		demands[i] = domain.StockDemand{ProductID: l.ProductID, Quantity: l.Quantity}
	}

	items, err := s.reserve(ctx, demands)
	if err != nil {
		return nil, err
	}

	order := s.buildOrder(customerID, items)

	// from here on every failure path has to give the stock back
	if err := ctx.Err(); err != nil {
		return nil, s.compensate(ctx, order, err)
	}
	if err := s.orders.Save(ctx, order); err != nil {
		return nil, s.compensate(ctx, order, err)
	}

	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cartClearTimeout)
	defer cancel()
	if err := s.carts.Clear(clearCtx, customerID); err != nil {
		s.log(logging.Fields{CustomerID: customerID, OrderID: order.ID, Step: "clear_cart", Status: "error", Error: err.Error()})
	}
	return &order, nil
}

// reserve retries only ErrBusy, with a linear backoff.
func (s *CheckoutService) reserve(ctx context.Context, demands []domain.StockDemand) ([]domain.ReservedItem, error) {
	for attempt := 0; ; attempt++ {
		items, err := s.stock.Reserve(ctx, demands)
		if err == nil {
			return items, nil
		}
		if !errors.Is(err, domain.ErrBusy) || attempt >= s.reserveRetries {
			return nil, err
		}
		if err := sleep(ctx, s.reserveBackoff*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
	}
}

func (s *CheckoutService) buildOrder(customerID int64, items []domain.ReservedItem) domain.Order {
	order := domain.Order{
		ID:         s.newID(),
		CustomerID: customerID,
		Status:     domain.OrderStatusSuccessful,
		CreatedAt:  s.now().UTC(),
		Lines:      make([]domain.OrderLine, len(items)),
	}
	total := decimal.Zero
	for i, it := range items {
		line := domain.OrderLine{OrderID: order.ID, ProductID: it.ProductID, Quantity: it.Quantity, Price: it.UnitPrice}
		order.Lines[i] = line
		total = total.Add(line.Subtotal())
	}
	order.TotalAmount = total
	return order
}

// compensate releases every reserved line of an order that was not saved.
// It runs on a context detached from the caller, so a cancelled request still
// gives its stock back.
func (s *CheckoutService) compensate(ctx context.Context, order domain.Order, cause error) error {
	base := context.WithoutCancel(ctx)

	var failed []error
	for _, l := range order.Lines {
		if err := s.release(base, l.ProductID, l.Quantity); err != nil {
			s.metrics.ObserveRelease(false)
			s.log(logging.Fields{
				CustomerID: order.CustomerID,
				OrderID:    order.ID,
				ProductID:  l.ProductID,
				Step:       "release_stock",
				Status:     "critical",
				Message:    fmt.Sprintf("%d units could not be returned", l.Quantity),
				Error:      err.Error(),
			})
			failed = append(failed, fmt.Errorf("release product %d (%d units): %w", l.ProductID, l.Quantity, err))
			continue
		}
		s.metrics.ObserveRelease(true)
	}

	return fmt.Errorf("%w: %w", domain.ErrPersistence, errors.Join(append([]error{cause}, failed...)...))
}

func (s *CheckoutService) release(base context.Context, productID int64, quantity int) error {
	ctx, cancel := context.WithTimeout(base, s.releaseTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < s.releaseRetries; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, s.releaseBackoff*time.Duration(attempt)); serr != nil {
				return errors.Join(err, serr)
			}
		}
		err = s.stock.Release(ctx, productID, quantity)
		if err == nil || errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrInvalidQuantity) {
			return err
		}
	}
	return err
}

func (s *CheckoutService) record(ctx context.Context, customerID int64, message string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Append(context.WithoutCancel(ctx), customerID, message); err != nil {
		s.log(logging.Fields{CustomerID: customerID, Step: "activity", Status: "error", Error: err.Error()})
	}
}

func (s *CheckoutService) log(f logging.Fields) {
	f.Service = s.serviceName
	logging.Log(f)
}

func checkoutResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, domain.ErrEmptyCart):
		return metrics.ResultEmptyCart
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.ResultInsufficient
	case errors.Is(err, domain.ErrBusy):
		return metrics.ResultBusy
	case errors.Is(err, domain.ErrPersistence):
		return metrics.ResultPersistence
	default:
		return metrics.ResultError
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
