package port

import (
	"context"
	"time"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

type IdempotencyStore interface {
	// Claim sets the key if absent, returns false if it already exists
	Claim(ctx context.Context, key string) (bool, error)

	// Forget drops a claim so the request can be retried
	Forget(ctx context.Context, key string) error
}

type ActivityEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// ActivityStore is a bounded per-customer journal. A journal is created on the
// first Append, capped to a maximum number of entries, expires after a period
// of inactivity and can be cleared explicitly.
type ActivityStore interface {
	Append(ctx context.Context, customerID int64, message string) error

	// Recent returns up to limit entries, newest first
	Recent(ctx context.Context, customerID int64, limit int) ([]ActivityEntry, error)

	Clear(ctx context.Context, customerID int64) error
}

type EventPublisher interface {
	// PublishOrderPlaced must not block the checkout on broker availability
	PublishOrderPlaced(ctx context.Context, order domain.Order) error
}
