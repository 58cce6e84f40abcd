package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testOrder() domain.Order {
	return domain.Order{
		ID:          "order-1",
		CustomerID:  42,
		Status:      domain.OrderStatusSuccessful,
		TotalAmount: decimal.RequireFromString("6.7"),
		Lines: []domain.OrderLine{
			{OrderID: "order-1", ProductID: 1, Quantity: 2, Price: decimal.RequireFromString("1.5")},
			{OrderID: "order-1", ProductID: 2, Quantity: 1, Price: decimal.RequireFromString("3.7")},
		},
	}
}

func TestPublishOrderPlaced_FlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "grocery-checkout", 8)
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	p.Start()

	if err := p.PublishOrderPlaced(context.Background(), testOrder()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Close()
	p.Close()
	p.WaitClosed()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		t.Error("expected writer to be closed")
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}

	m := w.msgs[0]
	if string(m.Key) != "order-1" {
		t.Errorf("expected key order-1, got %s", m.Key)
	}

	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.EventType != EventOrderPlaced || env.EventVersion != 1 || env.CorrelationID != "order-1" || env.EventID == "" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	var payload OrderPlacedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.TotalAmount != "6.70" || len(payload.Lines) != 2 || payload.Lines[0].Price != "1.50" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestPublishOrderPlaced_FullBufferDoesNotBlock(t *testing.T) {
	p := newPublisher(&fakeWriter{}, "grocery-checkout", 1)
	// not started, so the buffer never drains

	if err := p.PublishOrderPlaced(context.Background(), testOrder()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.PublishOrderPlaced(context.Background(), testOrder()); !errors.Is(err, ErrPublisherFull) {
		t.Errorf("expected ErrPublisherFull, got: %v", err)
	}
}

func TestPublishOrderPlaced_WriteErrorIsLogged(t *testing.T) {
	w := &fakeWriter{fail: true}
	p := newPublisher(w, "grocery-checkout", 4)
	p.Start()

	if err := p.PublishOrderPlaced(context.Background(), testOrder()); err != nil {
		t.Fatalf("publish should not surface broker errors: %v", err)
	}
	p.Close()
	p.WaitClosed()
}

func TestPublishOrderPlaced_AfterClose(t *testing.T) {
	p := newPublisher(&fakeWriter{}, "grocery-checkout", 4)
	p.Start()
	p.Close()
	p.WaitClosed()

	if err := p.PublishOrderPlaced(context.Background(), testOrder()); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("expected ErrPublisherClosed, got: %v", err)
	}
}
