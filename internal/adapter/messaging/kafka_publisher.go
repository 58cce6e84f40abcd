package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/logging"
)

const (
	EventOrderPlaced = "OrderPlaced"
	eventVersion     = 1
	writeTimeout     = 5 * time.Second
)

var (
	ErrPublisherFull   = errors.New("event buffer full")
	ErrPublisherClosed = errors.New("event publisher closed")
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderLinePayload struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type OrderPlacedPayload struct {
	OrderID     string             `json:"order_id"`
	CustomerID  int64              `json:"customer_id"`
	TotalAmount string             `json:"total_amount"`
	Lines       []OrderLinePayload `json:"lines"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher queues events in memory and writes them from one goroutine,
// so a slow or absent broker never blocks a checkout.
type KafkaPublisher struct {
	w        messageWriter
	producer string
	inbox    chan kafka.Message
	mu       sync.RWMutex
	closed   bool
	closeCh  chan struct{}
	now      func() time.Time
}

func NewKafkaPublisher(brokers []string, topic, producer string, buf int) *KafkaPublisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, producer, buf)
}

func newPublisher(w messageWriter, producer string, buf int) *KafkaPublisher {
	if buf <= 0 {
		buf = 1024
	}
	return &KafkaPublisher{
		w:        w,
		producer: producer,
		inbox:    make(chan kafka.Message, buf),
		closeCh:  make(chan struct{}),
		now:      time.Now,
	}
}

func (p *KafkaPublisher) Start() {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := p.w.WriteMessages(ctx, m)
			cancel()
			if err != nil {
				logging.Log(logging.Fields{
					Service: p.producer,
					OrderID: string(m.Key),
					Step:    "publish_order_placed",
					Status:  "error",
					Error:   err.Error(),
				})
			}
		}
		if err := p.w.Close(); err != nil {
			logging.Log(logging.Fields{Service: p.producer, Step: "close_publisher", Status: "error", Error: err.Error()})
		}
	}()
}

func (p *KafkaPublisher) PublishOrderPlaced(ctx context.Context, order domain.Order) error {
	msg, err := p.orderPlacedMessage(order)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrPublisherFull
	}
}

func (p *KafkaPublisher) orderPlacedMessage(order domain.Order) (kafka.Message, error) {
	payload := OrderPlacedPayload{
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		TotalAmount: order.TotalAmount.StringFixed(2),
		Lines:       make([]OrderLinePayload, len(order.Lines)),
	}
	for i, l := range order.Lines {
		payload.Lines[i] = OrderLinePayload{ProductID: l.ProductID, Quantity: l.Quantity, Price: l.Price.StringFixed(2)}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, err
	}

	now := p.now().UTC()
	value, err := json.Marshal(Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderPlaced,
		EventVersion:  eventVersion,
		OccurredAt:    now,
		Producer:      p.producer,
		CorrelationID: order.ID,
		Payload:       raw,
	})
	if err != nil {
		return kafka.Message{}, err
	}

	return kafka.Message{
		Key:   []byte(order.ID),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(EventOrderPlaced)},
			{Key: "x-event-version", Value: []byte("1")},
		},
	}, nil
}

// Close stops accepting events; queued ones are still flushed.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

func (p *KafkaPublisher) WaitClosed() { <-p.closeCh }

// NopPublisher drops events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishOrderPlaced(ctx context.Context, order domain.Order) error {
	return nil
}
