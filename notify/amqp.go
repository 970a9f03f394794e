/*
Package notify publishes billing events to RabbitMQ.

PURPOSE:
  Other services (analytics, email, audit) learn about invoices without
  reading the billing database. The invoice observer turns each committed
  invoice into a JSON message on a durable topic exchange.

ROUTING KEYS:
  invoice.debit   charge invoices
  invoice.credit  refund invoices

DELIVERY:
  Best effort. A failed publish is returned to the event bus, which logs it;
  the invoice itself is already committed.

SEE ALSO:
  - billing/events.go: InvoiceEventBus
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/warp/billing-engine/billing"
)

const (
	DefaultExchange = "billing.invoices"

	RoutingKeyDebit  = "invoice.debit"
	RoutingKeyCredit = "invoice.credit"
)

// Publisher sends a JSON-encoded body to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// =============================================================================
// AMQP PRODUCER
// =============================================================================

type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *slog.Logger
}

// NewEventProducer dials amqpURL with a bounded timeout and opens a channel.
func NewEventProducer(amqpURL string, logger *slog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &EventProducer{conn: conn, channel: ch, logger: logger}, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Publish declares the exchange (durable topic) and publishes body. On a
// channel error it reopens the channel once and retries.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	p.logger.WarnContext(ctx, "publish failed, reopening channel",
		"exchange", exchange, "routing_key", routingKey, "error", err)

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel.Close()
	p.channel = ch
	return p.publishLocked(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// =============================================================================
// INVOICE OBSERVER
// =============================================================================

// InvoiceMessage is the wire payload for one invoice.
type InvoiceMessage struct {
	InvoiceID   string    `json:"invoice_id"`
	UserID      string    `json:"user_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	PaymentID   string    `json:"payment_id"`
	PaymentType string    `json:"payment_type"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description"`
	StoryID     string    `json:"story_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewInvoiceMessage(event billing.InvoiceEvent) InvoiceMessage {
	inv := event.Invoice
	return InvoiceMessage{
		InvoiceID:   string(inv.ID),
		UserID:      string(inv.UserID),
		ProductID:   string(event.Product.ID),
		ProductName: event.Product.Name,
		PaymentID:   string(inv.PaymentID),
		PaymentType: inv.PaymentType,
		AmountCents: inv.AmountCents,
		Description: inv.Description,
		StoryID:     string(event.StoryID),
		CreatedAt:   inv.CreatedAt,
	}
}

// InvoicePublisher is a billing.InvoiceObserver that forwards invoices to
// a Publisher.
type InvoicePublisher struct {
	publisher Publisher
	exchange  string
}

func NewInvoicePublisher(publisher Publisher, exchange string) *InvoicePublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &InvoicePublisher{publisher: publisher, exchange: exchange}
}

func (p *InvoicePublisher) OnInvoiceCreated(ctx context.Context, event billing.InvoiceEvent) error {
	key := RoutingKeyDebit
	if event.Invoice.IsCredit() {
		key = RoutingKeyCredit
	}
	if err := p.publisher.Publish(ctx, p.exchange, key, NewInvoiceMessage(event)); err != nil {
		return fmt.Errorf("failed to publish invoice %s: %w", event.Invoice.ID, err)
	}
	return nil
}

var (
	_ Publisher               = (*EventProducer)(nil)
	_ billing.InvoiceObserver = (*InvoicePublisher)(nil)
)
