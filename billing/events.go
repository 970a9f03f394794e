/*
events.go - Post-commit invoice notifications

PURPOSE:
  Fans an invoice out to fulfillment side effects after it is committed.
  Billing never waits on, or rolls back for, an observer.

ORDERING:
  Observers are notified in registration order, synchronously, on the
  caller's goroutine.

ISOLATION:
  An observer that returns an error or panics is logged and skipped. The
  remaining observers still run and the caller never sees the failure.

SEE ALSO:
  - featuring/observer.go: Features a story on FeaturedPost purchases
  - notify/amqp.go: Publishes invoice events to RabbitMQ
*/
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// InvoiceEvent is delivered to observers once an invoice is durable.
type InvoiceEvent struct {
	Invoice Invoice
	Product Product
	StoryID StoryID
}

type InvoiceObserver interface {
	OnInvoiceCreated(ctx context.Context, event InvoiceEvent) error
}

// ObserverFunc adapts a function to InvoiceObserver. Functions are not
// comparable, so the bus cannot deduplicate them on Subscribe.
type ObserverFunc func(ctx context.Context, event InvoiceEvent) error

func (f ObserverFunc) OnInvoiceCreated(ctx context.Context, event InvoiceEvent) error {
	return f(ctx, event)
}

// =============================================================================
// EVENT BUS
// =============================================================================

type InvoiceEventBus struct {
	mu        sync.RWMutex
	observers []InvoiceObserver
	logger    *slog.Logger
}

func NewInvoiceEventBus(logger *slog.Logger) *InvoiceEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceEventBus{logger: logger}
}

// Subscribe registers o. It returns false if o is nil or already registered.
func (b *InvoiceEventBus) Subscribe(o InvoiceObserver) bool {
	if o == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.observers {
		if sameObserver(existing, o) {
			return false
		}
	}
	b.observers = append(b.observers, o)
	return true
}

func (b *InvoiceEventBus) Unsubscribe(o InvoiceObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.observers {
		if sameObserver(existing, o) {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (b *InvoiceEventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Publish notifies every observer in order.
func (b *InvoiceEventBus) Publish(ctx context.Context, event InvoiceEvent) {
	b.mu.RLock()
	observers := make([]InvoiceObserver, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, o := range observers {
		if err := b.notify(ctx, o, event); err != nil {
			b.logger.Warn("invoice observer failed",
				"observer", fmt.Sprintf("%T", o),
				"invoice_id", event.Invoice.ID,
				"product", event.Product.Name,
				"error", err,
			)
		}
	}
}

func (b *InvoiceEventBus) notify(ctx context.Context, o InvoiceObserver, event InvoiceEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.OnInvoiceCreated(ctx, event)
}

func sameObserver(a, b InvoiceObserver) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
