package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/billing-engine/billing"
)

type recordingObserver struct {
	name string
	log  *[]string
	err  error
}

func (o *recordingObserver) OnInvoiceCreated(_ context.Context, _ billing.InvoiceEvent) error {
	*o.log = append(*o.log, o.name)
	return o.err
}

func TestEventBus_NotifiesInRegistrationOrder(t *testing.T) {
	var calls []string
	bus := billing.NewInvoiceEventBus(nil)
	bus.Subscribe(&recordingObserver{name: "first", log: &calls})
	bus.Subscribe(&recordingObserver{name: "second", log: &calls})
	bus.Subscribe(&recordingObserver{name: "third", log: &calls})

	bus.Publish(context.Background(), billing.InvoiceEvent{Invoice: billing.Invoice{ID: "inv-1"}})

	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestEventBus_FailingObserverIsolated(t *testing.T) {
	// GIVEN: An erroring observer, a panicking observer, then a healthy one
	// WHEN: Publishing
	// THEN: The healthy observer still runs and Publish does not panic

	var calls []string
	bus := billing.NewInvoiceEventBus(nil)
	bus.Subscribe(&recordingObserver{name: "erroring", log: &calls, err: errors.New("boom")})
	bus.Subscribe(billing.ObserverFunc(func(context.Context, billing.InvoiceEvent) error {
		calls = append(calls, "panicking")
		panic("nil map")
	}))
	bus.Subscribe(&recordingObserver{name: "healthy", log: &calls})

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), billing.InvoiceEvent{})
	})
	assert.Equal(t, []string{"erroring", "panicking", "healthy"}, calls)
}

func TestEventBus_SubscribeRejectsNilAndDuplicates(t *testing.T) {
	var calls []string
	bus := billing.NewInvoiceEventBus(nil)
	o := &recordingObserver{name: "once", log: &calls}

	assert.True(t, bus.Subscribe(o))
	assert.False(t, bus.Subscribe(o))
	assert.False(t, bus.Subscribe(nil))
	assert.Equal(t, 1, bus.Len())

	bus.Publish(context.Background(), billing.InvoiceEvent{})
	assert.Equal(t, []string{"once"}, calls)
}

func TestEventBus_FuncObserversAreNotDeduplicated(t *testing.T) {
	bus := billing.NewInvoiceEventBus(nil)
	fn := billing.ObserverFunc(func(context.Context, billing.InvoiceEvent) error { return nil })

	assert.True(t, bus.Subscribe(fn))
	assert.True(t, bus.Subscribe(fn))
	assert.Equal(t, 2, bus.Len())
}

func TestEventBus_Unsubscribe(t *testing.T) {
	var calls []string
	bus := billing.NewInvoiceEventBus(nil)
	a := &recordingObserver{name: "a", log: &calls}
	b := &recordingObserver{name: "b", log: &calls}
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.Unsubscribe(a)
	bus.Publish(context.Background(), billing.InvoiceEvent{})

	assert.Equal(t, []string{"b"}, calls)
	assert.Equal(t, 1, bus.Len())
}
