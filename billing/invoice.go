package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INVOICE FACTORY - Point-in-time snapshots
// =============================================================================

// InvoiceFactory builds invoices without touching storage. The payment id
// and type are copied so later payment edits or deletions leave history intact.
type InvoiceFactory struct {
	now   func() time.Time
	newID func() InvoiceID
}

func NewInvoiceFactory() *InvoiceFactory {
	return &InvoiceFactory{
		now:   time.Now,
		newID: func() InvoiceID { return InvoiceID(uuid.NewString()) },
	}
}

// WithClock replaces the factory's time source.
func (f *InvoiceFactory) WithClock(now func() time.Time) *InvoiceFactory {
	f.now = now
	return f
}

// WithIDGenerator replaces the factory's id source.
func (f *InvoiceFactory) WithIDGenerator(newID func() InvoiceID) *InvoiceFactory {
	f.newID = newID
	return f
}

// Build returns the invoice for applying action with cfg's payment.
func (f *InvoiceFactory) Build(user User, cfg ProductConfiguration, action Action) Invoice {
	base := cfg.Payment.Base()

	amount := base.PriceCents
	if action == ActionCredit {
		amount = -amount
	}

	paymentType := PaymentTypeOf(cfg.Payment)
	now := f.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	return Invoice{
		ID:          f.newID(),
		UserID:      user.ID,
		PaymentID:   base.ID,
		PaymentType: paymentType,
		DateFrom:    today,
		DateTo:      today,
		AmountCents: amount,
		Description: fmt.Sprintf("%s for %s", paymentType, cfg.Product.Name),
		CreatedAt:   now,
	}
}

// PaymentTypeOf returns the invoice tag for the payment's concrete type.
func PaymentTypeOf(p Payment) string {
	switch p.(type) {
	case Subscription:
		return PaymentTypeSubscription
	case PayAsYouGo:
		return PaymentTypePayAsYouGo
	default:
		return "UNKNOWN"
	}
}

// InvoiceFor returns the invoice only if it belongs to userID. Another
// user's invoice is reported as not found.
func InvoiceFor(ctx context.Context, invoices InvoiceStore, userID UserID, id InvoiceID) (Invoice, error) {
	inv, err := invoices.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.UserID != userID {
		return Invoice{}, fmt.Errorf("invoice %s for user %s: %w", id, userID, ErrInvoiceNotFound)
	}
	return inv, nil
}
