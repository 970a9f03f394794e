/*
Package billing provides the billing and entitlement engine.

PURPOSE:
  Decides how a paid product action is financed and records what happened.
  A user either holds a subscription entitlement for the product at their
  tier, or is charged pay-as-you-go from their wallet. Every wallet mutation
  produces exactly one invoice, and side effects (featuring a story, pushing
  an event to a broker) run only after the invoice is committed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Tier: User classification gating product pricing
  - Payment: Sealed variant, Subscription or PayAsYouGo
  - ProductConfiguration: Product + Tier -> exactly one Payment
  - Invoice: Immutable ledger entry of one billing action
  - Action: DEBIT or CREDIT

DESIGN PRINCIPLES:
  1. Integer cents: No floating point anywhere in the engine
  2. Snapshots: Invoices copy payment id and type, never reference live rows
  3. Explicit construction: Components are built with New* and injected
  4. Append-only: Invoices are never updated, corrections are new invoices

USAGE:
  engine := billing.NewOrchestrator(store, bus)
  receipt, err := engine.Charge(ctx, user, product, billing.ChargeContext{StoryID: "s-1"})

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence contracts
  - orchestrator.go: The charge/refund state machine
*/
package billing

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ProductID string
type PaymentID string
type ConfigurationID string
type InvoiceID string
type StoryID string

// =============================================================================
// TIER
// =============================================================================

type Tier string

const (
	TierNormal Tier = "NORMAL"
	TierSilver Tier = "SILVER"
	TierGold   Tier = "GOLD"
	TierCore   Tier = "CORE"
	TierOther  Tier = "OTHER"
)

// IsPremium reports whether the tier is one of the paid tiers.
func (t Tier) IsPremium() bool {
	return t == TierCore || t == TierGold || t == TierSilver
}

func (t Tier) Valid() bool {
	switch t {
	case TierNormal, TierSilver, TierGold, TierCore, TierOther:
		return true
	}
	return false
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid tier %q: must be one of NORMAL, SILVER, GOLD, CORE, OTHER", s)
	}
	return t, nil
}

// =============================================================================
// USER & PRODUCT
// =============================================================================

// User is owned by the platform. The engine reads Tier and Subscriptions and
// only ever changes WalletCents through the WalletLedger.
type User struct {
	ID          UserID
	Username    string
	Email       string
	Tier        Tier
	WalletCents int64

	// Subscriptions are the active entitlements. Only populated by
	// UserStore.FindWithSubscriptions.
	Subscriptions []ProductConfiguration

	CreatedAt time.Time
}

type Product struct {
	ID          ProductID
	Name        string
	Description string
}

// =============================================================================
// PAYMENT - Sealed variant
// =============================================================================

type PaymentKind string

const (
	PaymentKindSubscription PaymentKind = "subscription"
	PaymentKindPayAsYouGo   PaymentKind = "payg"
)

// Payment is a priced item. The only implementations are Subscription and
// PayAsYouGo; the unexported method keeps the set closed.
type Payment interface {
	Base() PaymentBase
	Kind() PaymentKind
	sealed()
}

type PaymentBase struct {
	ID          PaymentID
	PriceCents  int64
	Description string
}

func (p PaymentBase) Base() PaymentBase { return p }
func (PaymentBase) sealed()              {}

// Subscription is pre-paid capacity. SubscriptionCost is what the user paid
// to hold it; PriceCents is what each action under it costs.
type Subscription struct {
	PaymentBase
	SubscriptionCost int64
}

func (Subscription) Kind() PaymentKind { return PaymentKindSubscription }

type PayAsYouGo struct {
	PaymentBase
}

func (PayAsYouGo) Kind() PaymentKind { return PaymentKindPayAsYouGo }

func NewSubscription(id PaymentID, priceCents int64, description string, subscriptionCost int64) Subscription {
	return Subscription{
		PaymentBase:      PaymentBase{ID: id, PriceCents: priceCents, Description: description},
		SubscriptionCost: subscriptionCost,
	}
}

func NewPayAsYouGo(id PaymentID, priceCents int64, description string) PayAsYouGo {
	return PayAsYouGo{PaymentBase: PaymentBase{ID: id, PriceCents: priceCents, Description: description}}
}

func IsSubscription(p Payment) bool {
	_, ok := p.(Subscription)
	return ok
}

func IsPayAsYouGo(p Payment) bool {
	_, ok := p.(PayAsYouGo)
	return ok
}

// =============================================================================
// PRODUCT CONFIGURATION
// =============================================================================

// ProductConfiguration ties a Product and Tier to one Payment. At most one
// subscription and one pay-as-you-go configuration exist per (product, tier).
type ProductConfiguration struct {
	ID      ConfigurationID
	Product Product
	Tier    Tier
	Payment Payment
}

// =============================================================================
// INVOICE
// =============================================================================

const (
	PaymentTypeSubscription = "SUBSCRIPTION"
	PaymentTypePayAsYouGo   = "PAYG"
)

// Invoice is the immutable record of one billing action. AmountCents is
// positive for a debit and negative for a credit.
type Invoice struct {
	ID          InvoiceID
	UserID      UserID
	PaymentID   PaymentID
	PaymentType string
	DateFrom    time.Time
	DateTo      time.Time
	AmountCents int64
	Description string
	CreatedAt   time.Time
}

// IsCredit reports whether the invoice records money returned to the user.
func (i Invoice) IsCredit() bool { return i.AmountCents < 0 }

// =============================================================================
// ACTION
// =============================================================================

type Action string

const (
	ActionDebit  Action = "DEBIT"
	ActionCredit Action = "CREDIT"
)

// Inverse returns the action that undoes a.
func (a Action) Inverse() Action {
	if a == ActionDebit {
		return ActionCredit
	}
	return ActionDebit
}

// PaymentWithID returns a copy of p carrying id.
func PaymentWithID(p Payment, id PaymentID) Payment {
	switch v := p.(type) {
	case Subscription:
		v.ID = id
		return v
	case PayAsYouGo:
		v.ID = id
		return v
	}
	return p
}
