/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts JSON catalog definitions into billing.Product, billing.Payment and
  billing.ProductConfiguration values. Pricing can be changed without code
  changes: operators edit JSON, the factory builds the proper Go structs.

JSON SCHEMA:
  {
    "products": [
      {"id": "prod-featured", "name": "FeaturedPost", "description": "Pin a story"}
    ],
    "payments": [
      {"id": "pay-payg", "type": "payg", "price": "5.00", "description": "Per feature"},
      {"id": "pay-sub", "type": "subscription", "price": "1.00",
       "subscription_cost": "20.00", "description": "Monthly"}
    ],
    "configurations": [
      {"id": "cfg-gold-sub", "product_id": "prod-featured", "tier": "GOLD", "payment_id": "pay-sub"}
    ]
  }

  Prices are decimal currency units. They are converted to integer cents and
  rejected if they carry fractions of a cent.

PAYMENT TYPES:
  The "type" field is matched against an explicit list of kinds. Unknown
  types are an error; nothing is looked up by name at runtime.

USAGE:
  f := factory.NewCatalogFactory()
  catalog, err := f.ParseCatalog(jsonString)
  if err != nil { ... }
  err = f.Load(ctx, store, catalog)

SEE ALSO:
  - billing/types.go: Payment variants
  - api/scenarios.go: demo catalog
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a full catalog.
type CatalogJSON struct {
	Products       []ProductJSON       `json:"products"`
	Payments       []PaymentJSON       `json:"payments"`
	Configurations []ConfigurationJSON `json:"configurations"`
}

type ProductJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PaymentJSON represents one payment option.
type PaymentJSON struct {
	ID               string           `json:"id"`
	Type             string           `json:"type"` // subscription, payg
	Price            decimal.Decimal  `json:"price"`
	Description      string           `json:"description,omitempty"`
	SubscriptionCost *decimal.Decimal `json:"subscription_cost,omitempty"` // subscription only
}

// ConfigurationJSON references a product and a payment by id.
type ConfigurationJSON struct {
	ID        string `json:"id,omitempty"`
	ProductID string `json:"product_id"`
	Tier      string `json:"tier"`
	PaymentID string `json:"payment_id"`
}

// Catalog is the parsed, validated form of CatalogJSON.
type Catalog struct {
	Products       []billing.Product
	Payments       []billing.Payment
	Configurations []billing.ProductConfiguration
}

// CatalogStore is what Load needs to persist a catalog.
type CatalogStore interface {
	billing.ProductStore
	billing.PaymentStore
	billing.ProductConfigurationStore
}

// =============================================================================
// PAYMENT CONSTRUCTION
// =============================================================================

// ParsePaymentKind accepts "subscription" and "payg" (case-insensitive).
func ParsePaymentKind(s string) (billing.PaymentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(billing.PaymentKindSubscription):
		return billing.PaymentKindSubscription, nil
	case string(billing.PaymentKindPayAsYouGo), "pay_as_you_go":
		return billing.PaymentKindPayAsYouGo, nil
	}
	return "", fmt.Errorf("unknown payment type %q", s)
}

// NewPayment builds the payment variant for kind. subscriptionCostCents is
// ignored for pay-as-you-go.
func NewPayment(kind billing.PaymentKind, id billing.PaymentID, priceCents int64, description string, subscriptionCostCents int64) (billing.Payment, error) {
	if priceCents < 0 || subscriptionCostCents < 0 {
		return nil, fmt.Errorf("payment %s: %w", id, billing.ErrInvalidAmount)
	}
	switch kind {
	case billing.PaymentKindSubscription:
		return billing.NewSubscription(id, priceCents, description, subscriptionCostCents), nil
	case billing.PaymentKindPayAsYouGo:
		return billing.NewPayAsYouGo(id, priceCents, description), nil
	}
	return nil, fmt.Errorf("unknown payment kind %q", kind)
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to Go structs.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseCatalog parses a JSON string into a Catalog.
func (f *CatalogFactory) ParseCatalog(jsonStr string) (Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and resolves configuration references against the
// products and payments declared in the same catalog.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (Catalog, error) {
	var catalog Catalog

	products := make(map[string]billing.Product, len(cj.Products))
	for _, pj := range cj.Products {
		if strings.TrimSpace(pj.ID) == "" || strings.TrimSpace(pj.Name) == "" {
			return Catalog{}, fmt.Errorf("product requires id and name")
		}
		p := billing.Product{ID: billing.ProductID(pj.ID), Name: pj.Name, Description: pj.Description}
		products[pj.ID] = p
		catalog.Products = append(catalog.Products, p)
	}

	payments := make(map[string]billing.Payment, len(cj.Payments))
	for _, pj := range cj.Payments {
		p, err := f.PaymentFromJSON(pj)
		if err != nil {
			return Catalog{}, err
		}
		payments[pj.ID] = p
		catalog.Payments = append(catalog.Payments, p)
	}

	for _, cfgj := range cj.Configurations {
		product, ok := products[cfgj.ProductID]
		if !ok {
			return Catalog{}, fmt.Errorf("configuration %s: product %s: %w", cfgj.ID, cfgj.ProductID, billing.ErrProductNotFound)
		}
		payment, ok := payments[cfgj.PaymentID]
		if !ok {
			return Catalog{}, fmt.Errorf("configuration %s: payment %s: %w", cfgj.ID, cfgj.PaymentID, billing.ErrPaymentNotFound)
		}
		tier, err := billing.ParseTier(cfgj.Tier)
		if err != nil {
			return Catalog{}, fmt.Errorf("configuration %s: %w", cfgj.ID, err)
		}
		catalog.Configurations = append(catalog.Configurations, billing.ProductConfiguration{
			ID:      billing.ConfigurationID(cfgj.ID),
			Product: product,
			Tier:    tier,
			Payment: payment,
		})
	}

	return catalog, nil
}

// PaymentFromJSON converts a single PaymentJSON.
func (f *CatalogFactory) PaymentFromJSON(pj PaymentJSON) (billing.Payment, error) {
	if strings.TrimSpace(pj.ID) == "" {
		return nil, fmt.Errorf("payment requires id")
	}
	kind, err := ParsePaymentKind(pj.Type)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", pj.ID, err)
	}
	price, err := toCents(pj.Price)
	if err != nil {
		return nil, fmt.Errorf("payment %s price: %w", pj.ID, err)
	}
	var subCost int64
	if pj.SubscriptionCost != nil {
		if kind != billing.PaymentKindSubscription {
			return nil, fmt.Errorf("payment %s: subscription_cost only applies to subscriptions", pj.ID)
		}
		if subCost, err = toCents(*pj.SubscriptionCost); err != nil {
			return nil, fmt.Errorf("payment %s subscription_cost: %w", pj.ID, err)
		}
	}
	return NewPayment(kind, billing.PaymentID(pj.ID), price, pj.Description, subCost)
}

// ToJSON converts a Payment to PaymentJSON.
func (f *CatalogFactory) ToJSON(p billing.Payment) PaymentJSON {
	base := p.Base()
	pj := PaymentJSON{
		ID:          string(base.ID),
		Type:        string(p.Kind()),
		Price:       decimal.New(base.PriceCents, -2),
		Description: base.Description,
	}
	if sub, ok := p.(billing.Subscription); ok {
		cost := decimal.New(sub.SubscriptionCost, -2)
		pj.SubscriptionCost = &cost
	}
	return pj
}

// Load writes the catalog to s: products, then payments, then configurations.
// It stops at the first error; earlier writes are kept.
func (f *CatalogFactory) Load(ctx context.Context, s CatalogStore, catalog Catalog) error {
	for _, p := range catalog.Products {
		if _, err := s.SaveProduct(ctx, p); err != nil {
			return fmt.Errorf("failed to save product %s: %w", p.ID, err)
		}
	}
	for _, p := range catalog.Payments {
		if _, err := s.SavePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to save payment %s: %w", p.Base().ID, err)
		}
	}
	for _, cfg := range catalog.Configurations {
		if _, err := s.SaveConfiguration(ctx, cfg); err != nil {
			return fmt.Errorf("failed to save configuration %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func toCents(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, billing.ErrInvalidAmount
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%s has fractional cents: %w", d, billing.ErrInvalidAmount)
	}
	return cents.IntPart(), nil
}
