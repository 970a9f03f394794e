/*
scenarios.go - Demo data for testing and demonstrations

PURPOSE:

	Populates a store with a small catalog and three users that together
	exercise every billing path: pay-as-you-go, subscription priority,
	insufficient funds and tiers with no configuration.

DEMO CATALOG:

	FeaturedPost   NORMAL  PAYG 5.00
	               SILVER  PAYG 4.00
	               GOLD    PAYG 3.00, SUBSCRIPTION 1.00 (costs 20.00)
	Boost          GOLD    PAYG 2.00
	               CORE    SUBSCRIPTION 0.00 (costs 50.00)

DEMO USERS:

	user-alice  NORMAL  10.00
	user-bob    GOLD    50.00, subscribed to FeaturedPost
	user-carol  SILVER   2.00

USAGE VIA API:

	POST /api/seed

NOTE:

	Seeding is idempotent. Existing demo users get their wallets reset.

SEE ALSO:
  - handlers.go: Seed handler
  - factory/catalog.go: Catalog JSON schema
*/
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// DemoCatalogJSON is the demo catalog in factory JSON form.
const DemoCatalogJSON = `{
  "products": [
    {"id": "prod-featured-post", "name": "FeaturedPost", "description": "Pin a story to the front page"},
    {"id": "prod-boost", "name": "Boost", "description": "Push a story into more feeds"}
  ],
  "payments": [
    {"id": "pay-featured-normal", "type": "payg", "price": "5.00", "description": "Featured post"},
    {"id": "pay-featured-silver", "type": "payg", "price": "4.00", "description": "Featured post, silver rate"},
    {"id": "pay-featured-gold", "type": "payg", "price": "3.00", "description": "Featured post, gold rate"},
    {"id": "pay-featured-gold-sub", "type": "subscription", "price": "1.00", "subscription_cost": "20.00", "description": "Featured post plan"},
    {"id": "pay-boost-gold", "type": "payg", "price": "2.00", "description": "Boost"},
    {"id": "pay-boost-core-sub", "type": "subscription", "price": "0.00", "subscription_cost": "50.00", "description": "Unlimited boosts"}
  ],
  "configurations": [
    {"id": "cfg-featured-normal-payg", "product_id": "prod-featured-post", "tier": "NORMAL", "payment_id": "pay-featured-normal"},
    {"id": "cfg-featured-silver-payg", "product_id": "prod-featured-post", "tier": "SILVER", "payment_id": "pay-featured-silver"},
    {"id": "cfg-featured-gold-payg", "product_id": "prod-featured-post", "tier": "GOLD", "payment_id": "pay-featured-gold"},
    {"id": "cfg-featured-gold-sub", "product_id": "prod-featured-post", "tier": "GOLD", "payment_id": "pay-featured-gold-sub"},
    {"id": "cfg-boost-gold-payg", "product_id": "prod-boost", "tier": "GOLD", "payment_id": "pay-boost-gold"},
    {"id": "cfg-boost-core-sub", "product_id": "prod-boost", "tier": "CORE", "payment_id": "pay-boost-core-sub"}
  ]
}`

var demoUsers = []billing.User{
	{ID: "user-alice", Username: "alice", Email: "alice@example.com", Tier: billing.TierNormal, WalletCents: 1000},
	{ID: "user-bob", Username: "bob", Email: "bob@example.com", Tier: billing.TierGold, WalletCents: 5000},
	{ID: "user-carol", Username: "carol", Email: "carol@example.com", Tier: billing.TierSilver, WalletCents: 200},
}

var demoSubscriptions = map[billing.UserID]billing.ConfigurationID{
	"user-bob": "cfg-featured-gold-sub",
}

// LoadDemoData writes the demo catalog, users and subscriptions to s.
func LoadDemoData(ctx context.Context, s billing.Store, catalogs *factory.CatalogFactory) error {
	catalog, err := catalogs.ParseCatalog(DemoCatalogJSON)
	if err != nil {
		return err
	}
	if err := catalogs.Load(ctx, s, catalog); err != nil {
		return err
	}

	for _, u := range demoUsers {
		if _, err := s.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("failed to save demo user %s: %w", u.ID, err)
		}
	}
	for userID, cfgID := range demoSubscriptions {
		err := s.AddSubscription(ctx, userID, cfgID)
		if err != nil && !errors.Is(err, billing.ErrAlreadySubscribed) {
			return fmt.Errorf("failed to subscribe %s: %w", userID, err)
		}
	}
	return nil
}
