package billing

import "context"

// EntitlementResolver picks the single configuration that pays for a
// product action: the user's subscription for the exact (product, tier)
// pair if one is active, otherwise the pay-as-you-go configuration.
type EntitlementResolver struct {
	users   UserStore
	configs ProductConfigurationStore
}

func NewEntitlementResolver(users UserStore, configs ProductConfigurationStore) *EntitlementResolver {
	return &EntitlementResolver{users: users, configs: configs}
}

// Resolve returns the applicable configuration. Subscriptions win so a user
// who paid upfront is never charged per action for the same pair.
func (r *EntitlementResolver) Resolve(ctx context.Context, user User, product Product) (ProductConfiguration, error) {
	fresh, err := r.users.FindWithSubscriptions(ctx, user.ID)
	if err != nil {
		return ProductConfiguration{}, err
	}

	if cfg, ok := subscriptionFor(fresh, product); ok {
		return cfg, nil
	}

	configs, err := r.configs.FindByProductAndTier(ctx, product.ID, fresh.Tier)
	if err != nil {
		return ProductConfiguration{}, err
	}
	for _, cfg := range configs {
		if cfg.Payment != nil && IsPayAsYouGo(cfg.Payment) {
			return cfg, nil
		}
	}

	return ProductConfiguration{}, &ConfigurationNotFoundError{
		ProductID:   product.ID,
		ProductName: product.Name,
		Tier:        fresh.Tier,
	}
}

// FindSubscribable returns the subscription configuration offered for
// (product, tier), used when enrolling a user.
func (r *EntitlementResolver) FindSubscribable(ctx context.Context, product Product, tier Tier) (ProductConfiguration, error) {
	configs, err := r.configs.FindByProductAndTier(ctx, product.ID, tier)
	if err != nil {
		return ProductConfiguration{}, err
	}
	for _, cfg := range configs {
		if cfg.Payment != nil && IsSubscription(cfg.Payment) {
			return cfg, nil
		}
	}
	return ProductConfiguration{}, &ConfigurationNotFoundError{
		ProductID:   product.ID,
		ProductName: product.Name,
		Tier:        tier,
	}
}

func subscriptionFor(user User, product Product) (ProductConfiguration, bool) {
	for _, cfg := range user.Subscriptions {
		if cfg.Product.ID == product.ID &&
			cfg.Tier == user.Tier &&
			cfg.Payment != nil &&
			IsSubscription(cfg.Payment) {
			return cfg, true
		}
	}
	return ProductConfiguration{}, false
}
