/*
action.go - Product actions, access checks and enrollment

PURPOSE:
  The entry points a platform calls: perform a paid action, ask whether a
  user may use a product, and subscribe a user to a product.

PRODUCT ACTION FLOW:
  1. Load user and product
  2. Charge through the Orchestrator
  3. Run the ActionPerformer registered for the product name
  4. Performer failed: Refund, then ProductActionFailedError

  Billing failures in step 2 are already compensated by the orchestrator,
  so the processor does not refund them again.

SEE ALSO:
  - orchestrator.go: Charge and Refund
  - featuring/observer.go: The observer side of FeaturedPost
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ActionRequest is what a performer receives once the user has paid.
type ActionRequest struct {
	User    User
	Product Product
	StoryID StoryID
	Receipt Receipt
}

// ActionPerformer carries out the product's effect after billing.
type ActionPerformer interface {
	Perform(ctx context.Context, req ActionRequest) error
}

type ActionPerformerFunc func(ctx context.Context, req ActionRequest) error

func (f ActionPerformerFunc) Perform(ctx context.Context, req ActionRequest) error {
	return f(ctx, req)
}

// =============================================================================
// PRODUCT ACTION PROCESSOR
// =============================================================================

type ProductActionProcessor struct {
	users    UserStore
	products ProductStore
	engine   *Orchestrator
	logger   *slog.Logger

	mu         sync.RWMutex
	performers map[string]ActionPerformer
}

func NewProductActionProcessor(users UserStore, products ProductStore, engine *Orchestrator, logger *slog.Logger) *ProductActionProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductActionProcessor{
		users:      users,
		products:   products,
		engine:     engine,
		logger:     logger,
		performers: make(map[string]ActionPerformer),
	}
}

// Register sets the performer for a product name. Names match
// case-insensitively. A product with no performer is billed only.
func (p *ProductActionProcessor) Register(productName string, performer ActionPerformer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.performers[strings.ToLower(productName)] = performer
}

func (p *ProductActionProcessor) performerFor(productName string) ActionPerformer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.performers[strings.ToLower(productName)]
}

// Process bills userID for one action on productID and runs the action.
func (p *ProductActionProcessor) Process(ctx context.Context, userID UserID, productID ProductID, storyID StoryID) (Receipt, error) {
	if userID == "" {
		return Receipt{}, fmt.Errorf("user id is required: %w", ErrUserNotFound)
	}
	if productID == "" {
		return Receipt{}, fmt.Errorf("product id is required: %w", ErrProductNotFound)
	}

	product, err := p.products.GetProduct(ctx, productID)
	if err != nil {
		return Receipt{}, err
	}
	user, err := p.users.FindByID(ctx, userID)
	if err != nil {
		return Receipt{}, err
	}

	receipt, err := p.engine.Charge(ctx, user, product, ChargeContext{StoryID: storyID})
	if err != nil {
		return Receipt{}, err
	}

	performer := p.performerFor(product.Name)
	if performer == nil {
		return receipt, nil
	}

	actionErr := performer.Perform(ctx, ActionRequest{User: user, Product: product, StoryID: storyID, Receipt: receipt})
	if actionErr == nil {
		return receipt, nil
	}

	p.logger.Warn("product action failed, refunding",
		"user_id", user.ID, "product", product.Name, "story_id", storyID, "error", actionErr)
	failure := &ProductActionFailedError{ProductName: product.Name, Err: actionErr}
	if _, err := p.engine.Refund(ctx, user, product); err != nil {
		p.logger.Error("refund after failed product action failed",
			"user_id", user.ID, "product", product.Name, "error", err)
		failure.RefundErr = err
	}
	return Receipt{}, failure
}

// =============================================================================
// ACCESS CHECK
// =============================================================================

// AccessChecker grants product access to subscription holders only.
type AccessChecker struct {
	resolver *EntitlementResolver
}

func NewAccessChecker(resolver *EntitlementResolver) *AccessChecker {
	return &AccessChecker{resolver: resolver}
}

// CheckAccess returns nil if user holds a subscription for product at their
// current tier. A pay-as-you-go configuration, or none at all, is denied.
func (c *AccessChecker) CheckAccess(ctx context.Context, user User, product Product) error {
	cfg, err := c.resolver.Resolve(ctx, user, product)
	if errors.Is(err, ErrConfigurationNotFound) {
		return &ProductAccessDeniedError{UserID: user.ID, ProductName: product.Name}
	}
	if err != nil {
		return err
	}
	if !IsSubscription(cfg.Payment) {
		return &ProductAccessDeniedError{UserID: user.ID, ProductName: product.Name}
	}
	return nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// Enrollment attaches subscription entitlements to users. It does not move
// money; collecting the subscription cost is the platform's concern.
type Enrollment struct {
	users    UserStore
	products ProductStore
	resolver *EntitlementResolver
}

func NewEnrollment(users UserStore, products ProductStore, resolver *EntitlementResolver) *Enrollment {
	return &Enrollment{users: users, products: products, resolver: resolver}
}

// Subscribe adds the subscription configuration for (product, user tier) to
// the user's entitlements.
func (e *Enrollment) Subscribe(ctx context.Context, userID UserID, productID ProductID) (ProductConfiguration, error) {
	user, err := e.users.FindWithSubscriptions(ctx, userID)
	if err != nil {
		return ProductConfiguration{}, err
	}
	product, err := e.products.GetProduct(ctx, productID)
	if err != nil {
		return ProductConfiguration{}, err
	}

	cfg, err := e.resolver.FindSubscribable(ctx, product, user.Tier)
	if err != nil {
		return ProductConfiguration{}, err
	}

	for _, existing := range user.Subscriptions {
		if existing.ID == cfg.ID {
			return ProductConfiguration{}, fmt.Errorf("user %s, product %q: %w", userID, product.Name, ErrAlreadySubscribed)
		}
	}

	if err := e.users.AddSubscription(ctx, userID, cfg.ID); err != nil {
		return ProductConfiguration{}, err
	}
	return cfg, nil
}
