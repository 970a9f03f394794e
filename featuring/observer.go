/*
Package featuring features a story when its owner pays for FeaturedPost.

PURPOSE:
  The fulfillment side of the FeaturedPost product. Runs as an invoice
  observer, so it only ever sees invoices that are already committed.

SKIPPED EVENTS:
  - invoices for any other product
  - credit (refund) invoices
  - events with no story in context

SEE ALSO:
  - billing/events.go: InvoiceEventBus
  - store/sqlite/sqlite.go: FeatureStory
*/
package featuring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/warp/billing-engine/billing"
)

const DefaultProductName = "FeaturedPost"

// StoryFeaturer marks a story as featured. The SQLite and Postgres stores
// implement it.
type StoryFeaturer interface {
	FeatureStory(ctx context.Context, storyID billing.StoryID, userID billing.UserID) error
}

type Observer struct {
	stories     StoryFeaturer
	productName string
	logger      *slog.Logger
}

type Option func(*Observer)

// WithProductName changes which product triggers featuring. Matching is
// case-insensitive.
func WithProductName(name string) Option {
	return func(o *Observer) {
		if name != "" {
			o.productName = name
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func NewObserver(stories StoryFeaturer, opts ...Option) *Observer {
	o := &Observer{
		stories:     stories,
		productName: DefaultProductName,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Observer) OnInvoiceCreated(ctx context.Context, event billing.InvoiceEvent) error {
	if !strings.EqualFold(event.Product.Name, o.productName) {
		return nil
	}
	if event.Invoice.IsCredit() || event.StoryID == "" {
		return nil
	}
	if err := o.stories.FeatureStory(ctx, event.StoryID, event.Invoice.UserID); err != nil {
		return fmt.Errorf("failed to feature story %s: %w", event.StoryID, err)
	}
	o.logger.InfoContext(ctx, "story featured",
		"story_id", event.StoryID,
		"user_id", event.Invoice.UserID,
		"invoice_id", event.Invoice.ID)
	return nil
}

// =============================================================================
// IN-MEMORY FEATURER
// =============================================================================

// MemoryFeaturer records featured stories in a map. Used with the in-memory
// billing store.
type MemoryFeaturer struct {
	mu       sync.RWMutex
	featured map[billing.StoryID]billing.UserID
}

func NewMemoryFeaturer() *MemoryFeaturer {
	return &MemoryFeaturer{featured: make(map[billing.StoryID]billing.UserID)}
}

func (m *MemoryFeaturer) FeatureStory(_ context.Context, storyID billing.StoryID, userID billing.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.featured[storyID] = userID
	return nil
}

func (m *MemoryFeaturer) IsFeatured(_ context.Context, storyID billing.StoryID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.featured[storyID]
	return ok, nil
}

var _ StoryFeaturer = (*MemoryFeaturer)(nil)
