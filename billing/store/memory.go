// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.Store. Every method takes the store mutex, which
// also serializes UpdateWallet.
type Memory struct {
	mu            sync.RWMutex
	users         map[billing.UserID]billing.User
	subscriptions map[billing.UserID][]billing.ConfigurationID
	products      map[billing.ProductID]billing.Product
	payments      map[billing.PaymentID]billing.Payment
	configs       map[billing.ConfigurationID]billing.ProductConfiguration
	invoices      map[billing.InvoiceID]billing.Invoice
	invoiceOrder  []billing.InvoiceID
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:         make(map[billing.UserID]billing.User),
		subscriptions: make(map[billing.UserID][]billing.ConfigurationID),
		products:      make(map[billing.ProductID]billing.Product),
		payments:      make(map[billing.PaymentID]billing.Payment),
		configs:       make(map[billing.ConfigurationID]billing.ProductConfiguration),
		invoices:      make(map[billing.InvoiceID]billing.Invoice),
		now:           time.Now,
	}
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := NewMemory()
	m.users = fresh.users
	m.subscriptions = fresh.subscriptions
	m.products = fresh.products
	m.payments = fresh.payments
	m.configs = fresh.configs
	m.invoices = fresh.invoices
	m.invoiceOrder = nil
	return nil
}

// ===== USERS =====

func (m *Memory) FindByID(_ context.Context, id billing.UserID) (billing.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findUserLocked(id)
}

func (m *Memory) SaveUser(_ context.Context, user billing.User) (billing.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUserLocked(user)
}

func (m *Memory) FindWithSubscriptions(_ context.Context, id billing.UserID) (billing.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findWithSubscriptionsLocked(id)
}

func (m *Memory) AddSubscription(_ context.Context, id billing.UserID, configID billing.ConfigurationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addSubscriptionLocked(id, configID)
}

func (m *Memory) findUserLocked(id billing.UserID) (billing.User, error) {
	u, ok := m.users[id]
	if !ok {
		return billing.User{}, fmt.Errorf("user %s: %w", id, billing.ErrUserNotFound)
	}
	u.Subscriptions = nil
	return u, nil
}

func (m *Memory) saveUserLocked(user billing.User) (billing.User, error) {
	if user.ID == "" {
		user.ID = billing.UserID(uuid.NewString())
	}
	if user.Tier == "" {
		user.Tier = billing.TierNormal
	}
	if !user.Tier.Valid() {
		return billing.User{}, fmt.Errorf("invalid tier %q", user.Tier)
	}
	if user.WalletCents < 0 {
		return billing.User{}, billing.ErrInvalidAmount
	}
	if existing, ok := m.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
		user.WalletCents = existing.WalletCents
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = m.now().UTC()
	}
	user.Subscriptions = nil
	m.users[user.ID] = user
	return user, nil
}

func (m *Memory) findWithSubscriptionsLocked(id billing.UserID) (billing.User, error) {
	u, err := m.findUserLocked(id)
	if err != nil {
		return billing.User{}, err
	}
	for _, cid := range m.subscriptions[id] {
		if cfg, ok := m.configs[cid]; ok {
			u.Subscriptions = append(u.Subscriptions, cfg)
		}
	}
	return u, nil
}

func (m *Memory) addSubscriptionLocked(id billing.UserID, configID billing.ConfigurationID) error {
	if _, ok := m.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, billing.ErrUserNotFound)
	}
	if _, ok := m.configs[configID]; !ok {
		return fmt.Errorf("configuration %s: %w", configID, billing.ErrConfigurationNotFound)
	}
	for _, existing := range m.subscriptions[id] {
		if existing == configID {
			return fmt.Errorf("user %s, configuration %s: %w", id, configID, billing.ErrAlreadySubscribed)
		}
	}
	m.subscriptions[id] = append(m.subscriptions[id], configID)
	return nil
}

// ===== WALLET =====

func (m *Memory) UpdateWallet(_ context.Context, id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWalletLocked(id, fn)
}

func (m *Memory) updateWalletLocked(id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	u, ok := m.users[id]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", id, billing.ErrUserNotFound)
	}
	next, err := fn(u.WalletCents)
	if err != nil {
		return u.WalletCents, err
	}
	u.WalletCents = next
	m.users[id] = u
	return next, nil
}

// ===== CONFIGURATIONS =====

func (m *Memory) FindByProductAndTier(_ context.Context, productID billing.ProductID, tier billing.Tier) ([]billing.ProductConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByProductAndTierLocked(productID, tier), nil
}

func (m *Memory) SaveConfiguration(_ context.Context, cfg billing.ProductConfiguration) (billing.ProductConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveConfigurationLocked(cfg)
}

func (m *Memory) GetConfiguration(_ context.Context, id billing.ConfigurationID) (billing.ProductConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getConfigurationLocked(id)
}

func (m *Memory) saveConfigurationLocked(cfg billing.ProductConfiguration) (billing.ProductConfiguration, error) {
	if cfg.Payment == nil {
		return billing.ProductConfiguration{}, fmt.Errorf("configuration without payment: %w", billing.ErrPaymentNotFound)
	}
	product, ok := m.products[cfg.Product.ID]
	if !ok {
		return billing.ProductConfiguration{}, fmt.Errorf("product %s: %w", cfg.Product.ID, billing.ErrProductNotFound)
	}
	payment, ok := m.payments[cfg.Payment.Base().ID]
	if !ok {
		return billing.ProductConfiguration{}, fmt.Errorf("payment %s: %w", cfg.Payment.Base().ID, billing.ErrPaymentNotFound)
	}
	if cfg.ID == "" {
		cfg.ID = billing.ConfigurationID(uuid.NewString())
	}
	for _, existing := range m.findByProductAndTierLocked(cfg.Product.ID, cfg.Tier) {
		if existing.ID != cfg.ID && existing.Payment.Kind() == payment.Kind() {
			return billing.ProductConfiguration{}, fmt.Errorf("product %q, tier %s, %s: %w",
				product.Name, cfg.Tier, payment.Kind(), billing.ErrConfigurationConflict)
		}
	}
	cfg.Product = product
	cfg.Payment = payment
	m.configs[cfg.ID] = cfg
	return cfg, nil
}

func (m *Memory) getConfigurationLocked(id billing.ConfigurationID) (billing.ProductConfiguration, error) {
	cfg, ok := m.configs[id]
	if !ok {
		return billing.ProductConfiguration{}, fmt.Errorf("configuration %s: %w", id, billing.ErrConfigurationNotFound)
	}
	return cfg, nil
}

func (m *Memory) findByProductAndTierLocked(productID billing.ProductID, tier billing.Tier) []billing.ProductConfiguration {
	var result []billing.ProductConfiguration
	for _, cfg := range m.configs {
		if cfg.Product.ID == productID && cfg.Tier == tier {
			result = append(result, cfg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ===== INVOICES =====

// SaveInvoice appends inv. Invoices are never updated; saving an existing id fails.
func (m *Memory) SaveInvoice(_ context.Context, inv billing.Invoice) (billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveInvoiceLocked(inv)
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoiceLocked(id)
}

func (m *Memory) ListByUser(_ context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByUserLocked(userID), nil
}

func (m *Memory) saveInvoiceLocked(inv billing.Invoice) (billing.Invoice, error) {
	if inv.ID == "" {
		inv.ID = billing.InvoiceID(uuid.NewString())
	}
	if _, exists := m.invoices[inv.ID]; exists {
		return billing.Invoice{}, fmt.Errorf("invoice %s already exists", inv.ID)
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = m.now().UTC()
	}
	m.invoices[inv.ID] = inv
	m.invoiceOrder = append(m.invoiceOrder, inv.ID)
	return inv, nil
}

func (m *Memory) getInvoiceLocked(id billing.InvoiceID) (billing.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	return inv, nil
}

func (m *Memory) listByUserLocked(userID billing.UserID) []billing.Invoice {
	var result []billing.Invoice
	for _, id := range m.invoiceOrder {
		if inv := m.invoices[id]; inv.UserID == userID {
			result = append(result, inv)
		}
	}
	return result
}

// ===== PRODUCTS =====

func (m *Memory) GetProduct(_ context.Context, id billing.ProductID) (billing.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return billing.Product{}, fmt.Errorf("product %s: %w", id, billing.ErrProductNotFound)
	}
	return p, nil
}

func (m *Memory) SaveProduct(_ context.Context, p billing.Product) (billing.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Name == "" {
		return billing.Product{}, fmt.Errorf("product name is required")
	}
	if p.ID == "" {
		p.ID = billing.ProductID(uuid.NewString())
	}
	m.products[p.ID] = p
	return p, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]billing.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]billing.Product, 0, len(m.products))
	for _, p := range m.products {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ===== PAYMENTS =====

func (m *Memory) GetPayment(_ context.Context, id billing.PaymentID) (billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, billing.ErrPaymentNotFound)
	}
	return p, nil
}

func (m *Memory) SavePayment(_ context.Context, p billing.Payment) (billing.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("payment is required")
	}
	if p.Base().PriceCents < 0 {
		return nil, billing.ErrInvalidAmount
	}
	if p.Base().ID == "" {
		p = billing.PaymentWithID(p, billing.PaymentID(uuid.NewString()))
	}
	m.payments[p.Base().ID] = p
	return p, nil
}

func (m *Memory) ListPayments(_ context.Context) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]billing.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Base().ID < result[j].Base().ID })
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with billing.TxStore support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn with the store locked. It is simulated with a snapshot
// that is restored if fn returns an error or panics.
func (tm *TxMemory) WithTx(_ context.Context, fn func(billing.Stores) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	defer func() {
		if r := recover(); r != nil {
			tm.restore(snapshot)
			panic(r)
		}
	}()

	view := &txMemoryView{parent: tm.Memory}
	if err := fn(billing.Stores{Users: view, Wallets: view, Configurations: view, Invoices: view}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	users         map[billing.UserID]billing.User
	subscriptions map[billing.UserID][]billing.ConfigurationID
	configs       map[billing.ConfigurationID]billing.ProductConfiguration
	invoices      map[billing.InvoiceID]billing.Invoice
	invoiceOrder  []billing.InvoiceID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		users:         make(map[billing.UserID]billing.User, len(tm.users)),
		subscriptions: make(map[billing.UserID][]billing.ConfigurationID, len(tm.subscriptions)),
		configs:       make(map[billing.ConfigurationID]billing.ProductConfiguration, len(tm.configs)),
		invoices:      make(map[billing.InvoiceID]billing.Invoice, len(tm.invoices)),
		invoiceOrder:  append([]billing.InvoiceID{}, tm.invoiceOrder...),
	}
	for k, v := range tm.users {
		s.users[k] = v
	}
	for k, v := range tm.subscriptions {
		s.subscriptions[k] = append([]billing.ConfigurationID{}, v...)
	}
	for k, v := range tm.configs {
		s.configs[k] = v
	}
	for k, v := range tm.invoices {
		s.invoices[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.users = s.users
	tm.subscriptions = s.subscriptions
	tm.configs = s.configs
	tm.invoices = s.invoices
	tm.invoiceOrder = s.invoiceOrder
}

// txMemoryView runs against the parent with the lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) FindByID(_ context.Context, id billing.UserID) (billing.User, error) {
	return tv.parent.findUserLocked(id)
}

func (tv *txMemoryView) SaveUser(_ context.Context, user billing.User) (billing.User, error) {
	return tv.parent.saveUserLocked(user)
}

func (tv *txMemoryView) FindWithSubscriptions(_ context.Context, id billing.UserID) (billing.User, error) {
	return tv.parent.findWithSubscriptionsLocked(id)
}

func (tv *txMemoryView) AddSubscription(_ context.Context, id billing.UserID, configID billing.ConfigurationID) error {
	return tv.parent.addSubscriptionLocked(id, configID)
}

func (tv *txMemoryView) UpdateWallet(_ context.Context, id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	return tv.parent.updateWalletLocked(id, fn)
}

func (tv *txMemoryView) FindByProductAndTier(_ context.Context, productID billing.ProductID, tier billing.Tier) ([]billing.ProductConfiguration, error) {
	return tv.parent.findByProductAndTierLocked(productID, tier), nil
}

func (tv *txMemoryView) SaveConfiguration(_ context.Context, cfg billing.ProductConfiguration) (billing.ProductConfiguration, error) {
	return tv.parent.saveConfigurationLocked(cfg)
}

func (tv *txMemoryView) GetConfiguration(_ context.Context, id billing.ConfigurationID) (billing.ProductConfiguration, error) {
	return tv.parent.getConfigurationLocked(id)
}

func (tv *txMemoryView) SaveInvoice(_ context.Context, inv billing.Invoice) (billing.Invoice, error) {
	return tv.parent.saveInvoiceLocked(inv)
}

func (tv *txMemoryView) GetInvoice(_ context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return tv.parent.getInvoiceLocked(id)
}

func (tv *txMemoryView) ListByUser(_ context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	return tv.parent.listByUserLocked(userID), nil
}

var (
	_ billing.Store   = (*Memory)(nil)
	_ billing.Store   = (*TxMemory)(nil)
	_ billing.TxStore = (*TxMemory)(nil)
)
