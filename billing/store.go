/*
store.go - Persistence contracts consumed by the engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never assumes a persistence technology; it only needs these call shapes.

KEY INTERFACES:
  UserStore:                 User lookup and entitlement loading
  WalletStore:               Serialized read-modify-write of a wallet balance
  ProductConfigurationStore: Configurations per (product, tier)
  InvoiceStore:              Append-only invoice persistence
  TxStore:                   Optional, runs wallet + invoice writes atomically

WALLET SERIALIZATION:
  UpdateWallet is the only way to change a balance. Implementations must run
  the callback with the row locked (mutex, SELECT ... FOR UPDATE, or an
  exclusive transaction) so two concurrent debits cannot both observe the
  same starting balance.

APPEND-ONLY CONTRACT:
  InvoiceStore has SaveInvoice, GetInvoice and ListByUser. No Update, no Delete.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite, implements TxStore
  - store/postgres/postgres.go: PostgreSQL, implements TxStore

SEE ALSO:
  - wallet.go: Uses WalletStore
  - orchestrator.go: Uses TxStore when available
*/
package billing

import "context"

// =============================================================================
// ENGINE STORES
// =============================================================================

type UserStore interface {
	FindByID(ctx context.Context, id UserID) (User, error)
	// SaveUser inserts a user, or updates profile and tier of an existing
	// one. WalletCents is taken only on insert; afterwards only
	// UpdateWallet changes it.
	SaveUser(ctx context.Context, user User) (User, error)

	// FindWithSubscriptions returns the user with Subscriptions populated,
	// each configuration carrying its Product and Payment.
	FindWithSubscriptions(ctx context.Context, id UserID) (User, error)

	// AddSubscription records an entitlement for the user.
	AddSubscription(ctx context.Context, id UserID, configID ConfigurationID) error
}

// WalletUpdateFunc receives the authoritative balance and returns the new one.
// Returning an error aborts the update without writing.
type WalletUpdateFunc func(current int64) (int64, error)

type WalletStore interface {
	UpdateWallet(ctx context.Context, id UserID, fn WalletUpdateFunc) (int64, error)
}

type ProductConfigurationStore interface {
	FindByProductAndTier(ctx context.Context, productID ProductID, tier Tier) ([]ProductConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg ProductConfiguration) (ProductConfiguration, error)
	GetConfiguration(ctx context.Context, id ConfigurationID) (ProductConfiguration, error)
}

// InvoiceStore is append-only.
type InvoiceStore interface {
	SaveInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error)
	ListByUser(ctx context.Context, userID UserID) ([]Invoice, error)
}

// =============================================================================
// CATALOG STORES - Read-only from the engine's perspective
// =============================================================================

type ProductStore interface {
	GetProduct(ctx context.Context, id ProductID) (Product, error)
	SaveProduct(ctx context.Context, p Product) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

type PaymentStore interface {
	GetPayment(ctx context.Context, id PaymentID) (Payment, error)
	SavePayment(ctx context.Context, p Payment) (Payment, error)
	ListPayments(ctx context.Context) ([]Payment, error)
}

// =============================================================================
// AGGREGATES
// =============================================================================

// Stores is the set of stores the orchestrator writes through. Inside
// TxStore.WithTx every member is bound to the same transaction.
type Stores struct {
	Users          UserStore
	Wallets        WalletStore
	Configurations ProductConfigurationStore
	Invoices       InvoiceStore
}

// Store is implemented by every full backend.
type Store interface {
	UserStore
	WalletStore
	ProductConfigurationStore
	InvoiceStore
	ProductStore
	PaymentStore
}

// TxStore runs fn inside one transaction. If fn returns an error the
// transaction is rolled back, otherwise it is committed.
type TxStore interface {
	WithTx(ctx context.Context, fn func(Stores) error) error
}

// StoresOf returns the non-transactional view of s.
func StoresOf(s Store) Stores {
	return Stores{Users: s, Wallets: s, Configurations: s, Invoices: s}
}
