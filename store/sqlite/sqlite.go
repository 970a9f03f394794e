/*
Package sqlite provides a SQLite-backed implementation of the billing stores.

PURPOSE:
  Implements billing.Store and billing.TxStore using SQLite, plus the story
  flags the featuring observer writes. In production the same patterns apply
  to PostgreSQL (see store/postgres) with minor dialect differences.

INTERFACES IMPLEMENTED:
  billing.Store:            Users, wallets, catalog, configurations, invoices
  billing.TxStore:          Wallet change + invoice write in one transaction
  featuring.StoryFeaturer:  Story featured flags

APPEND-ONLY ENFORCEMENT:
  The invoices table has BEFORE UPDATE and BEFORE DELETE triggers that
  abort. Corrections are new invoices with the opposite sign.

KEY TABLES:
  users:                  Wallet balance (CHECK wallet_cents >= 0)
  products, payments:     Catalog
  product_configurations: UNIQUE(product_id, tier, payment_kind)
  user_subscriptions:     Active entitlements
  invoices:               Immutable ledger
  stories:                Featured flags

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, since an
  in-memory database exists per connection. Write transactions are opened
  with BEGIN IMMEDIATE (_txlock=immediate) so the writer lock is taken
  before the wallet row is read.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewOrchestrator(store, bus)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/warp/billing-engine/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		tier TEXT NOT NULL,
		wallet_cents INTEGER NOT NULL DEFAULT 0 CHECK (wallet_cents >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('subscription', 'payg')),
		price_cents INTEGER NOT NULL CHECK (price_cents >= 0),
		description TEXT NOT NULL DEFAULT '',
		subscription_cost INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS product_configurations (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		tier TEXT NOT NULL,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		payment_kind TEXT NOT NULL
	);

	-- At most one subscription and one pay-as-you-go per (product, tier)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_configurations_product_tier_kind
		ON product_configurations(product_id, tier, payment_kind);

	CREATE TABLE IF NOT EXISTS user_subscriptions (
		user_id TEXT NOT NULL REFERENCES users(id),
		configuration_id TEXT NOT NULL REFERENCES product_configurations(id),
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, configuration_id)
	);

	-- payment_id is a snapshot, not a foreign key: history survives payment edits
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		payment_id TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		date_from TEXT NOT NULL,
		date_to TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		description TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id);

	CREATE TRIGGER IF NOT EXISTS invoices_no_update BEFORE UPDATE ON invoices
	BEGIN
		SELECT RAISE(ABORT, 'invoices are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS invoices_no_delete BEFORE DELETE ON invoices
	BEGIN
		SELECT RAISE(ABORT, 'invoices are append-only');
	END;

	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		featured INTEGER NOT NULL DEFAULT 0,
		featured_by TEXT,
		featured_at TEXT
	);
`

// migrate creates the database schema.
func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data (for testing/demo). The append-only triggers are
// dropped for the duration and recreated by migrate.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmts := []string{
		"DROP TRIGGER IF EXISTS invoices_no_update",
		"DROP TRIGGER IF EXISTS invoices_no_delete",
		"DELETE FROM invoices",
		"DELETE FROM user_subscriptions",
		"DELETE FROM product_configurations",
		"DELETE FROM payments",
		"DELETE FROM products",
		"DELETE FROM users",
		"DELETE FROM stories",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return s.migrate()
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs every statement against q, either the *sql.DB or a *sql.Tx.
type queries struct {
	q queryer
}

// ===== USERS =====

func (qs queries) findUser(ctx context.Context, id billing.UserID) (billing.User, error) {
	var u billing.User
	var tier, createdAt string
	err := qs.q.QueryRowContext(ctx,
		"SELECT id, username, email, tier, wallet_cents, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Email, &tier, &u.WalletCents, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.User{}, fmt.Errorf("user %s: %w", id, billing.ErrUserNotFound)
	}
	if err != nil {
		return billing.User{}, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	u.Tier = billing.Tier(tier)
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func (qs queries) saveUser(ctx context.Context, u billing.User) (billing.User, error) {
	if u.ID == "" {
		u.ID = billing.UserID(uuid.NewString())
	}
	if u.Tier == "" {
		u.Tier = billing.TierNormal
	}
	if !u.Tier.Valid() {
		return billing.User{}, fmt.Errorf("invalid tier %q", u.Tier)
	}
	if u.WalletCents < 0 {
		return billing.User{}, billing.ErrInvalidAmount
	}

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO users (id, username, email, tier, wallet_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email = excluded.email,
			tier = excluded.tier
	`, u.ID, u.Username, u.Email, string(u.Tier), u.WalletCents, formatTime(time.Now()))
	if err != nil {
		return billing.User{}, fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return qs.findUser(ctx, u.ID)
}

func (qs queries) findWithSubscriptions(ctx context.Context, id billing.UserID) (billing.User, error) {
	u, err := qs.findUser(ctx, id)
	if err != nil {
		return billing.User{}, err
	}
	u.Subscriptions, err = qs.queryConfigurations(ctx, configurationSelect+`
		JOIN user_subscriptions us ON us.configuration_id = c.id
		WHERE us.user_id = ?
		ORDER BY us.created_at, c.id`, id)
	if err != nil {
		return billing.User{}, err
	}
	return u, nil
}

func (qs queries) addSubscription(ctx context.Context, id billing.UserID, configID billing.ConfigurationID) error {
	if _, err := qs.findUser(ctx, id); err != nil {
		return err
	}
	if _, err := qs.getConfiguration(ctx, configID); err != nil {
		return err
	}
	_, err := qs.q.ExecContext(ctx,
		"INSERT INTO user_subscriptions (user_id, configuration_id, created_at) VALUES (?, ?, ?)",
		id, configID, formatTime(time.Now()))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("user %s, configuration %s: %w", id, configID, billing.ErrAlreadySubscribed)
	}
	if err != nil {
		return fmt.Errorf("failed to add subscription: %w", err)
	}
	return nil
}

// ===== WALLET =====

// updateWallet must run inside a write transaction.
func (qs queries) updateWallet(ctx context.Context, id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	var current int64
	err := qs.q.QueryRowContext(ctx, "SELECT wallet_cents FROM users WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %s: %w", id, billing.ErrUserNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read wallet: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return current, err
	}

	if _, err := qs.q.ExecContext(ctx, "UPDATE users SET wallet_cents = ? WHERE id = ?", next, id); err != nil {
		return current, fmt.Errorf("failed to write wallet: %w", err)
	}
	return next, nil
}

// ===== CONFIGURATIONS =====

const configurationSelect = `
	SELECT c.id, c.tier,
	       p.id, p.name, p.description,
	       pay.id, pay.kind, pay.price_cents, pay.description, pay.subscription_cost
	FROM product_configurations c
	JOIN products p ON p.id = c.product_id
	JOIN payments pay ON pay.id = c.payment_id`

func (qs queries) findByProductAndTier(ctx context.Context, productID billing.ProductID, tier billing.Tier) ([]billing.ProductConfiguration, error) {
	return qs.queryConfigurations(ctx, configurationSelect+`
		WHERE c.product_id = ? AND c.tier = ?
		ORDER BY c.id`, productID, string(tier))
}

func (qs queries) getConfiguration(ctx context.Context, id billing.ConfigurationID) (billing.ProductConfiguration, error) {
	cfgs, err := qs.queryConfigurations(ctx, configurationSelect+" WHERE c.id = ?", id)
	if err != nil {
		return billing.ProductConfiguration{}, err
	}
	if len(cfgs) == 0 {
		return billing.ProductConfiguration{}, fmt.Errorf("configuration %s: %w", id, billing.ErrConfigurationNotFound)
	}
	return cfgs[0], nil
}

func (qs queries) saveConfiguration(ctx context.Context, cfg billing.ProductConfiguration) (billing.ProductConfiguration, error) {
	if cfg.Payment == nil {
		return billing.ProductConfiguration{}, fmt.Errorf("configuration without payment: %w", billing.ErrPaymentNotFound)
	}
	product, err := qs.getProduct(ctx, cfg.Product.ID)
	if err != nil {
		return billing.ProductConfiguration{}, err
	}
	payment, err := qs.getPayment(ctx, cfg.Payment.Base().ID)
	if err != nil {
		return billing.ProductConfiguration{}, err
	}
	if cfg.ID == "" {
		cfg.ID = billing.ConfigurationID(uuid.NewString())
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO product_configurations (id, product_id, tier, payment_id, payment_kind)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			tier = excluded.tier,
			payment_id = excluded.payment_id,
			payment_kind = excluded.payment_kind
	`, cfg.ID, product.ID, string(cfg.Tier), payment.Base().ID, string(payment.Kind()))
	if isUniqueConstraintError(err) {
		return billing.ProductConfiguration{}, fmt.Errorf("product %q, tier %s, %s: %w",
			product.Name, cfg.Tier, payment.Kind(), billing.ErrConfigurationConflict)
	}
	if err != nil {
		return billing.ProductConfiguration{}, fmt.Errorf("failed to save configuration: %w", err)
	}
	return qs.getConfiguration(ctx, cfg.ID)
}

func (qs queries) queryConfigurations(ctx context.Context, query string, args ...any) ([]billing.ProductConfiguration, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query configurations: %w", err)
	}
	defer rows.Close()

	var cfgs []billing.ProductConfiguration
	for rows.Next() {
		var (
			cfg     billing.ProductConfiguration
			tier    string
			payID   string
			kind    string
			price   int64
			desc    string
			subCost int64
		)
		if err := rows.Scan(&cfg.ID, &tier,
			&cfg.Product.ID, &cfg.Product.Name, &cfg.Product.Description,
			&payID, &kind, &price, &desc, &subCost,
		); err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		cfg.Tier = billing.Tier(tier)
		cfg.Payment, err = buildPayment(payID, kind, price, desc, subCost)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, rows.Err()
}

// ===== INVOICES =====

const invoiceSelect = `
	SELECT id, user_id, payment_id, payment_type, date_from, date_to, amount_cents, description, created_at
	FROM invoices`

func (qs queries) saveInvoice(ctx context.Context, inv billing.Invoice) (billing.Invoice, error) {
	if inv.ID == "" {
		inv.ID = billing.InvoiceID(uuid.NewString())
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO invoices (id, user_id, payment_id, payment_type, date_from, date_to, amount_cents, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.UserID, inv.PaymentID, inv.PaymentType,
		inv.DateFrom.Format(time.DateOnly), inv.DateTo.Format(time.DateOnly),
		inv.AmountCents, inv.Description, formatTime(inv.CreatedAt))
	if err != nil {
		return billing.Invoice{}, fmt.Errorf("failed to save invoice %s: %w", inv.ID, err)
	}
	return inv, nil
}

func (qs queries) getInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	invs, err := qs.queryInvoices(ctx, invoiceSelect+" WHERE id = ?", id)
	if err != nil {
		return billing.Invoice{}, err
	}
	if len(invs) == 0 {
		return billing.Invoice{}, fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	return invs[0], nil
}

func (qs queries) listByUser(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	return qs.queryInvoices(ctx, invoiceSelect+" WHERE user_id = ? ORDER BY rowid", userID)
}

func (qs queries) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invs []billing.Invoice
	for rows.Next() {
		var inv billing.Invoice
		var dateFrom, dateTo, createdAt string
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.PaymentID, &inv.PaymentType,
			&dateFrom, &dateTo, &inv.AmountCents, &inv.Description, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.DateFrom, _ = time.Parse(time.DateOnly, dateFrom)
		inv.DateTo, _ = time.Parse(time.DateOnly, dateTo)
		inv.CreatedAt = parseTime(createdAt)
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// ===== CATALOG =====

func (qs queries) getProduct(ctx context.Context, id billing.ProductID) (billing.Product, error) {
	var p billing.Product
	err := qs.q.QueryRowContext(ctx,
		"SELECT id, name, description FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Product{}, fmt.Errorf("product %s: %w", id, billing.ErrProductNotFound)
	}
	if err != nil {
		return billing.Product{}, fmt.Errorf("failed to load product %s: %w", id, err)
	}
	return p, nil
}

func (qs queries) getPayment(ctx context.Context, id billing.PaymentID) (billing.Payment, error) {
	var kind, desc string
	var price, subCost int64
	err := qs.q.QueryRowContext(ctx,
		"SELECT kind, price_cents, description, subscription_cost FROM payments WHERE id = ?", id,
	).Scan(&kind, &price, &desc, &subCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, billing.ErrPaymentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", id, err)
	}
	return buildPayment(string(id), kind, price, desc, subCost)
}

func buildPayment(id, kind string, price int64, desc string, subCost int64) (billing.Payment, error) {
	switch billing.PaymentKind(kind) {
	case billing.PaymentKindSubscription:
		return billing.NewSubscription(billing.PaymentID(id), price, desc, subCost), nil
	case billing.PaymentKindPayAsYouGo:
		return billing.NewPayAsYouGo(billing.PaymentID(id), price, desc), nil
	}
	return nil, fmt.Errorf("payment %s has unknown kind %q", id, kind)
}

// =============================================================================
// STORE - billing.Store
// =============================================================================

func (s *Store) FindByID(ctx context.Context, id billing.UserID) (billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.findUser(ctx, id)
}

// SaveUser inserts a user or updates its profile and tier. The wallet is
// written only on insert.
func (s *Store) SaveUser(ctx context.Context, u billing.User) (billing.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.saveUser(ctx, u)
}

func (s *Store) FindWithSubscriptions(ctx context.Context, id billing.UserID) (billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.findWithSubscriptions(ctx, id)
}

func (s *Store) AddSubscription(ctx context.Context, id billing.UserID, configID billing.ConfigurationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.addSubscription(ctx, id, configID)
}

// UpdateWallet runs fn in its own write transaction.
func (s *Store) UpdateWallet(ctx context.Context, id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	balance, err := queries{sqlTx}.updateWallet(ctx, id, fn)
	if err != nil {
		return balance, err
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit wallet update: %w", err)
	}
	return balance, nil
}

func (s *Store) FindByProductAndTier(ctx context.Context, productID billing.ProductID, tier billing.Tier) ([]billing.ProductConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.findByProductAndTier(ctx, productID, tier)
}

func (s *Store) SaveConfiguration(ctx context.Context, cfg billing.ProductConfiguration) (billing.ProductConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.saveConfiguration(ctx, cfg)
}

func (s *Store) GetConfiguration(ctx context.Context, id billing.ConfigurationID) (billing.ProductConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.getConfiguration(ctx, id)
}

// SaveInvoice appends an invoice. There is no update or delete.
func (s *Store) SaveInvoice(ctx context.Context, inv billing.Invoice) (billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.saveInvoice(ctx, inv)
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.getInvoice(ctx, id)
}

// ListByUser returns the user's invoices in insertion order.
func (s *Store) ListByUser(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.listByUser(ctx, userID)
}

func (s *Store) GetProduct(ctx context.Context, id billing.ProductID) (billing.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.getProduct(ctx, id)
}

func (s *Store) SaveProduct(ctx context.Context, p billing.Product) (billing.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(p.Name) == "" {
		return billing.Product{}, fmt.Errorf("product name is required")
	}
	if p.ID == "" {
		p.ID = billing.ProductID(uuid.NewString())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description
	`, p.ID, p.Name, p.Description)
	if err != nil {
		return billing.Product{}, fmt.Errorf("failed to save product: %w", err)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]billing.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, description FROM products ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []billing.Product{}
	for rows.Next() {
		var p billing.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetPayment(ctx context.Context, id billing.PaymentID) (billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.getPayment(ctx, id)
}

// SavePayment inserts or updates a payment. Updating a price does not touch
// existing invoices, which carry their own amount.
func (s *Store) SavePayment(ctx context.Context, p billing.Payment) (billing.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p == nil {
		return nil, fmt.Errorf("payment is required")
	}
	if p.Base().PriceCents < 0 {
		return nil, billing.ErrInvalidAmount
	}
	if p.Base().ID == "" {
		p = billing.PaymentWithID(p, billing.PaymentID(uuid.NewString()))
	}

	var subCost int64
	if sub, ok := p.(billing.Subscription); ok {
		subCost = sub.SubscriptionCost
	}
	base := p.Base()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, kind, price_cents, description, subscription_cost)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			price_cents = excluded.price_cents,
			description = excluded.description,
			subscription_cost = excluded.subscription_cost
	`, base.ID, string(p.Kind()), base.PriceCents, base.Description, subCost)
	if err != nil {
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, price_cents, description, subscription_cost FROM payments ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []billing.Payment{}
	for rows.Next() {
		var id, kind, desc string
		var price, subCost int64
		if err := rows.Scan(&id, &kind, &price, &desc, &subCost); err != nil {
			return nil, err
		}
		p, err := buildPayment(id, kind, price, desc, subCost)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The stores passed to fn
// only use the transaction; they never take the store mutex.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	ts := &txStore{queries{sqlTx}}
	if err := fn(billing.Stores{Users: ts, Wallets: ts, Configurations: ts, Invoices: ts}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	qs queries
}

func (ts *txStore) FindByID(ctx context.Context, id billing.UserID) (billing.User, error) {
	return ts.qs.findUser(ctx, id)
}

func (ts *txStore) SaveUser(ctx context.Context, u billing.User) (billing.User, error) {
	return ts.qs.saveUser(ctx, u)
}

func (ts *txStore) FindWithSubscriptions(ctx context.Context, id billing.UserID) (billing.User, error) {
	return ts.qs.findWithSubscriptions(ctx, id)
}

func (ts *txStore) AddSubscription(ctx context.Context, id billing.UserID, configID billing.ConfigurationID) error {
	return ts.qs.addSubscription(ctx, id, configID)
}

func (ts *txStore) UpdateWallet(ctx context.Context, id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	return ts.qs.updateWallet(ctx, id, fn)
}

func (ts *txStore) FindByProductAndTier(ctx context.Context, productID billing.ProductID, tier billing.Tier) ([]billing.ProductConfiguration, error) {
	return ts.qs.findByProductAndTier(ctx, productID, tier)
}

func (ts *txStore) SaveConfiguration(ctx context.Context, cfg billing.ProductConfiguration) (billing.ProductConfiguration, error) {
	return ts.qs.saveConfiguration(ctx, cfg)
}

func (ts *txStore) GetConfiguration(ctx context.Context, id billing.ConfigurationID) (billing.ProductConfiguration, error) {
	return ts.qs.getConfiguration(ctx, id)
}

func (ts *txStore) SaveInvoice(ctx context.Context, inv billing.Invoice) (billing.Invoice, error) {
	return ts.qs.saveInvoice(ctx, inv)
}

func (ts *txStore) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return ts.qs.getInvoice(ctx, id)
}

func (ts *txStore) ListByUser(ctx context.Context, userID billing.UserID) ([]billing.Invoice, error) {
	return ts.qs.listByUser(ctx, userID)
}

// =============================================================================
// STORIES - featuring.StoryFeaturer
// =============================================================================

// FeatureStory marks the story featured on behalf of userID. Stories are
// owned by the platform; a row is created on first feature.
func (s *Store) FeatureStory(ctx context.Context, storyID billing.StoryID, userID billing.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stories (id, featured, featured_by, featured_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			featured = 1,
			featured_by = excluded.featured_by,
			featured_at = excluded.featured_at
	`, storyID, userID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to feature story %s: %w", storyID, err)
	}
	return nil
}

// IsFeatured reports whether the story has been featured.
func (s *Store) IsFeatured(ctx context.Context, storyID billing.StoryID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var featured bool
	err := s.db.QueryRowContext(ctx, "SELECT featured FROM stories WHERE id = ?", storyID).Scan(&featured)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return featured, err
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ billing.Store   = (*Store)(nil)
	_ billing.TxStore = (*Store)(nil)
)
