package billing_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march10 = time.Date(2025, time.March, 10, 15, 4, 5, 0, time.UTC)

type fixture struct {
	store   billing.Store
	product billing.Product
	payg    billing.PayAsYouGo
	sub     billing.Subscription
	goldSub billing.ProductConfiguration
	goldPay billing.ProductConfiguration
	normPay billing.ProductConfiguration
}

// newFixture seeds FeaturedPost with a GOLD subscription (100 per action),
// GOLD pay-as-you-go (500) and NORMAL pay-as-you-go (500).
func newFixture(t *testing.T, s billing.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	product, err := s.SaveProduct(ctx, billing.Product{ID: "prod-featured", Name: "FeaturedPost", Description: "Pin a story"})
	require.NoError(t, err)

	payg, err := s.SavePayment(ctx, billing.NewPayAsYouGo("pay-payg", 500, "Per feature"))
	require.NoError(t, err)
	sub, err := s.SavePayment(ctx, billing.NewSubscription("pay-sub", 100, "Monthly featuring", 2000))
	require.NoError(t, err)

	save := func(id billing.ConfigurationID, tier billing.Tier, p billing.Payment) billing.ProductConfiguration {
		cfg, err := s.SaveConfiguration(ctx, billing.ProductConfiguration{ID: id, Product: product, Tier: tier, Payment: p})
		require.NoError(t, err)
		return cfg
	}

	return &fixture{
		store:   s,
		product: product,
		payg:    payg.(billing.PayAsYouGo),
		sub:     sub.(billing.Subscription),
		goldSub: save("cfg-gold-sub", billing.TierGold, sub),
		goldPay: save("cfg-gold-payg", billing.TierGold, payg),
		normPay: save("cfg-normal-payg", billing.TierNormal, payg),
	}
}

func (f *fixture) user(t *testing.T, id billing.UserID, tier billing.Tier, wallet int64) billing.User {
	t.Helper()
	u, err := f.store.SaveUser(context.Background(), billing.User{
		ID: id, Username: string(id), Email: string(id) + "@example.com", Tier: tier, WalletCents: wallet,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) balance(t *testing.T, id billing.UserID) int64 {
	t.Helper()
	u, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return u.WalletCents
}

func (f *fixture) invoices(t *testing.T, id billing.UserID) []billing.Invoice {
	t.Helper()
	invs, err := f.store.ListByUser(context.Background(), id)
	require.NoError(t, err)
	return invs
}

func fixedFactory() *billing.InvoiceFactory {
	var n atomic.Int64
	return billing.NewInvoiceFactory().
		WithClock(func() time.Time { return march10 }).
		WithIDGenerator(func() billing.InvoiceID {
			return billing.InvoiceID(fmt.Sprintf("inv-%d", n.Add(1)))
		})
}

var errDiskFull = errors.New("disk full")

type failingInvoices struct {
	billing.InvoiceStore
	err error
}

func (f failingInvoices) SaveInvoice(context.Context, billing.Invoice) (billing.Invoice, error) {
	return billing.Invoice{}, f.err
}

type panickingInvoices struct {
	billing.InvoiceStore
}

func (panickingInvoices) SaveInvoice(context.Context, billing.Invoice) (billing.Invoice, error) {
	panic("invoice table corrupted")
}

// failingTx swaps the invoice store inside every transaction.
type failingTx struct {
	tx       billing.TxStore
	invoices func(billing.InvoiceStore) billing.InvoiceStore
}

func (f failingTx) WithTx(ctx context.Context, fn func(billing.Stores) error) error {
	return f.tx.WithTx(ctx, func(s billing.Stores) error {
		s.Invoices = f.invoices(s.Invoices)
		return fn(s)
	})
}

// creditFailingWallet lets the first update through and fails the rest.
type creditFailingWallet struct {
	billing.WalletStore
	calls atomic.Int32
}

func (w *creditFailingWallet) UpdateWallet(ctx context.Context, id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	if w.calls.Add(1) > 1 {
		return 0, errors.New("connection reset")
	}
	return w.WalletStore.UpdateWallet(ctx, id, fn)
}

// panicOnStateHandler panics once on the first record logged with the given
// state attribute.
type panicOnStateHandler struct {
	state billing.State
	fired *atomic.Bool
}

func (h panicOnStateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h panicOnStateHandler) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "state" && a.Value.String() == string(h.state) && h.fired.CompareAndSwap(false, true) {
			panic("log sink closed")
		}
		return true
	})
	return nil
}

func (h panicOnStateHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h panicOnStateHandler) WithGroup(string) slog.Handler      { return h }

// panickingCompensation lets the first update through and panics on the next.
type panickingCompensation struct {
	billing.WalletStore
	calls atomic.Int32
}

func (w *panickingCompensation) UpdateWallet(ctx context.Context, id billing.UserID, fn billing.WalletUpdateFunc) (int64, error) {
	if w.calls.Add(1) > 1 {
		panic("wallet driver crashed")
	}
	return w.WalletStore.UpdateWallet(ctx, id, fn)
}

// =============================================================================
// ENTITLEMENT RESOLVER TESTS
// =============================================================================

func TestResolver_SubscriptionWinsOverPayAsYouGo(t *testing.T) {
	// GIVEN: GOLD user subscribed to FeaturedPost, PAYG also configured for GOLD
	// WHEN: Resolving
	// THEN: The subscription configuration is selected

	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	u := f.user(t, "u-gold", billing.TierGold, 1000)
	require.NoError(t, f.store.AddSubscription(ctx, u.ID, f.goldSub.ID))

	cfg, err := billing.NewEntitlementResolver(f.store, f.store).Resolve(ctx, u, f.product)

	require.NoError(t, err)
	assert.Equal(t, f.goldSub.ID, cfg.ID)
	assert.True(t, billing.IsSubscription(cfg.Payment))
}

func TestResolver_FallsBackToPayAsYouGo(t *testing.T) {
	// GIVEN: NORMAL user with no subscriptions
	// WHEN: Resolving
	// THEN: The NORMAL PAYG configuration is selected

	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	u := f.user(t, "u-normal", billing.TierNormal, 1000)

	cfg, err := billing.NewEntitlementResolver(f.store, f.store).Resolve(ctx, u, f.product)

	require.NoError(t, err)
	assert.Equal(t, f.normPay.ID, cfg.ID)
	assert.Equal(t, int64(500), cfg.Payment.Base().PriceCents)
}

func TestResolver_SubscriptionForOtherTierIgnored(t *testing.T) {
	// GIVEN: User subscribed at GOLD, then downgraded to NORMAL
	// WHEN: Resolving with the stale GOLD user value
	// THEN: The fresh tier is used and the NORMAL PAYG configuration wins

	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	stale := f.user(t, "u-1", billing.TierGold, 1000)
	require.NoError(t, f.store.AddSubscription(ctx, stale.ID, f.goldSub.ID))
	f.user(t, "u-1", billing.TierNormal, 1000)

	cfg, err := billing.NewEntitlementResolver(f.store, f.store).Resolve(ctx, stale, f.product)

	require.NoError(t, err)
	assert.Equal(t, f.normPay.ID, cfg.ID)
}

func TestResolver_NoConfiguration(t *testing.T) {
	// GIVEN: SILVER user, nothing configured for SILVER
	// WHEN: Resolving
	// THEN: ConfigurationNotFoundError carrying the tier

	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	u := f.user(t, "u-silver", billing.TierSilver, 1000)

	_, err := billing.NewEntitlementResolver(f.store, f.store).Resolve(ctx, u, f.product)

	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrConfigurationNotFound)
	var notFound *billing.ConfigurationNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, billing.TierSilver, notFound.Tier)
	assert.Equal(t, "FeaturedPost", notFound.ProductName)
}

func TestResolver_UnknownUser(t *testing.T) {
	f := newFixture(t, store.NewMemory())

	_, err := billing.NewEntitlementResolver(f.store, f.store).
		Resolve(context.Background(), billing.User{ID: "ghost", Tier: billing.TierGold}, f.product)

	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

// =============================================================================
// WALLET LEDGER TESTS
// =============================================================================

func TestWallet_InsufficientFunds_NothingWritten(t *testing.T) {
	// GIVEN: Wallet of 500
	// WHEN: Debiting 1000
	// THEN: InsufficientFunds(1000, 500), balance stays 500

	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	f.user(t, "u-1", billing.TierNormal, 500)

	_, err := billing.NewWalletLedger(f.store).Apply(ctx, "u-1", 1000, billing.ActionDebit)

	var insufficient *billing.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1000), insufficient.Required)
	assert.Equal(t, int64(500), insufficient.Available)
	assert.Equal(t, int64(500), f.balance(t, "u-1"))
}

func TestWallet_DebitAndCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	f.user(t, "u-1", billing.TierNormal, 1000)
	ledger := billing.NewWalletLedger(f.store)

	balance, err := ledger.Apply(ctx, "u-1", 300, billing.ActionDebit)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	balance, err = ledger.Apply(ctx, "u-1", 50, billing.ActionCredit)
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)

	// Exact balance is spendable
	balance, err = ledger.Apply(ctx, "u-1", 750, billing.ActionDebit)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, int64(0), f.balance(t, "u-1"))
}

func TestWallet_NegativeAmountRejected(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	f.user(t, "u-1", billing.TierNormal, 1000)

	_, err := billing.NewWalletLedger(f.store).Apply(context.Background(), "u-1", -1, billing.ActionCredit)

	assert.ErrorIs(t, err, billing.ErrInvalidAmount)
	assert.Equal(t, int64(1000), f.balance(t, "u-1"))
}

func TestWallet_StoreFailureWrapped(t *testing.T) {
	// GIVEN: A wallet store that fails after the first update
	// WHEN: The second update runs
	// THEN: WalletUpdateFailedError wrapping the cause

	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	f.user(t, "u-1", billing.TierNormal, 1000)
	wallet := &creditFailingWallet{WalletStore: f.store}
	ledger := billing.NewWalletLedger(wallet)

	_, err := ledger.Apply(ctx, "u-1", 100, billing.ActionDebit)
	require.NoError(t, err)

	_, err = ledger.Apply(ctx, "u-1", 100, billing.ActionCredit)
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrWalletUpdateFailed)
	var failed *billing.WalletUpdateFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, billing.ActionCredit, failed.Action)
	assert.Equal(t, int64(100), failed.Required)
}

// =============================================================================
// INVOICE FACTORY TESTS
// =============================================================================

func TestInvoiceFactory_DebitAndCredit(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	u := billing.User{ID: "u-1", Tier: billing.TierGold}
	factory := fixedFactory()

	debit := factory.Build(u, f.goldPay, billing.ActionDebit)
	assert.Equal(t, billing.InvoiceID("inv-1"), debit.ID)
	assert.Equal(t, int64(500), debit.AmountCents)
	assert.Equal(t, billing.PaymentTypePayAsYouGo, debit.PaymentType)
	assert.Equal(t, billing.PaymentID("pay-payg"), debit.PaymentID)
	assert.Equal(t, "PAYG for FeaturedPost", debit.Description)
	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), debit.DateFrom)
	assert.Equal(t, debit.DateFrom, debit.DateTo)
	assert.Equal(t, march10, debit.CreatedAt)
	assert.False(t, debit.IsCredit())

	credit := factory.Build(u, f.goldSub, billing.ActionCredit)
	assert.Equal(t, int64(-100), credit.AmountCents)
	assert.Equal(t, billing.PaymentTypeSubscription, credit.PaymentType)
	assert.Equal(t, "SUBSCRIPTION for FeaturedPost", credit.Description)
	assert.True(t, credit.IsCredit())
}

// =============================================================================
// ORCHESTRATOR TESTS
// =============================================================================

// backends runs a test against the compensation path and the transactional path.
func backends() map[string]func() billing.Store {
	return map[string]func() billing.Store{
		"memory":    func() billing.Store { return store.NewMemory() },
		"tx-memory": func() billing.Store { return store.NewTxMemory() },
	}
}

func TestCharge_PayAsYouGo_DebitsPriceAndWritesOneInvoice(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			// GIVEN: NORMAL user with 1000, PAYG at 500
			// WHEN: Charging
			// THEN: Wallet 500, one PAYG invoice of +500

			ctx := context.Background()
			f := newFixture(t, newStore())
			u := f.user(t, "u-1", billing.TierNormal, 1000)
			engine := billing.NewOrchestrator(f.store, nil, billing.WithInvoiceFactory(fixedFactory()))

			receipt, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{StoryID: "story-1"})

			require.NoError(t, err)
			assert.Equal(t, int64(500), receipt.Balance)
			assert.Equal(t, f.normPay.ID, receipt.Configuration.ID)
			assert.Equal(t, int64(500), f.balance(t, "u-1"))

			invs := f.invoices(t, "u-1")
			require.Len(t, invs, 1)
			assert.Equal(t, int64(500), invs[0].AmountCents)
			assert.Equal(t, billing.PaymentTypePayAsYouGo, invs[0].PaymentType)
			assert.Equal(t, receipt.Invoice.ID, invs[0].ID)
		})
	}
}

func TestCharge_SubscriptionPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewTxMemory())
	u := f.user(t, "u-gold", billing.TierGold, 1000)
	require.NoError(t, f.store.AddSubscription(ctx, u.ID, f.goldSub.ID))
	engine := billing.NewOrchestrator(f.store, nil)

	receipt, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{})

	require.NoError(t, err)
	assert.Equal(t, billing.PaymentTypeSubscription, receipt.Invoice.PaymentType)
	assert.Equal(t, int64(100), receipt.Invoice.AmountCents)
	assert.Equal(t, int64(900), f.balance(t, u.ID))
}

func TestCharge_InsufficientFunds_Unchanged(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, newStore())
			u := f.user(t, "u-1", billing.TierNormal, 400)
			engine := billing.NewOrchestrator(f.store, nil)

			_, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{})

			var insufficient *billing.InsufficientFundsError
			require.ErrorAs(t, err, &insufficient)
			assert.Equal(t, int64(500), insufficient.Required)
			assert.Equal(t, int64(400), insufficient.Available)
			assert.Equal(t, int64(400), f.balance(t, "u-1"))
			assert.Empty(t, f.invoices(t, "u-1"))
		})
	}
}

func TestCharge_PriceAboveBalance_InsufficientFunds(t *testing.T) {
	// GIVEN: A 500 cent wallet and a 1000 cent price
	// WHEN: The user is charged
	// THEN: InsufficientFunds(1000, 500), wallet stays 500, no invoice

	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			product, err := s.SaveProduct(ctx, billing.Product{ID: "prod-boost", Name: "Boost"})
			require.NoError(t, err)
			pay, err := s.SavePayment(ctx, billing.NewPayAsYouGo("pay-boost", 1000, "Per boost"))
			require.NoError(t, err)
			_, err = s.SaveConfiguration(ctx, billing.ProductConfiguration{ID: "cfg-boost", Product: product, Tier: billing.TierNormal, Payment: pay})
			require.NoError(t, err)
			u, err := s.SaveUser(ctx, billing.User{ID: "u-1", Tier: billing.TierNormal, WalletCents: 500})
			require.NoError(t, err)

			_, err = billing.NewOrchestrator(s, nil).Charge(ctx, u, product, billing.ChargeContext{})

			var insufficient *billing.InsufficientFundsError
			require.ErrorAs(t, err, &insufficient)
			assert.Equal(t, int64(1000), insufficient.Required)
			assert.Equal(t, int64(500), insufficient.Available)
			got, err := s.FindByID(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, int64(500), got.WalletCents)
			invs, err := s.ListByUser(ctx, "u-1")
			require.NoError(t, err)
			assert.Empty(t, invs)
		})
	}
}

func TestCharge_ResolutionFailure_NothingMutated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	u := f.user(t, "u-silver", billing.TierSilver, 1000)
	var notified int
	bus := billing.NewInvoiceEventBus(nil)
	bus.Subscribe(billing.ObserverFunc(func(context.Context, billing.InvoiceEvent) error {
		notified++
		return nil
	}))

	_, err := billing.NewOrchestrator(f.store, bus).Charge(ctx, u, f.product, billing.ChargeContext{})

	assert.ErrorIs(t, err, billing.ErrConfigurationNotFound)
	assert.Equal(t, int64(1000), f.balance(t, u.ID))
	assert.Zero(t, notified)
}

func TestCharge_InvoiceFailure_CompensatesWithCredit(t *testing.T) {
	// GIVEN: Non-transactional stores whose invoice writes fail
	// WHEN: Charging 500 against 1000
	// THEN: InvoiceCreationFailed, wallet back to exactly 1000, no invoice, no event

	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, mem)
	u := f.user(t, "u-1", billing.TierNormal, 1000)

	var notified int
	bus := billing.NewInvoiceEventBus(nil)
	bus.Subscribe(billing.ObserverFunc(func(context.Context, billing.InvoiceEvent) error {
		notified++
		return nil
	}))
	stores := billing.StoresOf(mem)
	stores.Invoices = failingInvoices{InvoiceStore: mem, err: errDiskFull}
	engine := billing.NewOrchestratorWithStores(stores, nil, bus)

	_, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{})

	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrInvoiceCreationFailed)
	assert.ErrorIs(t, err, errDiskFull)
	var failed *billing.InvoiceCreationFailedError
	require.ErrorAs(t, err, &failed)
	assert.NoError(t, failed.CompensationErr)
	assert.Equal(t, int64(500), failed.AmountCents)

	assert.Equal(t, int64(1000), f.balance(t, u.ID))
	assert.Empty(t, f.invoices(t, u.ID))
	assert.Zero(t, notified)
}

func TestCharge_InvoiceFailure_TransactionRolledBack(t *testing.T) {
	// GIVEN: Transactional store whose invoice writes fail inside the tx
	// WHEN: Charging
	// THEN: InvoiceCreationFailed and the debit never committed

	ctx := context.Background()
	tx := store.NewTxMemory()
	f := newFixture(t, tx)
	u := f.user(t, "u-1", billing.TierNormal, 1000)

	engine := billing.NewOrchestratorWithStores(billing.StoresOf(tx), failingTx{
		tx: tx,
		invoices: func(inner billing.InvoiceStore) billing.InvoiceStore {
			return failingInvoices{InvoiceStore: inner, err: errDiskFull}
		},
	}, nil)

	_, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{})

	assert.ErrorIs(t, err, billing.ErrInvoiceCreationFailed)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, int64(1000), f.balance(t, u.ID))
	assert.Empty(t, f.invoices(t, u.ID))
}

func TestCharge_CompensationFailure_Reported(t *testing.T) {
	// GIVEN: Invoice writes fail and the compensating credit fails too
	// WHEN: Charging
	// THEN: InvoiceCreationFailed carries CompensationErr

	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, mem)
	u := f.user(t, "u-1", billing.TierNormal, 1000)

	stores := billing.StoresOf(mem)
	stores.Wallets = &creditFailingWallet{WalletStore: mem}
	stores.Invoices = failingInvoices{InvoiceStore: mem, err: errDiskFull}

	_, err := billing.NewOrchestratorWithStores(stores, nil, nil).Charge(ctx, u, f.product, billing.ChargeContext{})

	var failed *billing.InvoiceCreationFailedError
	require.ErrorAs(t, err, &failed)
	require.Error(t, failed.CompensationErr)
	assert.ErrorIs(t, failed.CompensationErr, billing.ErrWalletUpdateFailed)
	assert.Contains(t, err.Error(), "compensation failed")
	assert.Equal(t, int64(500), f.balance(t, u.ID))
}

func TestCharge_PanicAfterDebit_BillingFailedAndCompensated(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, mem)
	u := f.user(t, "u-1", billing.TierNormal, 1000)

	stores := billing.StoresOf(mem)
	stores.Invoices = panickingInvoices{InvoiceStore: mem}

	_, err := billing.NewOrchestratorWithStores(stores, nil, nil).Charge(ctx, u, f.product, billing.ChargeContext{})

	assert.ErrorIs(t, err, billing.ErrBillingFailed)
	var failed *billing.BillingFailedError
	require.ErrorAs(t, err, &failed)
	assert.NoError(t, failed.CompensationErr)
	assert.Contains(t, failed.Err.Error(), "invoice table corrupted")
	assert.Equal(t, int64(1000), f.balance(t, u.ID))
}

func TestCharge_PanicInTransaction_RolledBack(t *testing.T) {
	ctx := context.Background()
	tx := store.NewTxMemory()
	f := newFixture(t, tx)
	u := f.user(t, "u-1", billing.TierNormal, 1000)

	engine := billing.NewOrchestratorWithStores(billing.StoresOf(tx), failingTx{
		tx: tx,
		invoices: func(inner billing.InvoiceStore) billing.InvoiceStore {
			return panickingInvoices{InvoiceStore: inner}
		},
	}, nil)

	_, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{})

	assert.ErrorIs(t, err, billing.ErrBillingFailed)
	assert.Equal(t, int64(1000), f.balance(t, u.ID))
	assert.Empty(t, f.invoices(t, u.ID))
}

func TestCharge_PanicAfterCommit_ChargeStands(t *testing.T) {
	// GIVEN: A charge whose invoice is committed
	// WHEN: Logging panics in NOTIFYING
	// THEN: The receipt is returned and the wallet keeps the debit

	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, newStore())
			u := f.user(t, "u-1", billing.TierNormal, 1000)
			logger := slog.New(panicOnStateHandler{state: billing.StateNotifying, fired: &atomic.Bool{}})
			engine := billing.NewOrchestrator(f.store, nil, billing.WithLogger(logger))

			receipt, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{})

			require.NoError(t, err)
			assert.Equal(t, int64(500), receipt.Balance)
			assert.Equal(t, int64(500), f.balance(t, u.ID))
			invs := f.invoices(t, u.ID)
			require.Len(t, invs, 1)
			assert.Equal(t, int64(500), invs[0].AmountCents)
		})
	}
}

func TestCharge_CompensationPanic_NotRetried(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, mem)
	u := f.user(t, "u-1", billing.TierNormal, 1000)

	wallet := &panickingCompensation{WalletStore: mem}
	stores := billing.StoresOf(mem)
	stores.Wallets = wallet
	stores.Invoices = failingInvoices{InvoiceStore: mem, err: errDiskFull}

	_, err := billing.NewOrchestratorWithStores(stores, nil, nil).Charge(ctx, u, f.product, billing.ChargeContext{})

	assert.ErrorIs(t, err, billing.ErrBillingFailed)
	var failed *billing.BillingFailedError
	require.ErrorAs(t, err, &failed)
	assert.NoError(t, failed.CompensationErr)
	assert.Contains(t, failed.Err.Error(), "wallet driver crashed")
	assert.Equal(t, int32(2), wallet.calls.Load())
}

func TestCharge_ConcurrentDebits_ExactlyOneSucceeds(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			// GIVEN: Wallet of 1000 and a PAYG price of 700
			// WHEN: Two charges run concurrently
			// THEN: One success, one InsufficientFunds, balance 300

			ctx := context.Background()
			s := newStore()
			newFixture(t, s)
			p, err := s.SaveProduct(ctx, billing.Product{ID: "prod-boost", Name: "Boost"})
			require.NoError(t, err)
			pay, err := s.SavePayment(ctx, billing.NewPayAsYouGo("pay-700", 700, "Boost"))
			require.NoError(t, err)
			_, err = s.SaveConfiguration(ctx, billing.ProductConfiguration{Product: p, Tier: billing.TierNormal, Payment: pay})
			require.NoError(t, err)
			u, err := s.SaveUser(ctx, billing.User{ID: "u-1", Tier: billing.TierNormal, WalletCents: 1000})
			require.NoError(t, err)

			engine := billing.NewOrchestrator(s, nil)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = engine.Charge(ctx, u, p, billing.ChargeContext{})
				}(i)
			}
			wg.Wait()

			var ok, insufficient int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, billing.ErrInsufficientFunds):
					insufficient++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 1, insufficient)

			got, err := s.FindByID(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(300), got.WalletCents)
			invs, err := s.ListByUser(ctx, u.ID)
			require.NoError(t, err)
			assert.Len(t, invs, 1)
		})
	}
}

func TestRefund_CreditsAndWritesNegativeInvoice(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, newStore())
			u := f.user(t, "u-1", billing.TierNormal, 1000)
			engine := billing.NewOrchestrator(f.store, nil)

			_, err := engine.Charge(ctx, u, f.product, billing.ChargeContext{StoryID: "story-1"})
			require.NoError(t, err)

			receipt, err := engine.Refund(ctx, u, f.product)

			require.NoError(t, err)
			assert.Equal(t, int64(-500), receipt.Invoice.AmountCents)
			assert.Equal(t, int64(1000), receipt.Balance)
			assert.Equal(t, int64(1000), f.balance(t, u.ID))

			invs := f.invoices(t, u.ID)
			require.Len(t, invs, 2)
			assert.Equal(t, int64(500), invs[0].AmountCents)
			assert.Equal(t, int64(-500), invs[1].AmountCents)
		})
	}
}

func TestRefund_InvoiceFailure_CompensatedWithDebit(t *testing.T) {
	// GIVEN: A refund whose CREDIT invoice cannot be written
	// WHEN: Refunding
	// THEN: The credit is reversed by a debit, balance unchanged

	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, mem)
	u := f.user(t, "u-1", billing.TierNormal, 600)

	stores := billing.StoresOf(mem)
	stores.Invoices = failingInvoices{InvoiceStore: mem, err: errDiskFull}

	_, err := billing.NewOrchestratorWithStores(stores, nil, nil).Refund(ctx, u, f.product)

	assert.ErrorIs(t, err, billing.ErrInvoiceCreationFailed)
	assert.Equal(t, int64(600), f.balance(t, u.ID))
}

func TestCharge_ObserverFailure_DoesNotRollBack(t *testing.T) {
	// GIVEN: A failing observer registered before a healthy one
	// WHEN: Charging
	// THEN: Charge succeeds, both observers ran, invoice committed

	ctx := context.Background()
	f := newFixture(t, store.NewTxMemory())
	u := f.user(t, "u-1", billing.TierNormal, 1000)

	var seen []billing.StoryID
	bus := billing.NewInvoiceEventBus(nil)
	bus.Subscribe(billing.ObserverFunc(func(context.Context, billing.InvoiceEvent) error {
		panic("featuring service down")
	}))
	bus.Subscribe(billing.ObserverFunc(func(_ context.Context, e billing.InvoiceEvent) error {
		seen = append(seen, e.StoryID)
		return nil
	}))

	receipt, err := billing.NewOrchestrator(f.store, bus).Charge(ctx, u, f.product, billing.ChargeContext{StoryID: "story-9"})

	require.NoError(t, err)
	assert.Equal(t, []billing.StoryID{"story-9"}, seen)
	invs := f.invoices(t, u.ID)
	require.Len(t, invs, 1)
	assert.Equal(t, receipt.Invoice.ID, invs[0].ID)
}

func TestInvoiceFor_OwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	u := f.user(t, "u-1", billing.TierNormal, 1000)
	f.user(t, "u-2", billing.TierNormal, 1000)

	receipt, err := billing.NewOrchestrator(f.store, nil).Charge(ctx, u, f.product, billing.ChargeContext{})
	require.NoError(t, err)

	inv, err := billing.InvoiceFor(ctx, f.store, "u-1", receipt.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.Invoice.ID, inv.ID)

	_, err = billing.InvoiceFor(ctx, f.store, "u-2", receipt.Invoice.ID)
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)

	_, err = billing.InvoiceFor(ctx, f.store, "u-1", "missing")
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}
