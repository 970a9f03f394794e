package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func seed(t *testing.T, m *Memory) (billing.Product, billing.ProductConfiguration) {
	t.Helper()
	ctx := context.Background()
	product, err := m.SaveProduct(ctx, billing.Product{ID: "prod-1", Name: "FeaturedPost"})
	require.NoError(t, err)
	payg, err := m.SavePayment(ctx, billing.NewPayAsYouGo("pay-payg", 500, "Per use"))
	require.NoError(t, err)
	cfg, err := m.SaveConfiguration(ctx, billing.ProductConfiguration{ID: "cfg-payg", Product: product, Tier: billing.TierGold, Payment: payg})
	require.NoError(t, err)
	_, err = m.SaveUser(ctx, billing.User{ID: "u-1", Tier: billing.TierGold, WalletCents: 1000})
	require.NoError(t, err)
	return product, cfg
}

func TestMemory_SaveUserDefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, err := m.SaveUser(ctx, billing.User{Username: "anon"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, billing.TierNormal, u.Tier)

	_, err = m.SaveUser(ctx, billing.User{Tier: "PLATINUM"})
	assert.Error(t, err)
	_, err = m.SaveUser(ctx, billing.User{WalletCents: -1})
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)
}

func TestMemory_ConfigurationRules(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	product, cfg := seed(t, m)

	// Same id replaces.
	_, err := m.SaveConfiguration(ctx, cfg)
	require.NoError(t, err)

	other, err := m.SavePayment(ctx, billing.NewPayAsYouGo("pay-other", 900, ""))
	require.NoError(t, err)
	_, err = m.SaveConfiguration(ctx, billing.ProductConfiguration{Product: product, Tier: billing.TierGold, Payment: other})
	assert.ErrorIs(t, err, billing.ErrConfigurationConflict)

	_, err = m.SaveConfiguration(ctx, billing.ProductConfiguration{Product: billing.Product{ID: "missing"}, Tier: billing.TierGold, Payment: other})
	assert.ErrorIs(t, err, billing.ErrProductNotFound)

	require.NoError(t, m.AddSubscription(ctx, "u-1", cfg.ID))
	assert.ErrorIs(t, m.AddSubscription(ctx, "u-1", cfg.ID), billing.ErrAlreadySubscribed)
	assert.ErrorIs(t, m.AddSubscription(ctx, "ghost", cfg.ID), billing.ErrUserNotFound)
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that debits and then fails
	// WHEN: WithTx returns
	// THEN: The debit and the invoice written inside it are gone

	ctx := context.Background()
	tm := NewTxMemory()
	seed(t, tm.Memory)
	boom := errors.New("boom")

	err := tm.WithTx(ctx, func(s billing.Stores) error {
		if _, err := s.Wallets.UpdateWallet(ctx, "u-1", func(c int64) (int64, error) { return c - 500, nil }); err != nil {
			return err
		}
		if _, err := s.Invoices.SaveInvoice(ctx, billing.Invoice{ID: "inv-1", UserID: "u-1", AmountCents: 500}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := tm.FindByID(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), u.WalletCents)
	invs, err := tm.ListByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m)

	require.NoError(t, m.Reset(ctx))

	products, err := m.ListProducts(ctx)
	require.NoError(t, err)
	assert.Empty(t, products)
	_, err = m.FindByID(ctx, "u-1")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}
