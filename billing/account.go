/*
account.go - User accounts: creation, profile and tier updates, top-ups

PURPOSE:
  The only paths that create users or change them after creation. Profile
  and tier go through UserStore.SaveUser; money only ever moves through
  WalletLedger.

RULES:
  - Create rejects an id that already exists (ErrUserExists)
  - Update never touches the wallet
  - TopUp credits a positive amount; there is no way to lower a balance
    except by charging for a product

  A tier change takes effect on the next charge: the resolver reloads the
  user and matches configurations on the stored tier.

SEE ALSO:
  - wallet.go: WalletLedger
  - resolver.go: Tier-based resolution
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// UserUpdate is a partial update. Nil fields are left unchanged.
type UserUpdate struct {
	Username *string
	Email    *string
	Tier     *Tier
}

type Accounts struct {
	users   UserStore
	wallets *WalletLedger
	logger  *slog.Logger
}

func NewAccounts(users UserStore, wallets WalletStore, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{users: users, wallets: NewWalletLedger(wallets), logger: logger}
}

// Create stores a new user with its opening balance.
func (a *Accounts) Create(ctx context.Context, user User) (User, error) {
	if user.ID != "" {
		_, err := a.users.FindByID(ctx, user.ID)
		if err == nil {
			return User{}, fmt.Errorf("user %s: %w", user.ID, ErrUserExists)
		}
		if !errors.Is(err, ErrUserNotFound) {
			return User{}, err
		}
	}
	if user.WalletCents < 0 {
		return User{}, ErrInvalidAmount
	}
	return a.users.SaveUser(ctx, user)
}

// Update applies the non-nil fields of upd to the user.
func (a *Accounts) Update(ctx context.Context, id UserID, upd UserUpdate) (User, error) {
	user, err := a.users.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if upd.Username != nil && *upd.Username != "" {
		user.Username = *upd.Username
	}
	if upd.Email != nil && *upd.Email != "" {
		user.Email = *upd.Email
	}
	if upd.Tier != nil {
		if !upd.Tier.Valid() {
			return User{}, fmt.Errorf("invalid tier %q", *upd.Tier)
		}
		if *upd.Tier != user.Tier {
			a.logger.Info("user tier changed", "user_id", id, "from", user.Tier, "to", *upd.Tier)
		}
		user.Tier = *upd.Tier
	}
	return a.users.SaveUser(ctx, user)
}

// TopUp credits amountCents to the user's wallet and returns the new
// balance. No invoice is written: invoices record product actions.
func (a *Accounts) TopUp(ctx context.Context, id UserID, amountCents int64) (int64, error) {
	if amountCents <= 0 {
		return 0, fmt.Errorf("top-up of %d cents: %w", amountCents, ErrInvalidAmount)
	}
	balance, err := a.wallets.Apply(ctx, id, amountCents, ActionCredit)
	if err != nil {
		return 0, err
	}
	a.logger.Info("wallet topped up", "user_id", id, "amount_cents", amountCents, "balance", balance)
	return balance, nil
}
