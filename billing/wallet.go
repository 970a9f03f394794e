package billing

import (
	"context"
	"errors"
)

// =============================================================================
// WALLET LEDGER - Serialized balance mutation
// =============================================================================

// WalletLedger debits and credits a user's wallet. The balance is read from
// the store at call time, never from the caller's copy of the user.
type WalletLedger struct {
	store WalletStore
}

func NewWalletLedger(store WalletStore) *WalletLedger {
	return &WalletLedger{store: store}
}

// Apply changes the wallet by amountCents in the direction of action and
// returns the persisted balance.
//
// INVARIANTS:
//   - A debit never drives the balance below zero.
//   - A rejected debit writes nothing.
func (l *WalletLedger) Apply(ctx context.Context, userID UserID, amountCents int64, action Action) (int64, error) {
	if amountCents < 0 {
		return 0, ErrInvalidAmount
	}

	var available int64
	balance, err := l.store.UpdateWallet(ctx, userID, func(current int64) (int64, error) {
		available = current
		if action == ActionDebit {
			if current < amountCents {
				return current, &InsufficientFundsError{
					UserID:    userID,
					Required:  amountCents,
					Available: current,
				}
			}
			return current - amountCents, nil
		}
		return current + amountCents, nil
	})
	if err == nil {
		return balance, nil
	}

	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) || errors.Is(err, ErrUserNotFound) {
		return 0, err
	}
	return 0, &WalletUpdateFailedError{
		UserID:    userID,
		Action:    action,
		Required:  amountCents,
		Available: available,
		Err:       err,
	}
}
