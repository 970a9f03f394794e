/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  All error types in one place. Callers match with errors.Is on the
  sentinels and errors.As on the structured types for details.

ERROR CATEGORIES:
  1. Resolution - No billable configuration for (product, tier)
  2. Wallet - Insufficient funds, persistence failure during apply
  3. Invoicing - Persistence failure after a successful wallet change
  4. Catch-all - BillingFailed, always carrying the cause

PROPAGATION:
  Resolution and debit failures are terminal, nothing was mutated.
  Invoicing and later failures are compensated inside the engine before
  they reach the caller. Observer failures never propagate.

SEE ALSO:
  - orchestrator.go: Where each category is produced
  - api/handlers.go: Maps errors to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrConfigurationNotFound = errors.New("product configuration not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrWalletUpdateFailed    = errors.New("wallet update failed")
	ErrInvoiceCreationFailed = errors.New("invoice creation failed")
	ErrBillingFailed         = errors.New("billing failed")

	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrProductNotFound = errors.New("product not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvoiceNotFound = errors.New("invoice not found")

	ErrProductAccessDenied   = errors.New("product access denied")
	ErrAlreadySubscribed     = errors.New("user already subscribed to product")
	ErrConfigurationConflict = errors.New("configuration already exists for product, tier and payment kind")
	ErrProductActionFailed   = errors.New("product action failed")

	// ErrInvalidAmount is returned for negative wallet amounts.
	ErrInvalidAmount = errors.New("invalid amount: must be non-negative")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ConfigurationNotFoundError struct {
	ProductID   ProductID
	ProductName string
	Tier        Tier
}

func (e *ConfigurationNotFoundError) Error() string {
	return fmt.Sprintf("no billable configuration for product %q and tier %s", e.ProductName, e.Tier)
}

func (e *ConfigurationNotFoundError) Unwrap() error { return ErrConfigurationNotFound }

// InsufficientFundsError is a business rejection. Nothing was written.
type InsufficientFundsError struct {
	UserID    UserID
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for user %s: required %d, available %d",
		e.UserID, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// WalletUpdateFailedError wraps a persistence failure during Apply. The
// balance may be ambiguous if the failure happened mid-write.
type WalletUpdateFailedError struct {
	UserID    UserID
	Action    Action
	Required  int64
	Available int64
	Err       error
}

func (e *WalletUpdateFailedError) Error() string {
	return fmt.Sprintf("wallet %s failed for user %s (required %d, available %d): %v",
		e.Action, e.UserID, e.Required, e.Available, e.Err)
}

func (e *WalletUpdateFailedError) Unwrap() []error { return []error{ErrWalletUpdateFailed, e.Err} }

// InvoiceCreationFailedError is returned after the engine has compensated
// the wallet change. CompensationErr is set when the compensation itself
// failed and the wallet needs manual attention.
type InvoiceCreationFailedError struct {
	UserID          UserID
	AmountCents     int64
	Err             error
	CompensationErr error
}

func (e *InvoiceCreationFailedError) Error() string {
	msg := fmt.Sprintf("failed to create invoice for user %s: %v", e.UserID, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf(" (compensation failed: %v)", e.CompensationErr)
	}
	return msg
}

func (e *InvoiceCreationFailedError) Unwrap() []error {
	return []error{ErrInvoiceCreationFailed, e.Err}
}

// BillingFailedError wraps anything unexpected inside the charge sequence.
type BillingFailedError struct {
	ProductName     string
	Err             error
	CompensationErr error
}

func (e *BillingFailedError) Error() string {
	msg := fmt.Sprintf("billing failed for product %q: %v", e.ProductName, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf(" (compensation failed: %v)", e.CompensationErr)
	}
	return msg
}

func (e *BillingFailedError) Unwrap() []error { return []error{ErrBillingFailed, e.Err} }

type ProductAccessDeniedError struct {
	UserID      UserID
	ProductName string
}

func (e *ProductAccessDeniedError) Error() string {
	return fmt.Sprintf("product access denied for user %s and product %q", e.UserID, e.ProductName)
}

func (e *ProductAccessDeniedError) Unwrap() error { return ErrProductAccessDenied }

// ProductActionFailedError is returned when the post-billing action failed
// and the charge was refunded. RefundErr is set if the refund failed too.
type ProductActionFailedError struct {
	ProductName string
	Err         error
	RefundErr   error
}

func (e *ProductActionFailedError) Error() string {
	msg := fmt.Sprintf("product action %q failed: %v", e.ProductName, e.Err)
	if e.RefundErr != nil {
		msg += fmt.Sprintf(" (refund failed: %v)", e.RefundErr)
	}
	return msg
}

func (e *ProductActionFailedError) Unwrap() []error { return []error{ErrProductActionFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is a business rejection the
// caller can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrProductAccessDenied) ||
		errors.Is(err, ErrAlreadySubscribed) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrConfigurationConflict) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConfigurationNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrInvoiceNotFound)
}
