/*
orchestrator.go - The charge/refund state machine

PURPOSE:
  Sequences resolve -> wallet -> invoice -> notify for one billing action
  and undoes the wallet change when invoicing fails.

STATES:
  RESOLVING -> DEBITING -> INVOICING -> NOTIFYING -> DONE
                              |
                              +-> COMPENSATING -> DONE (failed)

TERMINAL FAILURES (nothing to undo):
  - Resolution fails: returned unchanged
  - Insufficient funds: returned unchanged

COMPENSATED FAILURES:
  - Invoice persistence fails after the wallet changed: the inverse action
    is applied for the same amount before InvoiceCreationFailedError is
    returned. When the store implements TxStore, the wallet change and the
    invoice write share one transaction and the rollback is the compensation.

NOTIFICATION:
  Runs after commit, outside any transaction. Observer failures are the
  bus's problem, never the caller's. A panic once the invoice is stored is
  logged and the receipt returned; the committed charge is never undone.

TWO REFUND PATHS:
  COMPENSATING covers failures inside the engine. Refund() is for callers
  whose own post-billing action failed (e.g. the story could not be
  featured) and who need the charge reversed with its own CREDIT invoice.

SEE ALSO:
  - resolver.go, wallet.go, invoice.go, events.go: The steps
  - action.go: A caller that uses Refund()
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type State string

const (
	StateResolving    State = "RESOLVING"
	StateDebiting     State = "DEBITING"
	StateInvoicing    State = "INVOICING"
	StateNotifying    State = "NOTIFYING"
	StateCompensating State = "COMPENSATING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// ChargeContext is caller context forwarded to observers.
type ChargeContext struct {
	StoryID StoryID
}

// Receipt describes a completed billing action.
type Receipt struct {
	Invoice       Invoice
	Configuration ProductConfiguration
	Balance       int64
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	stores   Stores
	tx       TxStore
	resolver *EntitlementResolver
	factory  *InvoiceFactory
	bus      *InvoiceEventBus
	logger   *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithInvoiceFactory(f *InvoiceFactory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// WithoutTransactions forces the explicit compensation path even when the
// store supports transactions.
func WithoutTransactions() Option {
	return func(o *Orchestrator) { o.tx = nil }
}

// NewOrchestrator builds an orchestrator over s. If s implements TxStore the
// wallet change and invoice write are committed atomically.
func NewOrchestrator(s Store, bus *InvoiceEventBus, opts ...Option) *Orchestrator {
	return NewOrchestratorWithStores(StoresOf(s), txStoreOf(s), bus, opts...)
}

// NewOrchestratorWithStores is NewOrchestrator for callers that compose
// stores themselves. tx may be nil.
func NewOrchestratorWithStores(stores Stores, tx TxStore, bus *InvoiceEventBus, opts ...Option) *Orchestrator {
	if bus == nil {
		bus = NewInvoiceEventBus(nil)
	}
	o := &Orchestrator{
		stores:   stores,
		tx:       tx,
		resolver: NewEntitlementResolver(stores.Users, stores.Configurations),
		factory:  NewInvoiceFactory(),
		bus:      bus,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func txStoreOf(s Store) TxStore {
	if tx, ok := s.(TxStore); ok {
		return tx
	}
	return nil
}

func (o *Orchestrator) Resolver() *EntitlementResolver { return o.resolver }
func (o *Orchestrator) Bus() *InvoiceEventBus           { return o.bus }

// Charge debits the user for one action on product.
func (o *Orchestrator) Charge(ctx context.Context, user User, product Product, cc ChargeContext) (Receipt, error) {
	return o.run(ctx, user, product, ActionDebit, cc.StoryID)
}

// Refund credits the user for one action on product with a CREDIT invoice.
// The configuration is resolved again, so the amount matches what a charge
// would cost now.
func (o *Orchestrator) Refund(ctx context.Context, user User, product Product) (Receipt, error) {
	return o.run(ctx, user, product, ActionCredit, "")
}

func (o *Orchestrator) run(ctx context.Context, user User, product Product, action Action, storyID StoryID) (receipt Receipt, err error) {
	log := o.logger.With("user_id", user.ID, "product", product.Name, "action", action)
	state := StateResolving
	applied := false
	var cfg ProductConfiguration
	var committed *Receipt

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cause := fmt.Errorf("panic in state %s: %v", state, r)
		if committed != nil {
			// The wallet change and its invoice are durable; the charge stands.
			log.Error("panic after commit", "state", state, "invoice_id", committed.Invoice.ID, "error", cause)
			receipt, err = *committed, nil
			return
		}
		failure := &BillingFailedError{ProductName: product.Name, Err: cause}
		if applied {
			failure.CompensationErr = o.compensate(ctx, log, user.ID, cfg, action)
		}
		log.Error("billing aborted", "state", state, "error", cause)
		receipt, err = Receipt{}, failure
	}()

	log.Debug("billing state", "state", state)
	cfg, err = o.resolver.Resolve(ctx, user, product)
	if err != nil {
		return Receipt{}, err
	}
	price := cfg.Payment.Base().PriceCents

	if o.tx != nil {
		receipt, err = o.applyAtomically(ctx, log, user, cfg, action, price)
	} else {
		receipt, err = o.applyWithCompensation(ctx, log, user, cfg, action, price, &state, &applied)
	}
	if err != nil {
		return Receipt{}, err
	}
	done := receipt
	committed = &done

	state = StateNotifying
	log.Debug("billing state", "state", state, "invoice_id", receipt.Invoice.ID)
	o.bus.Publish(ctx, InvoiceEvent{Invoice: receipt.Invoice, Product: cfg.Product, StoryID: storyID})

	log.Debug("billing state", "state", StateDone, "balance", receipt.Balance)
	return receipt, nil
}

// applyWithCompensation commits the wallet change, then the invoice. If the
// invoice cannot be written, the inverse wallet action is applied.
func (o *Orchestrator) applyWithCompensation(ctx context.Context, log *slog.Logger, user User, cfg ProductConfiguration, action Action, price int64, state *State, applied *bool) (Receipt, error) {
	*state = StateDebiting
	log.Debug("billing state", "state", *state, "amount_cents", price)
	balance, err := NewWalletLedger(o.stores.Wallets).Apply(ctx, user.ID, price, action)
	if err != nil {
		return Receipt{}, err
	}
	*applied = true

	*state = StateInvoicing
	log.Debug("billing state", "state", *state)
	inv, err := o.saveInvoice(ctx, o.stores.Invoices, user, cfg, action)
	if err != nil {
		*state = StateCompensating
		log.Warn("invoice creation failed, compensating", "error", err)
		failure := &InvoiceCreationFailedError{UserID: user.ID, AmountCents: price, Err: err}
		*applied = false
		failure.CompensationErr = o.compensate(ctx, log, user.ID, cfg, action)
		return Receipt{}, failure
	}
	*applied = false

	return Receipt{Invoice: inv, Configuration: cfg, Balance: balance}, nil
}

// applyAtomically runs the wallet change and invoice write in one store
// transaction. An invoicing failure rolls both back.
func (o *Orchestrator) applyAtomically(ctx context.Context, log *slog.Logger, user User, cfg ProductConfiguration, action Action, price int64) (Receipt, error) {
	var receipt Receipt
	var invoiceErr error

	err := o.tx.WithTx(ctx, func(s Stores) error {
		log.Debug("billing state", "state", StateDebiting, "amount_cents", price, "tx", true)
		balance, err := NewWalletLedger(s.Wallets).Apply(ctx, user.ID, price, action)
		if err != nil {
			return err
		}

		log.Debug("billing state", "state", StateInvoicing, "tx", true)
		inv, err := o.saveInvoice(ctx, s.Invoices, user, cfg, action)
		if err != nil {
			invoiceErr = err
			return err
		}
		receipt = Receipt{Invoice: inv, Configuration: cfg, Balance: balance}
		return nil
	})
	if err == nil {
		return receipt, nil
	}

	if invoiceErr != nil {
		log.Warn("invoice creation failed, transaction rolled back",
			"state", StateCompensating, "error", invoiceErr)
		return Receipt{}, &InvoiceCreationFailedError{UserID: user.ID, AmountCents: price, Err: invoiceErr}
	}
	if isWalletError(err) || IsNotFound(err) {
		return Receipt{}, err
	}
	// Commit or begin failed: nothing is known to be applied.
	return Receipt{}, &BillingFailedError{ProductName: cfg.Product.Name, Err: err}
}

func (o *Orchestrator) saveInvoice(ctx context.Context, invoices InvoiceStore, user User, cfg ProductConfiguration, action Action) (Invoice, error) {
	inv := o.factory.Build(user, cfg, action)
	return invoices.SaveInvoice(ctx, inv)
}

func (o *Orchestrator) compensate(ctx context.Context, log *slog.Logger, userID UserID, cfg ProductConfiguration, action Action) error {
	price := cfg.Payment.Base().PriceCents
	balance, err := NewWalletLedger(o.stores.Wallets).Apply(ctx, userID, price, action.Inverse())
	if err != nil {
		log.Error("compensation failed, wallet needs manual reconciliation",
			"amount_cents", price, "compensating_action", action.Inverse(), "error", err)
		return err
	}
	log.Info("compensated wallet", "amount_cents", price, "compensating_action", action.Inverse(), "balance", balance)
	return nil
}

func isWalletError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrWalletUpdateFailed) ||
		errors.Is(err, ErrInvalidAmount)
}
