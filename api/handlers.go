/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the billing package.

ENDPOINTS:
  Users:
    POST   /api/users                            Create user
    GET    /api/users/{id}                       Get user with subscriptions
    PATCH  /api/users/{id}                       Update profile and tier
    POST   /api/users/{id}/top-ups               Credit the wallet
    GET    /api/users/{id}/invoices              Invoice history
    GET    /api/users/{id}/invoices/{invoiceID}  One invoice, owner only
    POST   /api/users/{id}/subscriptions         Subscribe to a product

  Products:
    GET    /api/products                         List products
    POST   /api/products                         Create product
    GET    /api/products/{id}                    Get product
    POST   /api/products/{id}/actions            Bill and perform a product action
    POST   /api/products/{id}/refunds            Refund one action
    GET    /api/products/{id}/access?user_id=    Subscription access check

  Catalog:
    GET    /api/payments                         List payments
    POST   /api/payments                         Create payment (factory.PaymentJSON)
    POST   /api/configurations                   Create configuration

  Demo:
    POST   /api/seed                             Load demo catalog and users
    POST   /api/reset                            Clear all data (dev only)
    GET    /api/stories/{id}                     Featured status of a story

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error chain:
  - 400: Validation errors, invalid input
  - 402: Insufficient funds
  - 403: Product access denied
  - 404: User, product, payment, configuration or invoice not found
  - 409: User exists, already subscribed, configuration conflict
  - 500: Internal errors, including failed compensations

SECURITY NOTE:
  No authentication. The caller is trusted to pass the right user_id.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// StoryReader reports whether a story is featured.
type StoryReader interface {
	IsFeatured(ctx context.Context, storyID billing.StoryID) (bool, error)
}

type resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      billing.Store
	Accounts   *billing.Accounts
	Engine     *billing.Orchestrator
	Processor  *billing.ProductActionProcessor
	Access     *billing.AccessChecker
	Enrollment *billing.Enrollment
	Catalog    *factory.CatalogFactory
	Stories    StoryReader

	logger *slog.Logger
}

// NewHandler wires handlers around an engine. processor may be nil, in
// which case product actions only bill. stories may be nil.
func NewHandler(s billing.Store, engine *billing.Orchestrator, processor *billing.ProductActionProcessor, stories StoryReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if processor == nil {
		processor = billing.NewProductActionProcessor(s, s, engine, logger)
	}
	return &Handler{
		Store:      s,
		Accounts:   billing.NewAccounts(s, s, logger),
		Engine:     engine,
		Processor:  processor,
		Access:     billing.NewAccessChecker(engine.Resolver()),
		Enrollment: billing.NewEnrollment(s, s, engine.Resolver()),
		Catalog:    factory.NewCatalogFactory(),
		Stories:    stories,
		logger:     logger,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}
	tier := billing.TierNormal
	if req.Tier != "" {
		var err error
		if tier, err = billing.ParseTier(req.Tier); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid tier", err)
			return
		}
	}
	if req.WalletCents < 0 {
		writeError(w, http.StatusBadRequest, "wallet_cents must not be negative", nil)
		return
	}

	u, err := h.Accounts.Create(r.Context(), billing.User{
		ID:          billing.UserID(req.ID),
		Username:    req.Username,
		Email:       req.Email,
		Tier:        tier,
		WalletCents: req.WalletCents,
	})
	if err != nil {
		writeBillingError(w, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// UpdateUser changes profile fields and tier. The wallet is not writable
// here; see TopUp.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	upd := billing.UserUpdate{Username: req.Username, Email: req.Email}
	if req.Tier != nil {
		tier, err := billing.ParseTier(*req.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid tier", err)
			return
		}
		upd.Tier = &tier
	}

	u, err := h.Accounts.Update(r.Context(), billing.UserID(chi.URLParam(r, "id")), upd)
	if err != nil {
		writeBillingError(w, "Failed to update user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := billing.UserID(chi.URLParam(r, "id"))

	if _, err := h.Accounts.TopUp(ctx, id, req.AmountCents); err != nil {
		writeBillingError(w, "Failed to top up wallet", err)
		return
	}
	u, err := h.Store.FindWithSubscriptions(ctx, id)
	if err != nil {
		writeBillingError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := billing.UserID(chi.URLParam(r, "id"))

	u, err := h.Store.FindWithSubscriptions(r.Context(), id)
	if err != nil {
		writeBillingError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.UserID(chi.URLParam(r, "id"))

	if _, err := h.Store.FindByID(ctx, id); err != nil {
		writeBillingError(w, "Failed to get user", err)
		return
	}
	invs, err := h.Store.ListByUser(ctx, id)
	if err != nil {
		writeBillingError(w, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invs))
	for i, inv := range invs {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	userID := billing.UserID(chi.URLParam(r, "id"))
	invoiceID := billing.InvoiceID(chi.URLParam(r, "invoiceID"))

	inv, err := billing.InvoiceFor(r.Context(), h.Store, userID, invoiceID)
	if err != nil {
		writeBillingError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	userID := billing.UserID(chi.URLParam(r, "id"))

	cfg, err := h.Enrollment.Subscribe(r.Context(), userID, billing.ProductID(req.ProductID))
	if err != nil {
		writeBillingError(w, "Failed to subscribe", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConfigurationDTO(cfg))
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		writeBillingError(w, "Failed to list products", err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	p, err := h.Store.SaveProduct(r.Context(), billing.Product{
		ID:          billing.ProductID(req.ID),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeBillingError(w, "Failed to create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProduct(r.Context(), billing.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		writeBillingError(w, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// PerformAction bills the user and runs the product's registered performer.
func (h *Handler) PerformAction(w http.ResponseWriter, r *http.Request) {
	var req ProductActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	productID := billing.ProductID(chi.URLParam(r, "id"))

	receipt, err := h.Processor.Process(r.Context(), billing.UserID(req.UserID), productID, billing.StoryID(req.StoryID))
	if err != nil {
		writeBillingError(w, "Failed to perform product action", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	product, err := h.Store.GetProduct(ctx, billing.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		writeBillingError(w, "Failed to get product", err)
		return
	}
	user, err := h.Store.FindByID(ctx, billing.UserID(req.UserID))
	if err != nil {
		writeBillingError(w, "Failed to get user", err)
		return
	}

	receipt, err := h.Engine.Refund(ctx, user, product)
	if err != nil {
		writeBillingError(w, "Failed to refund", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required", nil)
		return
	}

	product, err := h.Store.GetProduct(ctx, billing.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		writeBillingError(w, "Failed to get product", err)
		return
	}
	user, err := h.Store.FindByID(ctx, billing.UserID(userID))
	if err != nil {
		writeBillingError(w, "Failed to get user", err)
		return
	}

	if err := h.Access.CheckAccess(ctx, user, product); err != nil {
		writeBillingError(w, "Access denied", err)
		return
	}
	writeJSON(w, http.StatusOK, AccessDTO{UserID: userID, ProductID: string(product.ID), Allowed: true})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Store.ListPayments(r.Context())
	if err != nil {
		writeBillingError(w, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req factory.PaymentJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	payment, err := h.Catalog.PaymentFromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment", err)
		return
	}
	saved, err := h.Store.SavePayment(r.Context(), payment)
	if err != nil {
		writeBillingError(w, "Failed to create payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(saved))
}

func (h *Handler) CreateConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req factory.ConfigurationJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tier, err := billing.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tier", err)
		return
	}
	product, err := h.Store.GetProduct(ctx, billing.ProductID(req.ProductID))
	if err != nil {
		writeBillingError(w, "Failed to get product", err)
		return
	}
	payment, err := h.Store.GetPayment(ctx, billing.PaymentID(req.PaymentID))
	if err != nil {
		writeBillingError(w, "Failed to get payment", err)
		return
	}

	cfg, err := h.Store.SaveConfiguration(ctx, billing.ProductConfiguration{
		ID:      billing.ConfigurationID(req.ID),
		Product: product,
		Tier:    tier,
		Payment: payment,
	})
	if err != nil {
		writeBillingError(w, "Failed to create configuration", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConfigurationDTO(cfg))
}

// =============================================================================
// DEMO HANDLERS
// =============================================================================

func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	if err := LoadDemoData(r.Context(), h.Store, h.Catalog); err != nil {
		writeBillingError(w, "Failed to load demo data", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetDatabase clears all data when the store supports it.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}
	if err := rs.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetStory(w http.ResponseWriter, r *http.Request) {
	if h.Stories == nil {
		writeError(w, http.StatusNotImplemented, "Stories are not available", nil)
		return
	}
	id := chi.URLParam(r, "id")
	featured, err := h.Stories.IsFeatured(r.Context(), billing.StoryID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get story", err)
		return
	}
	writeJSON(w, http.StatusOK, StoryDTO{ID: id, Featured: featured})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeBillingError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

// statusFor maps a billing error chain to an HTTP status.
func statusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, billing.ErrProductAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, billing.ErrAlreadySubscribed),
		errors.Is(err, billing.ErrConfigurationConflict),
		errors.Is(err, billing.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, billing.ErrInvalidAmount):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
