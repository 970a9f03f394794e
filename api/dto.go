/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Every amount is sent twice: integer cents ("*_cents") for machines and a
  two-decimal string for display.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: PaymentJSON, ConfigurationJSON request bodies
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID            string             `json:"id"`
	Username      string             `json:"username"`
	Email         string             `json:"email"`
	Tier          string             `json:"tier"`
	WalletCents   int64              `json:"wallet_cents"`
	Wallet        string             `json:"wallet"`
	Subscriptions []ConfigurationDTO `json:"subscriptions"`
	CreatedAt     string             `json:"created_at,omitempty"`
}

type CreateUserRequest struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	Tier        string `json:"tier"`
	WalletCents int64  `json:"wallet_cents"`
}

// UpdateUserRequest is a partial update; omitted fields are unchanged.
type UpdateUserRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Tier     *string `json:"tier,omitempty"`
}

type TopUpRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type SubscribeRequest struct {
	ProductID string `json:"product_id"`
}

// =============================================================================
// CATALOG
// =============================================================================

type ProductDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type CreateProductRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type PaymentDTO struct {
	ID                    string `json:"id"`
	Type                  string `json:"type"`
	PriceCents            int64  `json:"price_cents"`
	Price                 string `json:"price"`
	Description           string `json:"description,omitempty"`
	SubscriptionCostCents int64  `json:"subscription_cost_cents,omitempty"`
	SubscriptionCost      string `json:"subscription_cost,omitempty"`
}

type ConfigurationDTO struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	ProductName string     `json:"product_name"`
	Tier        string     `json:"tier"`
	Payment     PaymentDTO `json:"payment"`
}

// =============================================================================
// BILLING
// =============================================================================

type InvoiceDTO struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	PaymentID   string `json:"payment_id"`
	PaymentType string `json:"payment_type"`
	DateFrom    string `json:"date_from"`
	DateTo      string `json:"date_to"`
	AmountCents int64  `json:"amount_cents"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// ProductActionRequest asks to bill a user for one product action.
type ProductActionRequest struct {
	UserID  string `json:"user_id"`
	StoryID string `json:"story_id,omitempty"`
}

type RefundRequest struct {
	UserID string `json:"user_id"`
}

type ReceiptDTO struct {
	Invoice         InvoiceDTO `json:"invoice"`
	ConfigurationID string     `json:"configuration_id"`
	BalanceCents    int64      `json:"balance_cents"`
	Balance         string     `json:"balance"`
}

type AccessDTO struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Allowed   bool   `json:"allowed"`
}

type StoryDTO struct {
	ID       string `json:"id"`
	Featured bool   `json:"featured"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func toUserDTO(u billing.User) UserDTO {
	dto := UserDTO{
		ID:            string(u.ID),
		Username:      u.Username,
		Email:         u.Email,
		Tier:          string(u.Tier),
		WalletCents:   u.WalletCents,
		Wallet:        formatCents(u.WalletCents),
		Subscriptions: make([]ConfigurationDTO, len(u.Subscriptions)),
	}
	if !u.CreatedAt.IsZero() {
		dto.CreatedAt = u.CreatedAt.Format(time.RFC3339)
	}
	for i, cfg := range u.Subscriptions {
		dto.Subscriptions[i] = toConfigurationDTO(cfg)
	}
	return dto
}

func toProductDTO(p billing.Product) ProductDTO {
	return ProductDTO{ID: string(p.ID), Name: p.Name, Description: p.Description}
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	base := p.Base()
	dto := PaymentDTO{
		ID:          string(base.ID),
		Type:        string(p.Kind()),
		PriceCents:  base.PriceCents,
		Price:       formatCents(base.PriceCents),
		Description: base.Description,
	}
	if sub, ok := p.(billing.Subscription); ok {
		dto.SubscriptionCostCents = sub.SubscriptionCost
		dto.SubscriptionCost = formatCents(sub.SubscriptionCost)
	}
	return dto
}

func toConfigurationDTO(cfg billing.ProductConfiguration) ConfigurationDTO {
	dto := ConfigurationDTO{
		ID:          string(cfg.ID),
		ProductID:   string(cfg.Product.ID),
		ProductName: cfg.Product.Name,
		Tier:        string(cfg.Tier),
	}
	if cfg.Payment != nil {
		dto.Payment = toPaymentDTO(cfg.Payment)
	}
	return dto
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:          string(inv.ID),
		UserID:      string(inv.UserID),
		PaymentID:   string(inv.PaymentID),
		PaymentType: inv.PaymentType,
		DateFrom:    inv.DateFrom.Format("2006-01-02"),
		DateTo:      inv.DateTo.Format("2006-01-02"),
		AmountCents: inv.AmountCents,
		Amount:      formatCents(inv.AmountCents),
		Description: inv.Description,
		CreatedAt:   inv.CreatedAt.Format(time.RFC3339),
	}
}

func toReceiptDTO(r billing.Receipt) ReceiptDTO {
	return ReceiptDTO{
		Invoice:         toInvoiceDTO(r.Invoice),
		ConfigurationID: string(r.Configuration.ID),
		BalanceCents:    r.Balance,
		Balance:         formatCents(r.Balance),
	}
}
