package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Merchant is the storefront's account at a gateway
type Merchant struct {
	ID                 int64     `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Gateway            string    `db:"gateway" json:"gateway"`
	ExternalMerchantID string    `db:"external_merchant_id" json:"external_merchant_id"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// Product represents a product in the catalog
type Product struct {
	ID          int64           `db:"id" json:"id"`
	Code        string          `db:"code" json:"code"`
	Name        string          `db:"name" json:"name"`
	Brand       string          `db:"brand" json:"brand"`
	Description string          `db:"description" json:"description"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Stock       int             `db:"stock" json:"stock"`
	Active      bool            `db:"active" json:"active"`
	Version     int64           `db:"version" json:"version"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order
type Order struct {
	ID              int64           `db:"id" json:"id"`
	UserID          string          `db:"user_id" json:"user_id"`
	ShippingAddress string          `db:"shipping_address" json:"shipping_address"`
	Phone           string          `db:"phone" json:"phone"`
	Total           decimal.Decimal `db:"total" json:"total"`
	Status          string          `db:"status" json:"status"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderLine is one product of an order with its price captured at order time
type OrderLine struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	Subtotal  decimal.Decimal `db:"subtotal" json:"subtotal"`
}

// Payment is one attempt to settle an order through a gateway
type Payment struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	MerchantID     int64           `db:"merchant_id" json:"merchant_id"`
	Gateway        string          `db:"gateway" json:"gateway"`
	Attempt        int             `db:"attempt" json:"attempt"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Status         string          `db:"status" json:"status"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	ExternalRef    string          `db:"external_ref" json:"external_ref,omitempty"`
	ExternalTxnID  string          `db:"external_txn_id" json:"external_txn_id,omitempty"`
	CheckoutURL    string          `db:"checkout_url" json:"checkout_url,omitempty"`
	FailureReason  string          `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// StockAdjustment is an append-only signed stock delta. For SALE and
// REVERSAL rows its existence marks the payment's effect as applied.
type StockAdjustment struct {
	ID            int64     `db:"id" json:"id"`
	OrderID       *int64    `db:"order_id" json:"order_id,omitempty"`
	PaymentID     *int64    `db:"payment_id" json:"payment_id,omitempty"`
	ProductID     int64     `db:"product_id" json:"product_id"`
	Kind          string    `db:"kind" json:"kind"`
	QuantityDelta int       `db:"quantity_delta" json:"quantity_delta"`
	Note          string    `db:"note" json:"note"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// WebhookLog keeps every inbound gateway payload verbatim
type WebhookLog struct {
	ID         int64     `db:"id" json:"id"`
	Gateway    string    `db:"gateway" json:"gateway"`
	PaymentID  *int64    `db:"payment_id" json:"payment_id,omitempty"`
	Payload    string    `db:"payload" json:"payload"`
	Headers    []byte    `db:"headers" json:"headers"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}

// Order statuses
const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusShipped   = "SHIPPED"
	OrderStatusDelivered = "DELIVERED"
	OrderStatusCancelled = "CANCELLED"
)

// OrderStatusRank orders statuses along the lifecycle. Every allowed
// transition moves to a strictly higher rank, so a lower rank is always
// older news. DELIVERED and CANCELLED share a rank; neither follows the other.
func OrderStatusRank(status string) int {
	switch status {
	case OrderStatusPending:
		return 0
	case OrderStatusConfirmed:
		return 1
	case OrderStatusShipped:
		return 2
	case OrderStatusDelivered, OrderStatusCancelled:
		return 3
	}
	return -1
}

// Payment statuses
const (
	PaymentStatusPending  = "PENDING"
	PaymentStatusApproved = "APROBADO"
	PaymentStatusDeclined = "RECHAZADO"
	PaymentStatusRefunded = "REFUNDED"
)

// Stock adjustment kinds
const (
	AdjustmentSale     = "SALE"
	AdjustmentReversal = "REVERSAL"
	AdjustmentManual   = "MANUAL"
)
