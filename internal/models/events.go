package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypePaymentSettled     = "PAYMENT_SETTLED"
	EventTypeStockAdjusted      = "STOCK_ADJUSTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when the assembler commits an order
type OrderCreatedEvent struct {
	BaseEvent
	OrderID int64           `json:"order_id"`
	UserID  string          `json:"user_id"`
	Total   decimal.Decimal `json:"total"`
	Lines   []OrderLineData `json:"lines"`
}

// OrderStatusChangedEvent published on every order status transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  string `json:"user_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// PaymentSettledEvent published when a payment reaches APROBADO, RECHAZADO or REFUNDED
type PaymentSettledEvent struct {
	BaseEvent
	PaymentID     int64           `json:"payment_id"`
	OrderID       int64           `json:"order_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	ExternalTxnID string          `json:"external_txn_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// StockAdjustedEvent carries the product's stock after an applied adjustment
type StockAdjustedEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	Delta     int   `json:"delta"`
	Stock     int   `json:"stock"`
	Version   int64 `json:"version"`
}

// OrderLineData represents line data in events
type OrderLineData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
