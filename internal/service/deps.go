package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/spool"

	"go.uber.org/zap"
)

// EventPublisher is implemented by broker.EventPublisher
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error
	PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error
}

// WebhookDeduper remembers gateway events that were already processed.
// It is a fast path only; settlement stays idempotent without it.
type WebhookDeduper interface {
	WasProcessed(ctx context.Context, gateway, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, gateway, eventID string, ttl time.Duration) error
}

// WebhookSpool holds deliveries that could not be logged to the database
type WebhookSpool interface {
	Put(e *spool.Entry) error
	Range(fn func(e spool.Entry) error) error
	Delete(key string) error
}

// StatusCache keeps the latest order status with its owner
type StatusCache interface {
	SetOrderStatus(ctx context.Context, orderID int64, userID, status string, ttl time.Duration) error
	GetOrderStatus(ctx context.Context, orderID int64) (userID, status string, found bool, err error)
}

// StockMirror is a read-optimised copy of product stock
type StockMirror interface {
	SetStock(ctx context.Context, productID int64, stock int, version int64) (bool, error)
	GetStock(ctx context.Context, productID int64) (stock int, version int64, found bool, err error)
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error { return nil }
func (nopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}
func (nopPublisher) PublishPaymentSettled(context.Context, *models.PaymentSettledEvent) error {
	return nil
}
func (nopPublisher) PublishStockAdjusted(context.Context, *models.StockAdjustedEvent) error {
	return nil
}

func publisherOrNop(p EventPublisher) EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// cacheOrderStatus refreshes the status cache after a committed change. The
// cache drops statuses older than the one it holds, so callers need no
// ordering among themselves. Failures only cost a cache miss later.
func cacheOrderStatus(ctx context.Context, cache StatusCache, orderID int64, userID, status string, logger *zap.Logger) {
	if cache == nil {
		return
	}
	if err := cache.SetOrderStatus(ctx, orderID, userID, status, statusCacheTTL); err != nil {
		logger.Warn("Order status cache write failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}
