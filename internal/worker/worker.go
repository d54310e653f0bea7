package worker

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const orderStatusTTL = 24 * time.Hour

// messageSource is implemented by broker.Consumer
type messageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// NotificationWorker keeps the Redis read models in step with the ledger
// by consuming the events settlement publishes
type NotificationWorker struct {
	consumer     messageSource
	eventHandler *broker.EventHandler
	cache        service.StatusCache
	mirror       service.StockMirror
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(
	consumer messageSource,
	cache service.StatusCache,
	mirror service.StockMirror,
) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		cache:        cache,
		mirror:       mirror,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnOrderStatusChanged(w.handleOrderStatusChanged)
	w.eventHandler.OnPaymentSettled(w.handlePaymentSettled)
	w.eventHandler.OnStockAdjusted(w.handleStockAdjusted)
	return w
}

// Start consumes until ctx is cancelled
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	err := w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop closes the consumer
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	if w.cache == nil {
		return nil
	}
	if err := w.cache.SetOrderStatus(ctx, event.OrderID, event.UserID, event.To, orderStatusTTL); err != nil {
		return err
	}

	w.logger.Info("Order status cached",
		zap.Int64("order_id", event.OrderID),
		zap.String("from", event.From),
		zap.String("to", event.To))
	return nil
}

// handlePaymentSettled only records the outcome; the order status that
// follows from it arrives as its own event
func (w *NotificationWorker) handlePaymentSettled(_ context.Context, event *models.PaymentSettledEvent) error {
	w.logger.Info("Payment settled",
		zap.Int64("payment_id", event.PaymentID),
		zap.Int64("order_id", event.OrderID),
		zap.String("status", event.Status),
		zap.String("amount", event.Amount.StringFixed(2)))
	return nil
}

func (w *NotificationWorker) handleStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error {
	if w.mirror == nil {
		return nil
	}
	applied, err := w.mirror.SetStock(ctx, event.ProductID, event.Stock, event.Version)
	if err != nil {
		return err
	}
	if !applied {
		w.logger.Debug("Stale stock event skipped",
			zap.Int64("product_id", event.ProductID),
			zap.Int64("version", event.Version))
	}
	return nil
}

// spoolDrainer is implemented by service.WebhookService
type spoolDrainer interface {
	DrainSpool(ctx context.Context) (int, error)
}

// SpoolDrainer periodically moves webhooks spooled during a database
// outage into the webhook log
type SpoolDrainer struct {
	drainer  spoolDrainer
	interval time.Duration
	logger   *zap.Logger
}

// NewSpoolDrainer creates a drainer running every interval
func NewSpoolDrainer(drainer spoolDrainer, interval time.Duration) *SpoolDrainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SpoolDrainer{drainer: drainer, interval: interval, logger: util.GetLogger()}
}

// Start drains once immediately and then on every tick until ctx is cancelled
func (d *SpoolDrainer) Start(ctx context.Context) {
	d.logger.Info("Starting spool drainer", zap.Duration("interval", d.interval))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("Stopping spool drainer")
			return
		case <-ticker.C:
		}
	}
}

func (d *SpoolDrainer) drain(ctx context.Context) {
	n, err := d.drainer.DrainSpool(ctx)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("Spool drain stopped early", zap.Int("drained", n), zap.Error(err))
	}
}
