package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func stamp(base *models.BaseEvent, eventType string) {
	if base.EventID == "" {
		base.EventID = uuid.NewString()
	}
	base.EventType = eventType
	if base.Timestamp.IsZero() {
		base.Timestamp = time.Now().UTC()
	}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeOrderCreated)
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%d", event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeOrderStatusChanged)
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%d", event.OrderID), event)
}

// PublishPaymentSettled publishes PaymentSettled event
func (ep *EventPublisher) PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error {
	stamp(&event.BaseEvent, models.EventTypePaymentSettled)
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%d", event.OrderID), event)
}

// PublishStockAdjusted publishes StockAdjusted event, keyed by product so a
// product's updates stay in one partition
func (ep *EventPublisher) PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error {
	stamp(&event.BaseEvent, models.EventTypeStockAdjusted)
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("product-%d", event.ProductID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderStatusChanged func(context.Context, *models.OrderStatusChangedEvent) error
	onPaymentSettled     func(context.Context, *models.PaymentSettledEvent) error
	onStockAdjusted      func(context.Context, *models.StockAdjustedEvent) error
	logger               *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderStatusChanged registers a handler for OrderStatusChanged events
func (eh *EventHandler) OnOrderStatusChanged(handler func(context.Context, *models.OrderStatusChangedEvent) error) {
	eh.onOrderStatusChanged = handler
}

// OnPaymentSettled registers a handler for PaymentSettled events
func (eh *EventHandler) OnPaymentSettled(handler func(context.Context, *models.PaymentSettledEvent) error) {
	eh.onPaymentSettled = handler
}

// OnStockAdjusted registers a handler for StockAdjusted events
func (eh *EventHandler) OnStockAdjusted(handler func(context.Context, *models.StockAdjustedEvent) error) {
	eh.onStockAdjusted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderStatusChanged:
		if eh.onOrderStatusChanged != nil {
			var event models.OrderStatusChangedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderStatusChanged event: %w", err)
			}
			return eh.onOrderStatusChanged(ctx, &event)
		}

	case models.EventTypePaymentSettled:
		if eh.onPaymentSettled != nil {
			var event models.PaymentSettledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentSettled event: %w", err)
			}
			return eh.onPaymentSettled(ctx, &event)
		}

	case models.EventTypeStockAdjusted:
		if eh.onStockAdjusted != nil {
			var event models.StockAdjustedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockAdjusted event: %w", err)
			}
			return eh.onStockAdjusted(ctx, &event)
		}

	case models.EventTypeOrderCreated:
		// nothing consumes these here

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
