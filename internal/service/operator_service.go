package service

import (
	"context"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// orderTransitions lists, per target status, the statuses an operator may
// move an order from
var orderTransitions = map[string][]string{
	models.OrderStatusShipped:   {models.OrderStatusConfirmed},
	models.OrderStatusDelivered: {models.OrderStatusShipped},
	models.OrderStatusCancelled: {models.OrderStatusPending, models.OrderStatusConfirmed},
}

// OperatorService runs back-office actions on orders and payments
type OperatorService struct {
	ledger     store.Ledger
	settlement *SettlementEngine
	publisher  EventPublisher
	cache      StatusCache
	logger     *zap.Logger
}

// NewOperatorService creates an operator service. cache may be nil.
func NewOperatorService(ledger store.Ledger, settlement *SettlementEngine, publisher EventPublisher, cache StatusCache) *OperatorService {
	return &OperatorService{
		ledger:     ledger,
		settlement: settlement,
		publisher:  publisherOrNop(publisher),
		cache:      cache,
		logger:     util.GetLogger(),
	}
}

// UpdateOrderStatusRequest moves an order along its lifecycle
type UpdateOrderStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// UpdateOrderStatus moves an order forward or cancels it. Cancelling an
// order whose latest payment is APROBADO refunds that payment first, which
// gives the stock back.
func (s *OperatorService) UpdateOrderStatus(ctx context.Context, orderID int64, req *UpdateOrderStatusRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OperatorService.UpdateOrderStatus")
	defer span.End()

	from, ok := orderTransitions[req.Status]
	if !ok {
		return nil, fmt.Errorf("%w: orders cannot be moved to %q", apperr.ErrInvalidTransition, req.Status)
	}

	order, err := s.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !contains(from, order.Status) {
		return nil, fmt.Errorf("%w: order %d is %s, cannot move to %s",
			apperr.ErrInvalidTransition, orderID, order.Status, req.Status)
	}

	if req.Status == models.OrderStatusCancelled {
		if err := s.refundLatest(ctx, order, req.Reason); err != nil {
			return nil, err
		}
	}

	changed, err := s.ledger.UpdateOrderStatus(ctx, orderID, from, req.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	if !changed {
		return nil, fmt.Errorf("%w: order %d changed concurrently", apperr.ErrConflict, orderID)
	}

	previous := order.Status
	order, err = s.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(order.Status).Inc()
	cacheOrderStatus(ctx, s.cache, order.ID, order.UserID, order.Status, s.logger)
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", previous),
		zap.String("to", order.Status))

	if err := s.publisher.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		From:    previous,
		To:      order.Status,
	}); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
	return order, nil
}

func (s *OperatorService) refundLatest(ctx context.Context, order *models.Order, reason string) error {
	latest, err := s.ledger.GetLatestPaymentForOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}
	if latest == nil || latest.Status != models.PaymentStatusApproved {
		return nil
	}

	if reason == "" {
		reason = "order cancelled"
	}
	s.logger.Info("Refunding payment of cancelled order",
		zap.Int64("order_id", order.ID), zap.Int64("payment_id", latest.ID))
	_, err = s.settlement.Refund(ctx, latest.ID, reason)
	return err
}

// RefundRequest carries an optional refund reason
type RefundRequest struct {
	Reason string `json:"reason"`
}

// RefundPayment reverses an approved payment and returns its stock
func (s *OperatorService) RefundPayment(ctx context.Context, paymentID int64, reason string) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "OperatorService.RefundPayment")
	defer span.End()

	if reason == "" {
		reason = "refunded by operator"
	}
	return s.settlement.Refund(ctx, paymentID, reason)
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
