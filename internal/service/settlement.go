package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// DefaultStockRetryLimit bounds optimistic stock update attempts per product
const DefaultStockRetryLimit = 5

// SettlementEngine drives the payment state machine
//
//	PENDING --approve--> APROBADO --refund--> REFUNDED
//	PENDING --decline--> RECHAZADO
//
// and applies each payment's stock effect exactly once, in the same
// transaction as the status change.
type SettlementEngine struct {
	ledger     store.Ledger
	publisher  EventPublisher
	cache      StatusCache
	retryLimit int
	logger     *zap.Logger
}

// NewSettlementEngine creates a settlement engine. cache may be nil.
func NewSettlementEngine(ledger store.Ledger, publisher EventPublisher, cache StatusCache, retryLimit int) *SettlementEngine {
	if retryLimit <= 0 {
		retryLimit = DefaultStockRetryLimit
	}
	return &SettlementEngine{
		ledger:     ledger,
		publisher:  publisherOrNop(publisher),
		cache:      cache,
		retryLimit: retryLimit,
		logger:     util.GetLogger(),
	}
}

// Outcome reports the payment after a settlement call and whether this call
// changed it. Applied is false for an idempotent repeat.
type Outcome struct {
	Payment *models.Payment `json:"payment"`
	Applied bool            `json:"applied"`
}

// settlement collects what a committed transaction needs to announce
type settlement struct {
	payment     *models.Payment
	order       *models.Order
	orderFrom   string
	orderTo     string
	stockEvents []models.StockAdjustedEvent
	applied     bool
}

// Approve marks a PENDING payment APROBADO, decrements stock for every
// ordered product and confirms the order. Approving an APROBADO payment is a
// no-op; any other status is an invalid transition.
func (e *SettlementEngine) Approve(ctx context.Context, paymentID int64, externalTxnID string) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.Approve")
	defer span.End()

	start := time.Now()
	var res settlement

	err := e.ledger.RunInTx(ctx, func(repo store.Repository) error {
		res = settlement{}
		payment, err := repo.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}

		switch payment.Status {
		case models.PaymentStatusApproved:
			res.payment = payment
			return nil
		case models.PaymentStatusPending:
		default:
			return fmt.Errorf("%w: payment %d is %s, cannot approve", apperr.ErrInvalidTransition, paymentID, payment.Status)
		}

		if err := e.transition(ctx, repo, payment, models.PaymentStatusApproved, externalTxnID, ""); err != nil {
			return err
		}

		lines, err := repo.GetOrderLines(ctx, payment.OrderID)
		if err != nil {
			return fmt.Errorf("failed to get order lines: %w", err)
		}
		quantities := make(map[int64]int, len(lines))
		for _, line := range lines {
			quantities[line.ProductID] += line.Quantity
		}

		res.stockEvents, err = e.applyStock(ctx, repo, payment, quantities, models.AdjustmentSale)
		if err != nil {
			return err
		}

		res.order, err = repo.GetOrderByID(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		changed, err := repo.UpdateOrderStatus(ctx, payment.OrderID,
			[]string{models.OrderStatusPending}, models.OrderStatusConfirmed)
		if err != nil {
			return fmt.Errorf("failed to confirm order: %w", err)
		}
		if changed {
			res.orderFrom, res.orderTo = res.order.Status, models.OrderStatusConfirmed
		} else {
			e.logger.Warn("Payment approved for an order no longer pending",
				zap.Int64("payment_id", paymentID),
				zap.Int64("order_id", payment.OrderID),
				zap.String("order_status", res.order.Status))
		}

		res.payment, err = repo.GetPaymentByID(ctx, paymentID)
		res.applied = true
		return err
	})
	util.SettlementLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		util.RecordError(ctx, err)
		e.failed(paymentID, "approve", err)
		return nil, err
	}
	return e.finish(ctx, &res), nil
}

// Decline marks a PENDING payment RECHAZADO. Stock is untouched and the
// order stays PENDING so a new attempt can be started.
func (e *SettlementEngine) Decline(ctx context.Context, paymentID int64, reason string) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.Decline")
	defer span.End()

	var res settlement
	err := e.ledger.RunInTx(ctx, func(repo store.Repository) error {
		res = settlement{}
		payment, err := repo.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}

		switch payment.Status {
		case models.PaymentStatusDeclined:
			res.payment = payment
			return nil
		case models.PaymentStatusPending:
		default:
			return fmt.Errorf("%w: payment %d is %s, cannot decline", apperr.ErrInvalidTransition, paymentID, payment.Status)
		}

		if reason == "" {
			reason = "declined by gateway"
		}
		if err := e.transition(ctx, repo, payment, models.PaymentStatusDeclined, "", reason); err != nil {
			return err
		}

		res.payment, err = repo.GetPaymentByID(ctx, paymentID)
		res.applied = true
		return err
	})
	if err != nil {
		e.failed(paymentID, "decline", err)
		return nil, err
	}
	return e.finish(ctx, &res), nil
}

// Refund reverses an APROBADO payment: every SALE adjustment recorded for it
// is mirrored by a REVERSAL and the stock is given back.
func (e *SettlementEngine) Refund(ctx context.Context, paymentID int64, reason string) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.Refund")
	defer span.End()

	var res settlement
	err := e.ledger.RunInTx(ctx, func(repo store.Repository) error {
		res = settlement{}
		payment, err := repo.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusApproved {
			return fmt.Errorf("%w: payment %d is %s, cannot refund", apperr.ErrInvalidTransition, paymentID, payment.Status)
		}

		if err := e.transition(ctx, repo, payment, models.PaymentStatusRefunded, "", reason); err != nil {
			return err
		}

		sales, err := repo.GetStockAdjustmentsByPayment(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("failed to get stock adjustments: %w", err)
		}
		quantities := make(map[int64]int)
		for _, adj := range sales {
			if adj.Kind == models.AdjustmentSale {
				quantities[adj.ProductID] += -adj.QuantityDelta
			}
		}

		res.stockEvents, err = e.applyStock(ctx, repo, payment, quantities, models.AdjustmentReversal)
		if err != nil {
			return err
		}

		res.payment, err = repo.GetPaymentByID(ctx, paymentID)
		res.applied = true
		return err
	})
	if err != nil {
		e.failed(paymentID, "refund", err)
		return nil, err
	}
	return e.finish(ctx, &res), nil
}

func (e *SettlementEngine) transition(ctx context.Context, repo store.Repository, payment *models.Payment, to, externalTxnID, reason string) error {
	changed, err := repo.TransitionPayment(ctx, payment.ID, payment.Status, to, externalTxnID, reason)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	if !changed {
		return fmt.Errorf("%w: payment %d left %s concurrently", apperr.ErrConflict, payment.ID, payment.Status)
	}
	return nil
}

// applyStock records one adjustment per product for the payment and moves
// the product's stock by the same amount. A product whose adjustment of this
// kind already exists is skipped. Products are visited in id order.
func (e *SettlementEngine) applyStock(ctx context.Context, repo store.Repository, payment *models.Payment, quantities map[int64]int, kind string) ([]models.StockAdjustedEvent, error) {
	productIDs := make([]int64, 0, len(quantities))
	for id, qty := range quantities {
		if qty > 0 {
			productIDs = append(productIDs, id)
		}
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	var events []models.StockAdjustedEvent
	for _, productID := range productIDs {
		exists, err := repo.StockAdjustmentExists(ctx, payment.ID, productID, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to check stock adjustment: %w", err)
		}
		if exists {
			e.logger.Info("Stock already applied, skipping",
				zap.Int64("payment_id", payment.ID),
				zap.Int64("product_id", productID),
				zap.String("kind", kind))
			continue
		}

		delta := quantities[productID]
		note := fmt.Sprintf("payment %d refunded", payment.ID)
		if kind == models.AdjustmentSale {
			delta = -delta
			note = fmt.Sprintf("payment %d approved", payment.ID)
		}

		orderID, paymentID := payment.OrderID, payment.ID
		inserted, err := repo.InsertStockAdjustment(ctx, &models.StockAdjustment{
			OrderID:       &orderID,
			PaymentID:     &paymentID,
			ProductID:     productID,
			Kind:          kind,
			QuantityDelta: delta,
			Note:          note,
		})
		if err != nil {
			return nil, err
		}
		if !inserted {
			continue
		}

		event, err := moveStock(ctx, repo, productID, delta, e.retryLimit, e.logger)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, nil
}

// moveStock applies delta with the product's version as guard, re-reading
// and retrying on conflict up to the retry limit
func moveStock(ctx context.Context, repo store.Repository, productID int64, delta, retryLimit int, logger *zap.Logger) (*models.StockAdjustedEvent, error) {
	for attempt := 1; ; attempt++ {
		product, err := repo.GetProductByID(ctx, productID)
		if err != nil {
			return nil, err
		}
		if product.Stock+delta < 0 {
			return nil, fmt.Errorf("%w: product %d has %d units, %d needed",
				apperr.ErrOutOfStock, productID, product.Stock, -delta)
		}

		ok, err := repo.ApplyStockDelta(ctx, productID, delta, product.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			return &models.StockAdjustedEvent{
				ProductID: productID,
				Delta:     delta,
				Stock:     product.Stock + delta,
				Version:   product.Version + 1,
			}, nil
		}

		if attempt >= retryLimit {
			return nil, fmt.Errorf("%w: stock of product %d kept changing after %d attempts",
				apperr.ErrConflict, productID, attempt)
		}
		util.StockConflictRetriesTotal.Inc()
		logger.Debug("Stock version conflict, retrying",
			zap.Int64("product_id", productID),
			zap.Int("attempt", attempt))
	}
}

func (e *SettlementEngine) failed(paymentID int64, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrInvalidTransition):
		util.SettlementFailedTotal.WithLabelValues("invalid_transition").Inc()
		e.logger.Warn("Rejected payment transition",
			zap.Int64("payment_id", paymentID), zap.String("op", op), zap.Error(err))
	case errors.Is(err, apperr.ErrNotFound):
		util.SettlementFailedTotal.WithLabelValues("not_found").Inc()
	case errors.Is(err, apperr.ErrOutOfStock):
		// the gateway captured money we cannot fulfil; the payment stays
		// PENDING until an operator resolves it
		util.SettlementFailedTotal.WithLabelValues("out_of_stock").Inc()
		e.logger.Error("Payment cannot be settled: insufficient stock",
			zap.Int64("payment_id", paymentID), zap.String("op", op), zap.Error(err))
	default:
		util.SettlementFailedTotal.WithLabelValues("error").Inc()
		e.logger.Error("Settlement failed",
			zap.Int64("payment_id", paymentID), zap.String("op", op), zap.Error(err))
	}
}

// finish records metrics and publishes events for a committed settlement
func (e *SettlementEngine) finish(ctx context.Context, res *settlement) *Outcome {
	payment := res.payment
	if !res.applied {
		util.SettlementDuplicatesTotal.WithLabelValues(payment.Status).Inc()
		e.logger.Info("Settlement already applied",
			zap.Int64("payment_id", payment.ID),
			zap.String("status", payment.Status))
		return &Outcome{Payment: payment, Applied: false}
	}

	util.PaymentsSettledTotal.WithLabelValues(payment.Status).Inc()
	e.logger.Info("Payment settled",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("status", payment.Status),
		zap.Int("stock_adjustments", len(res.stockEvents)))

	if err := e.publisher.PublishPaymentSettled(ctx, &models.PaymentSettledEvent{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		Status:        payment.Status,
		Amount:        payment.Amount,
		ExternalTxnID: payment.ExternalTxnID,
		Reason:        payment.FailureReason,
	}); err != nil {
		e.logger.Error("Failed to publish PaymentSettled event", zap.Error(err))
	}

	if res.orderTo != "" {
		util.OrderStatusTransitionsTotal.WithLabelValues(res.orderTo).Inc()
		cacheOrderStatus(ctx, e.cache, res.order.ID, res.order.UserID, res.orderTo, e.logger)
		if err := e.publisher.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
			OrderID: res.order.ID,
			UserID:  res.order.UserID,
			From:    res.orderFrom,
			To:      res.orderTo,
		}); err != nil {
			e.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
		}
	}

	for i := range res.stockEvents {
		if err := e.publisher.PublishStockAdjusted(ctx, &res.stockEvents[i]); err != nil {
			e.logger.Error("Failed to publish StockAdjusted event", zap.Error(err))
		}
	}

	return &Outcome{Payment: payment, Applied: true}
}
