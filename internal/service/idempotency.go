package service

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

// IdempotencyKey derives the payment key for an order attempt: "ord-<id>" for
// the first attempt and "ord-<id>-<attempt>" for later ones.
func IdempotencyKey(orderID int64, attempt int) string {
	if attempt <= 1 {
		return fmt.Sprintf("ord-%d", orderID)
	}
	return fmt.Sprintf("ord-%d-%d", orderID, attempt)
}

// nextAttempt decides which attempt a checkout should use given the latest
// payment of the order. reuse is true when latest itself is that attempt.
// Only a declined payment opens a new attempt.
func nextAttempt(latest *models.Payment) (attempt int, reuse bool) {
	if latest == nil {
		return 1, false
	}
	if latest.Status == models.PaymentStatusDeclined {
		return latest.Attempt + 1, false
	}
	return latest.Attempt, true
}

// ensurePayment returns the payment the order should be settled through,
// creating it under the idempotency key if needed. Concurrent callers for
// the same attempt converge on one row.
func ensurePayment(ctx context.Context, repo store.Repository, order *models.Order, merchant *models.Merchant) (*models.Payment, error) {
	latest, err := repo.GetLatestPaymentForOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest payment: %w", err)
	}

	attempt, reuse := nextAttempt(latest)
	if reuse {
		return latest, nil
	}

	key := IdempotencyKey(order.ID, attempt)
	payment, _, err := repo.InsertPayment(ctx, &models.Payment{
		OrderID:        order.ID,
		MerchantID:     merchant.ID,
		Gateway:        merchant.Gateway,
		Attempt:        attempt,
		Amount:         order.Total,
		Status:         models.PaymentStatusPending,
		IdempotencyKey: key,
	})
	if err == nil {
		return payment, nil
	}
	if !store.IsUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	existing, lookupErr := repo.GetPaymentByIdempotencyKey(ctx, key)
	if lookupErr != nil || existing == nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return existing, nil
}
