package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertPayment inserts a payment unless its idempotency key already exists.
// On a key collision the stored row is returned with inserted=false.
func (q *Queries) InsertPayment(ctx context.Context, payment *models.Payment) (*models.Payment, bool, error) {
	query := `
		INSERT INTO payments (order_id, merchant_id, gateway, attempt, amount, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING *`

	var created models.Payment
	err := sqlx.GetContext(ctx, q.ext, &created, query,
		payment.OrderID, payment.MerchantID, payment.Gateway, payment.Attempt,
		payment.Amount, payment.Status, payment.IdempotencyKey)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}

	existing, err := q.GetPaymentByIdempotencyKey(ctx, payment.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("payment with key %s vanished after conflict", payment.IdempotencyKey)
	}
	return existing, false, nil
}

// GetPaymentByID retrieves a payment by ID
func (q *Queries) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	return q.getPayment(ctx, "SELECT * FROM payments WHERE id = $1", id)
}

// GetPaymentForUpdate retrieves a payment and locks its row until the
// surrounding transaction ends
func (q *Queries) GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	return q.getPayment(ctx, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", id)
}

func (q *Queries) getPayment(ctx context.Context, query string, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment %d", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByIdempotencyKey retrieves a payment by idempotency key
func (q *Queries) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	return q.findPayment(ctx, "SELECT * FROM payments WHERE idempotency_key = $1", key)
}

// GetPaymentByExternalRef retrieves the payment bound to a gateway session reference
func (q *Queries) GetPaymentByExternalRef(ctx context.Context, gateway, ref string) (*models.Payment, error) {
	if ref == "" {
		return nil, nil
	}
	return q.findPayment(ctx,
		"SELECT * FROM payments WHERE gateway = $1 AND external_ref = $2", gateway, ref)
}

// GetLatestPaymentForOrder retrieves the highest attempt for an order
func (q *Queries) GetLatestPaymentForOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	return q.findPayment(ctx,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY attempt DESC LIMIT 1", orderID)
}

func (q *Queries) findPayment(ctx context.Context, query string, args ...interface{}) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// SetPaymentSession stores the gateway session reference and redirect URL
func (q *Queries) SetPaymentSession(ctx context.Context, paymentID int64, ref, checkoutURL string) error {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE payments SET external_ref = $1, checkout_url = $2, updated_at = NOW() WHERE id = $3",
		ref, checkoutURL, paymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: payment %d", apperr.ErrNotFound, paymentID)
	}
	return nil
}

// TransitionPayment moves a payment from one status to another. It reports
// false when the payment was not in status `from`.
func (q *Queries) TransitionPayment(ctx context.Context, paymentID int64, from, to, externalTxnID, reason string) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
			external_txn_id = COALESCE(NULLIF($2, ''), external_txn_id),
			failure_reason = COALESCE(NULLIF($3, ''), failure_reason),
			updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		to, externalTxnID, reason, paymentID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
