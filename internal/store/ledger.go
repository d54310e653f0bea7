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

// StockAdjustmentExists checks whether a payment's effect on a product was already recorded
func (q *Queries) StockAdjustmentExists(ctx context.Context, paymentID, productID int64, kind string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.ext, &exists,
		"SELECT EXISTS(SELECT 1 FROM stock_adjustments WHERE payment_id = $1 AND product_id = $2 AND kind = $3)",
		paymentID, productID, kind)
	return exists, err
}

// InsertStockAdjustment appends an adjustment. Rows tied to a payment are
// unique per (payment, product, kind); a duplicate is skipped and reported
// as inserted=false.
func (q *Queries) InsertStockAdjustment(ctx context.Context, adj *models.StockAdjustment) (bool, error) {
	query := `
		INSERT INTO stock_adjustments (order_id, payment_id, product_id, kind, quantity_delta, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_id, product_id, kind) WHERE payment_id IS NOT NULL DO NOTHING
		RETURNING id, created_at`

	err := sqlx.GetContext(ctx, q.ext, adj, query,
		adj.OrderID, adj.PaymentID, adj.ProductID, adj.Kind, adj.QuantityDelta, adj.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert stock adjustment: %w", err)
	}
	return true, nil
}

// GetStockAdjustmentsByPayment lists the adjustments recorded for a payment
func (q *Queries) GetStockAdjustmentsByPayment(ctx context.Context, paymentID int64) ([]models.StockAdjustment, error) {
	var adjustments []models.StockAdjustment
	err := sqlx.SelectContext(ctx, q.ext, &adjustments,
		"SELECT * FROM stock_adjustments WHERE payment_id = $1 ORDER BY id", paymentID)
	return adjustments, err
}

// GetStockAdjustmentsByProduct lists a product's audit trail
func (q *Queries) GetStockAdjustmentsByProduct(ctx context.Context, productID int64) ([]models.StockAdjustment, error) {
	var adjustments []models.StockAdjustment
	err := sqlx.SelectContext(ctx, q.ext, &adjustments,
		"SELECT * FROM stock_adjustments WHERE product_id = $1 ORDER BY id", productID)
	return adjustments, err
}

// InsertWebhookLog appends a raw inbound payload
func (q *Queries) InsertWebhookLog(ctx context.Context, log *models.WebhookLog) error {
	var headers interface{}
	if len(log.Headers) > 0 {
		headers = string(log.Headers)
	}

	query := `
		INSERT INTO webhook_logs (gateway, payment_id, payload, headers)
		VALUES ($1, $2, $3, $4)
		RETURNING id, received_at`

	return sqlx.GetContext(ctx, q.ext, log, query, log.Gateway, log.PaymentID, log.Payload, headers)
}

// AttachWebhookLogPayment links a logged payload to the payment it resolved to
func (q *Queries) AttachWebhookLogPayment(ctx context.Context, logID, paymentID int64) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE webhook_logs SET payment_id = $1 WHERE id = $2 AND payment_id IS NULL",
		paymentID, logID)
	return err
}

// GetWebhookLog retrieves a logged payload by ID
func (q *Queries) GetWebhookLog(ctx context.Context, id int64) (*models.WebhookLog, error) {
	var log models.WebhookLog
	err := sqlx.GetContext(ctx, q.ext, &log, "SELECT * FROM webhook_logs WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: webhook log %d", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}
