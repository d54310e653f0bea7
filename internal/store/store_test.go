package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentColumns = []string{
	"id", "order_id", "merchant_id", "gateway", "attempt", "amount", "status", "idempotency_key",
	"external_ref", "external_txn_id", "checkout_url", "failure_reason", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestApplyStockDelta(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE products").
		WithArgs(-2, int64(7), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WithArgs(-2, int64(7), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := store.ApplyStockDelta(ctx, 7, -2, 3)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.ApplyStockDelta(ctx, 7, -2, 3)
	require.NoError(t, err)
	assert.False(t, applied, "stale version must not apply")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPayment_Created(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (idempotency_key) DO NOTHING")).
		WithArgs(int64(42), int64(1), "batzir", 1, sqlmock.AnyArg(), models.PaymentStatusPending, "ord-42").
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow(10, 42, 1, "batzir", 1, "150.00", "PENDING", "ord-42", "", "", "", "", now, now))

	payment, inserted, err := store.InsertPayment(context.Background(), &models.Payment{
		OrderID:        42,
		MerchantID:     1,
		Gateway:        "batzir",
		Attempt:        1,
		Amount:         decimal.RequireFromString("150.00"),
		Status:         models.PaymentStatusPending,
		IdempotencyKey: "ord-42",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(10), payment.ID)
	assert.True(t, payment.Amount.Equal(decimal.NewFromInt(150)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPayment_ReturnsExistingOnKeyCollision(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO payments").
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM payments WHERE idempotency_key = $1")).
		WithArgs("ord-42").
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow(10, 42, 1, "batzir", 1, "150.00", "PENDING", "ord-42", "cs_1", "", "https://pay/cs_1", "", now, now))

	payment, inserted, err := store.InsertPayment(context.Background(), &models.Payment{
		OrderID:        42,
		MerchantID:     1,
		Gateway:        "batzir",
		Attempt:        1,
		Amount:         decimal.RequireFromString("150.00"),
		Status:         models.PaymentStatusPending,
		IdempotencyKey: "ord-42",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(10), payment.ID)
	assert.Equal(t, "cs_1", payment.ExternalRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionPayment_GuardedByCurrentStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $4 AND status = $5")).
		WithArgs(models.PaymentStatusApproved, "txn-1", "", int64(10), models.PaymentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := store.TransitionPayment(context.Background(), 10,
		models.PaymentStatusPending, models.PaymentStatusApproved, "txn-1", "")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderByID_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM orders WHERE id = $1")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetOrderByID(context.Background(), 99)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetPaymentByExternalRef_Missing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM payments WHERE gateway = \\$1 AND external_ref = \\$2").
		WithArgs("batzir", "cs_unknown").
		WillReturnRows(sqlmock.NewRows(paymentColumns))

	payment, err := store.GetPaymentByExternalRef(context.Background(), "batzir", "cs_unknown")
	require.NoError(t, err)
	assert.Nil(t, payment)

	payment, err = store.GetPaymentByExternalRef(context.Background(), "batzir", "")
	require.NoError(t, err)
	assert.Nil(t, payment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertStockAdjustment_SkipsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	paymentID, orderID := int64(10), int64(42)

	mock.ExpectQuery("INSERT INTO stock_adjustments").
		WithArgs(orderID, paymentID, int64(7), models.AdjustmentSale, -2, "sale").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
	mock.ExpectQuery("INSERT INTO stock_adjustments").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

	adj := &models.StockAdjustment{
		OrderID: &orderID, PaymentID: &paymentID, ProductID: 7,
		Kind: models.AdjustmentSale, QuantityDelta: -2, Note: "sale",
	}
	inserted, err := store.InsertStockAdjustment(context.Background(), adj)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), adj.ID)

	inserted, err = store.InsertStockAdjustment(context.Background(), &models.StockAdjustment{
		OrderID: &orderID, PaymentID: &paymentID, ProductID: 7,
		Kind: models.AdjustmentSale, QuantityDelta: -2, Note: "sale",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWebhookLog_HeadersSentAsText(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO webhook_logs").
		WithArgs("batzir", sqlmock.AnyArg(), `{"id":"evt_1"}`, `{"X-Batzir-Signature":"sha256=ab"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at"}).AddRow(5, time.Now()))

	log := &models.WebhookLog{
		Gateway: "batzir",
		Payload: `{"id":"evt_1"}`,
		Headers: []byte(`{"X-Batzir-Signature":"sha256=ab"}`),
	}
	require.NoError(t, store.InsertWebhookLog(context.Background(), log))
	assert.Equal(t, int64(5), log.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_CommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(models.OrderStatusConfirmed, int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RunInTx(context.Background(), func(repo Repository) error {
		changed, err := repo.UpdateOrderStatus(context.Background(), 42,
			[]string{models.OrderStatusPending}, models.OrderStatusConfirmed)
		if err != nil {
			return err
		}
		assert.True(t, changed)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.RunInTx(context.Background(), func(repo Repository) error {
		if _, err := repo.TransitionPayment(context.Background(), 10,
			models.PaymentStatusPending, models.PaymentStatusApproved, "txn-1", ""); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProductsByIDs_Empty(t *testing.T) {
	store, mock := newMockStore(t)

	products, err := store.GetProductsByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, products)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}
