package service

import (
	"fmt"
	"sync"
	"testing"

	"checkout-service/internal/apperr"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		orderID int64
		attempt int
		want    string
	}{
		{orderID: 42, attempt: 1, want: "ord-42"},
		{orderID: 42, attempt: 0, want: "ord-42"},
		{orderID: 42, attempt: 2, want: "ord-42-2"},
		{orderID: 7, attempt: 11, want: "ord-7-11"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IdempotencyKey(tt.orderID, tt.attempt))
	}
}

func TestNextAttempt(t *testing.T) {
	tests := []struct {
		name        string
		latest      *models.Payment
		wantAttempt int
		wantReuse   bool
	}{
		{name: "no payment", latest: nil, wantAttempt: 1},
		{name: "pending", latest: &models.Payment{Attempt: 1, Status: models.PaymentStatusPending}, wantAttempt: 1, wantReuse: true},
		{name: "approved", latest: &models.Payment{Attempt: 2, Status: models.PaymentStatusApproved}, wantAttempt: 2, wantReuse: true},
		{name: "refunded", latest: &models.Payment{Attempt: 1, Status: models.PaymentStatusRefunded}, wantAttempt: 1, wantReuse: true},
		{name: "declined", latest: &models.Payment{Attempt: 1, Status: models.PaymentStatusDeclined}, wantAttempt: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt, reuse := nextAttempt(tt.latest)
			assert.Equal(t, tt.wantAttempt, attempt)
			assert.Equal(t, tt.wantReuse, reuse)
		})
	}
}

func TestEnsurePayment_ConcurrentCallersShareOneRow(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "3.00", 10)
	resp := f.order(t, testUser, item(p.ID, 1))

	order, err := f.ledger.GetOrderByID(f.ctx, resp.OrderID)
	require.NoError(t, err)
	merchant, err := f.ledger.GetMerchantByGateway(f.ctx, fakeCode)
	require.NoError(t, err)

	const callers = 20
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payment, err := ensurePayment(f.ctx, f.ledger, order, merchant)
			if assert.NoError(t, err) {
				ids[i] = payment.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	latest, err := f.ledger.GetLatestPaymentForOrder(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("ord-%d", order.ID), latest.IdempotencyKey)
}

func TestStartCheckout_CreatesSessionOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "12.00", 10)
	order := f.order(t, testUser, item(p.ID, 2))
	req := &StartCheckoutRequest{UserID: testUser, OrderID: order.OrderID, Gateway: fakeCode}

	first, err := f.checkout.StartCheckout(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("ord-%d", order.OrderID), first.IdempotencyKey)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, models.PaymentStatusPending, first.Status)
	assert.Equal(t, "GTQ", first.Currency)
	assert.True(t, order.Total.Equal(first.Amount))
	assert.NotEmpty(t, first.CheckoutURL)

	stored, err := f.ledger.GetPaymentByID(f.ctx, first.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("sess-%d", first.PaymentID), stored.ExternalRef)
	assert.Equal(t, first.CheckoutURL, stored.CheckoutURL)

	second, err := f.checkout.StartCheckout(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.CheckoutURL, second.CheckoutURL)
	assert.Equal(t, 1, f.fake.sessionCalls())
}

func TestStartCheckout_NewAttemptAfterDecline(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "12.00", 10)
	payment := f.pendingPayment(t, item(p.ID, 1))

	_, err := f.settlement.Decline(f.ctx, payment.ID, "insufficient funds")
	require.NoError(t, err)

	resp, err := f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{
		UserID: testUser, OrderID: payment.OrderID, Gateway: fakeCode,
	})
	require.NoError(t, err)
	assert.NotEqual(t, payment.ID, resp.PaymentID)
	assert.Equal(t, 2, resp.Attempt)
	assert.Equal(t, fmt.Sprintf("ord-%d-2", payment.OrderID), resp.IdempotencyKey)
	assert.Equal(t, models.OrderStatusPending, f.orderStatus(t, payment.OrderID))
}

func TestStartCheckout_PendingPaymentBoundToOtherGateway(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "12.00", 10)
	payment := f.pendingPayment(t, item(p.ID, 1))

	_, err := f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{
		UserID: testUser, OrderID: payment.OrderID, Gateway: gateway.TikalCode,
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStartCheckout_SyncGatewayReturnsWidget(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "12.00", 10)
	order := f.order(t, testUser, item(p.ID, 1))

	resp, err := f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{
		UserID: testUser, OrderID: order.OrderID, Gateway: gateway.TikalCode,
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.DefaultTikalMerchantID, resp.WidgetMerchantID)
	assert.Empty(t, resp.CheckoutURL)

	stored, err := f.ledger.GetPaymentByID(f.ctx, resp.PaymentID)
	require.NoError(t, err)
	assert.Empty(t, stored.ExternalRef)
}

func TestStartCheckout_Rejections(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "12.00", 10)
	order := f.order(t, testUser, item(p.ID, 1))

	_, err := f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{UserID: otherUser, OrderID: order.OrderID, Gateway: fakeCode})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{UserID: testUser, OrderID: order.OrderID, Gateway: "paypal"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{UserID: testUser, OrderID: 999999, Gateway: fakeCode})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	latest, err := f.ledger.GetLatestPaymentForOrder(f.ctx, order.OrderID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStartCheckout_GatewayUnavailableKeepsPayment(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "12.00", 10)
	order := f.order(t, testUser, item(p.ID, 1))
	req := &StartCheckoutRequest{UserID: testUser, OrderID: order.OrderID, Gateway: fakeCode}

	f.fake.fail(fmt.Errorf("%w: timeout", apperr.ErrGatewayUnavailable))
	_, err := f.checkout.StartCheckout(f.ctx, req)
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)

	pending, err := f.ledger.GetLatestPaymentForOrder(f.ctx, order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, models.PaymentStatusPending, pending.Status)
	assert.Empty(t, pending.ExternalRef)

	f.fake.fail(nil)
	resp, err := f.checkout.StartCheckout(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, resp.PaymentID)
	assert.Equal(t, pending.IdempotencyKey, resp.IdempotencyKey)
	assert.Equal(t, 2, f.fake.sessionCalls())
}

func TestStartCheckout_ApprovedOrderReturnsPayment(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "12.00", 10)
	payment := f.pendingPayment(t, item(p.ID, 1))

	_, err := f.settlement.Approve(f.ctx, payment.ID, "txn-1")
	require.NoError(t, err)

	resp, err := f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{
		UserID: testUser, OrderID: payment.OrderID, Gateway: fakeCode,
	})
	require.NoError(t, err)
	assert.Equal(t, payment.ID, resp.PaymentID)
	assert.Equal(t, models.PaymentStatusApproved, resp.Status)
	assert.Equal(t, 1, f.fake.sessionCalls())
}
