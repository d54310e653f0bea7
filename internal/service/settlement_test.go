package service

import (
	"context"
	"sync"
	"testing"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/store/memory"
	"checkout-service/internal/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprove_AppliesStockAndConfirmsOrder(t *testing.T) {
	f := newFixture(t)
	shirt := f.product(t, "CAM-01", "10.00", 10)
	hat := f.product(t, "GOR-01", "5.00", 4)
	payment := f.pendingPayment(t, item(shirt.ID, 3), item(hat.ID, 1))

	outcome, err := f.settlement.Approve(f.ctx, payment.ID, "txn-123")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, models.PaymentStatusApproved, outcome.Payment.Status)
	assert.Equal(t, "txn-123", outcome.Payment.ExternalTxnID)

	assert.Equal(t, 7, f.stockOf(t, shirt.ID))
	assert.Equal(t, 3, f.stockOf(t, hat.ID))
	assert.Equal(t, models.OrderStatusConfirmed, f.orderStatus(t, payment.OrderID))

	adjustments, err := f.ledger.GetStockAdjustmentsByPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 2)
	for _, adj := range adjustments {
		assert.Equal(t, models.AdjustmentSale, adj.Kind)
		assert.Less(t, adj.QuantityDelta, 0)
	}

	require.Len(t, f.publisher.settled, 1)
	require.Len(t, f.publisher.status, 1)
	assert.Equal(t, models.OrderStatusConfirmed, f.publisher.status[0].To)
	assert.Equal(t, testUser, f.publisher.status[0].UserID)
	assert.Len(t, f.publisher.stock, 2)
}

func TestApprove_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 10)
	payment := f.pendingPayment(t, item(p.ID, 2))

	_, err := f.settlement.Approve(f.ctx, payment.ID, "txn-1")
	require.NoError(t, err)

	again, err := f.settlement.Approve(f.ctx, payment.ID, "txn-1")
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, models.PaymentStatusApproved, again.Payment.Status)

	assert.Equal(t, 8, f.stockOf(t, p.ID))
	adjustments, err := f.ledger.GetStockAdjustmentsByProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, adjustments, 1)
	assert.Equal(t, 1, f.publisher.settledCount())
}

func TestApprove_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 10)
	payment := f.pendingPayment(t, item(p.ID, 2))

	const deliveries = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.settlement.Approve(f.ctx, payment.ID, "txn-1")
			if assert.NoError(t, err) && outcome.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 8, f.stockOf(t, p.ID))
}

func TestSettlement_CrossTransitionsAreRejected(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 10)

	approved := f.pendingPayment(t, item(p.ID, 1))
	_, err := f.settlement.Approve(f.ctx, approved.ID, "txn-1")
	require.NoError(t, err)

	_, err = f.settlement.Decline(f.ctx, approved.ID, "late decline")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.PaymentStatusApproved, f.paymentStatus(t, approved.ID))

	declined := f.pendingPayment(t, item(p.ID, 1))
	_, err = f.settlement.Decline(f.ctx, declined.ID, "")
	require.NoError(t, err)

	repeat, err := f.settlement.Decline(f.ctx, declined.ID, "")
	require.NoError(t, err)
	assert.False(t, repeat.Applied)
	assert.Equal(t, "declined by gateway", repeat.Payment.FailureReason)

	stockBefore := f.stockOf(t, p.ID)
	_, err = f.settlement.Approve(f.ctx, declined.ID, "txn-2")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.PaymentStatusDeclined, f.paymentStatus(t, declined.ID))
	assert.Equal(t, stockBefore, f.stockOf(t, p.ID))
	assert.Equal(t, models.OrderStatusPending, f.orderStatus(t, declined.OrderID))

	_, err = f.settlement.Approve(f.ctx, 987654, "txn-3")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRefund_RestoresStock(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 10)
	payment := f.pendingPayment(t, item(p.ID, 4))

	_, err := f.settlement.Refund(f.ctx, payment.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.settlement.Approve(f.ctx, payment.ID, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, 6, f.stockOf(t, p.ID))

	outcome, err := f.settlement.Refund(f.ctx, payment.ID, "customer request")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, models.PaymentStatusRefunded, outcome.Payment.Status)
	assert.Equal(t, 10, f.stockOf(t, p.ID))

	adjustments, err := f.ledger.GetStockAdjustmentsByPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 2)
	assert.Equal(t, models.AdjustmentSale, adjustments[0].Kind)
	assert.Equal(t, -4, adjustments[0].QuantityDelta)
	assert.Equal(t, models.AdjustmentReversal, adjustments[1].Kind)
	assert.Equal(t, 4, adjustments[1].QuantityDelta)

	_, err = f.settlement.Refund(f.ctx, payment.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 10, f.stockOf(t, p.ID))
}

func TestApprove_OutOfStockLeavesPaymentPending(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 3)
	payment := f.pendingPayment(t, item(p.ID, 3))

	_, err := f.catalog.AdjustStock(f.ctx, p.ID, &AdjustStockRequest{Delta: -2, Note: "damaged"})
	require.NoError(t, err)

	_, err = f.settlement.Approve(f.ctx, payment.ID, "txn-1")
	assert.ErrorIs(t, err, apperr.ErrOutOfStock)

	assert.Equal(t, models.PaymentStatusPending, f.paymentStatus(t, payment.ID))
	assert.Equal(t, 1, f.stockOf(t, p.ID))
	assert.Equal(t, models.OrderStatusPending, f.orderStatus(t, payment.OrderID))
	adjustments, err := f.ledger.GetStockAdjustmentsByPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.Empty(t, adjustments)
	assert.Zero(t, f.publisher.settledCount())
}

func TestApprove_LastUnitRace(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 1)
	first := f.pendingPayment(t, item(p.ID, 1))
	second := f.pendingPayment(t, item(p.ID, 1))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []int64{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.settlement.Approve(f.ctx, id, "txn")
		}(i, id)
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, apperr.ErrOutOfStock):
			outOfStock++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	assert.Equal(t, 0, f.stockOf(t, p.ID))
}

// conflictingLedger makes every optimistic stock update lose its race
type conflictingLedger struct {
	*memory.Ledger
	attempts int
}

func (l *conflictingLedger) RunInTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return l.Ledger.RunInTx(ctx, func(repo store.Repository) error {
		return fn(&conflictingRepo{Repository: repo, attempts: &l.attempts})
	})
}

type conflictingRepo struct {
	store.Repository
	attempts *int
}

func (r *conflictingRepo) ApplyStockDelta(context.Context, int64, int, int64) (bool, error) {
	*r.attempts++
	return false, nil
}

func TestApprove_GivesUpAfterRetryLimit(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 5)
	payment := f.pendingPayment(t, item(p.ID, 1))

	ledger := &conflictingLedger{Ledger: f.ledger.Ledger}
	engine := NewSettlementEngine(ledger, nil, nil, 3)

	_, err := engine.Approve(f.ctx, payment.ID, "txn-1")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, 3, ledger.attempts)
	assert.Equal(t, models.PaymentStatusPending, f.paymentStatus(t, payment.ID))
	assert.Equal(t, 5, f.stockOf(t, p.ID))
}

// flakyStockLedger loses the first optimistic stock update, then lets the
// rest through
type flakyStockLedger struct {
	*memory.Ledger
	lost     bool
	attempts int
}

func (l *flakyStockLedger) RunInTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return l.Ledger.RunInTx(ctx, func(repo store.Repository) error {
		return fn(&flakyStockRepo{Repository: repo, ledger: l})
	})
}

type flakyStockRepo struct {
	store.Repository
	ledger *flakyStockLedger
}

func (r *flakyStockRepo) ApplyStockDelta(ctx context.Context, productID int64, delta int, expectedVersion int64) (bool, error) {
	r.ledger.attempts++
	if !r.ledger.lost {
		r.ledger.lost = true
		return false, nil
	}
	return r.Repository.ApplyStockDelta(ctx, productID, delta, expectedVersion)
}

func TestApprove_RetriesAfterStockConflict(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "CAM-01", "10.00", 5)
	payment := f.pendingPayment(t, item(p.ID, 1))

	ledger := &flakyStockLedger{Ledger: f.ledger.Ledger}
	engine := NewSettlementEngine(ledger, nil, nil, 3)
	retriesBefore := testutil.ToFloat64(util.StockConflictRetriesTotal)

	outcome, err := engine.Approve(f.ctx, payment.ID, "txn-1")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, 2, ledger.attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(util.StockConflictRetriesTotal)-retriesBefore)

	assert.Equal(t, 4, f.stockOf(t, p.ID))
	assert.Equal(t, models.PaymentStatusApproved, f.paymentStatus(t, payment.ID))
	assert.Equal(t, models.OrderStatusConfirmed, f.orderStatus(t, payment.OrderID))

	adjustments, err := f.ledger.GetStockAdjustmentsByPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, -1, adjustments[0].QuantityDelta)
}
