// Package memory is an in-process implementation of store.Ledger used by
// tests and local runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

type state struct {
	merchants   map[int64]models.Merchant
	products    map[int64]models.Product
	orders      map[int64]models.Order
	lines       map[int64]models.OrderLine
	payments    map[int64]models.Payment
	adjustments map[int64]models.StockAdjustment
	webhooks    map[int64]models.WebhookLog
	seq         int64
}

func newState() *state {
	return &state{
		merchants:   map[int64]models.Merchant{},
		products:    map[int64]models.Product{},
		orders:      map[int64]models.Order{},
		lines:       map[int64]models.OrderLine{},
		payments:    map[int64]models.Payment{},
		adjustments: map[int64]models.StockAdjustment{},
		webhooks:    map[int64]models.WebhookLog{},
	}
}

func (s *state) clone() *state {
	c := &state{seq: s.seq}
	c.merchants = copyMap(s.merchants)
	c.products = copyMap(s.products)
	c.orders = copyMap(s.orders)
	c.lines = copyMap(s.lines)
	c.payments = copyMap(s.payments)
	c.adjustments = copyMap(s.adjustments)
	c.webhooks = copyMap(s.webhooks)
	return c
}

func copyMap[V any](m map[int64]V) map[int64]V {
	c := make(map[int64]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Ledger keeps every table in maps guarded by a single mutex. Transactions
// hold the mutex for their whole duration and restore a snapshot on error.
type Ledger struct {
	*repo
}

var _ store.Ledger = (*Ledger)(nil)

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{repo: &repo{st: newState(), mu: &sync.Mutex{}}}
}

// RunInTx runs fn against a view of the ledger; on error or panic every
// change made by fn is discarded.
func (l *Ledger) RunInTx(ctx context.Context, fn func(repo store.Repository) error) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.st.clone()
	defer func() {
		if p := recover(); p != nil {
			*l.st = *snapshot
			panic(p)
		}
		if err != nil {
			*l.st = *snapshot
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&repo{st: l.st})
}

// repo implements store.Repository over a state. A nil mu means the caller
// already holds the ledger lock (transaction view).
type repo struct {
	st *state
	mu *sync.Mutex
}

func (r *repo) lock() func() {
	if r.mu == nil {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *repo) UpsertMerchant(ctx context.Context, m *models.Merchant) error {
	defer r.lock()()
	for id, existing := range r.st.merchants {
		if existing.Gateway == m.Gateway {
			existing.Name = m.Name
			existing.ExternalMerchantID = m.ExternalMerchantID
			r.st.merchants[id] = existing
			m.ID = existing.ID
			m.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	m.ID = r.st.nextID()
	m.CreatedAt = time.Now()
	r.st.merchants[m.ID] = *m
	return nil
}

func (r *repo) GetMerchantByID(ctx context.Context, id int64) (*models.Merchant, error) {
	defer r.lock()()
	m, ok := r.st.merchants[id]
	if !ok {
		return nil, fmt.Errorf("%w: merchant %d", apperr.ErrNotFound, id)
	}
	return &m, nil
}

func (r *repo) GetMerchantByGateway(ctx context.Context, gateway string) (*models.Merchant, error) {
	defer r.lock()()
	for _, m := range r.st.merchants {
		if m.Gateway == gateway {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (r *repo) CreateProduct(ctx context.Context, p *models.Product) error {
	defer r.lock()()
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", apperr.ErrValidation)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", apperr.ErrValidation)
	}
	for _, existing := range r.st.products {
		if existing.Code == p.Code {
			return fmt.Errorf("%w: product code %s already exists", apperr.ErrValidation, p.Code)
		}
	}
	now := time.Now()
	p.ID = r.st.nextID()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	r.st.products[p.ID] = *p
	return nil
}

func (r *repo) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	defer r.lock()()
	p, ok := r.st.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", apperr.ErrNotFound, id)
	}
	return &p, nil
}

func (r *repo) GetProductByCode(ctx context.Context, code string) (*models.Product, error) {
	defer r.lock()()
	for _, p := range r.st.products {
		if p.Code == code {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (r *repo) GetProducts(ctx context.Context) ([]models.Product, error) {
	defer r.lock()()
	products := make([]models.Product, 0, len(r.st.products))
	for _, p := range r.st.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (r *repo) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	defer r.lock()()
	products := []models.Product{}
	seen := map[int64]bool{}
	for _, id := range ids {
		if p, ok := r.st.products[id]; ok && !seen[id] {
			seen[id] = true
			products = append(products, p)
		}
	}
	return products, nil
}

func (r *repo) UpdateProductDetails(ctx context.Context, p *models.Product) error {
	defer r.lock()()
	existing, ok := r.st.products[p.ID]
	if !ok {
		return fmt.Errorf("%w: product %d", apperr.ErrNotFound, p.ID)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", apperr.ErrValidation)
	}
	existing.Name = p.Name
	existing.Brand = p.Brand
	existing.Description = p.Description
	existing.Price = p.Price
	existing.Version++
	existing.UpdatedAt = time.Now()
	r.st.products[p.ID] = existing
	p.Version = existing.Version
	p.UpdatedAt = existing.UpdatedAt
	return nil
}

func (r *repo) SetProductActive(ctx context.Context, id int64, active bool) error {
	defer r.lock()()
	p, ok := r.st.products[id]
	if !ok {
		return fmt.Errorf("%w: product %d", apperr.ErrNotFound, id)
	}
	p.Active = active
	p.UpdatedAt = time.Now()
	r.st.products[id] = p
	return nil
}

func (r *repo) ApplyStockDelta(ctx context.Context, productID int64, delta int, expectedVersion int64) (bool, error) {
	defer r.lock()()
	p, ok := r.st.products[productID]
	if !ok || p.Version != expectedVersion || p.Stock+delta < 0 {
		return false, nil
	}
	p.Stock += delta
	p.Version++
	p.UpdatedAt = time.Now()
	r.st.products[productID] = p
	return true, nil
}

func (r *repo) CreateOrder(ctx context.Context, order *models.Order) error {
	defer r.lock()()
	now := time.Now()
	order.ID = r.st.nextID()
	order.CreatedAt = now
	order.UpdatedAt = now
	r.st.orders[order.ID] = *order
	return nil
}

func (r *repo) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	defer r.lock()()
	o, ok := r.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrNotFound, id)
	}
	return &o, nil
}

func (r *repo) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	defer r.lock()()
	var orders []models.Order
	for _, o := range r.st.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (r *repo) UpdateOrderStatus(ctx context.Context, orderID int64, from []string, to string) (bool, error) {
	defer r.lock()()
	o, ok := r.st.orders[orderID]
	if !ok || !contains(from, o.Status) {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	r.st.orders[orderID] = o
	return true, nil
}

func (r *repo) CreateOrderLine(ctx context.Context, line *models.OrderLine) error {
	defer r.lock()()
	if _, ok := r.st.orders[line.OrderID]; !ok {
		return fmt.Errorf("%w: order %d", apperr.ErrNotFound, line.OrderID)
	}
	if line.Quantity <= 0 {
		return apperr.ErrInvalidQuantity
	}
	for _, l := range r.st.lines {
		if l.OrderID == line.OrderID && l.ProductID == line.ProductID {
			return fmt.Errorf("duplicate line for product %d in order %d", line.ProductID, line.OrderID)
		}
	}
	line.ID = r.st.nextID()
	r.st.lines[line.ID] = *line
	return nil
}

func (r *repo) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	defer r.lock()()
	var lines []models.OrderLine
	for _, l := range r.st.lines {
		if l.OrderID == orderID {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines, nil
}

func (r *repo) InsertPayment(ctx context.Context, payment *models.Payment) (*models.Payment, bool, error) {
	defer r.lock()()
	for _, p := range r.st.payments {
		if p.IdempotencyKey == payment.IdempotencyKey {
			p := p
			return &p, false, nil
		}
	}
	for _, p := range r.st.payments {
		if p.OrderID == payment.OrderID && p.Attempt == payment.Attempt {
			return nil, false, fmt.Errorf("attempt %d already exists for order %d", payment.Attempt, payment.OrderID)
		}
	}
	now := time.Now()
	created := *payment
	created.ID = r.st.nextID()
	created.CreatedAt = now
	created.UpdatedAt = now
	r.st.payments[created.ID] = created
	return &created, true, nil
}

func (r *repo) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	defer r.lock()()
	p, ok := r.st.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %d", apperr.ErrNotFound, id)
	}
	return &p, nil
}

func (r *repo) GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	return r.GetPaymentByID(ctx, id)
}

func (r *repo) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	defer r.lock()()
	for _, p := range r.st.payments {
		if p.IdempotencyKey == key {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (r *repo) GetPaymentByExternalRef(ctx context.Context, gateway, ref string) (*models.Payment, error) {
	defer r.lock()()
	if ref == "" {
		return nil, nil
	}
	for _, p := range r.st.payments {
		if p.Gateway == gateway && p.ExternalRef == ref {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (r *repo) GetLatestPaymentForOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	defer r.lock()()
	var latest *models.Payment
	for _, p := range r.st.payments {
		if p.OrderID != orderID {
			continue
		}
		if latest == nil || p.Attempt > latest.Attempt {
			p := p
			latest = &p
		}
	}
	return latest, nil
}

func (r *repo) SetPaymentSession(ctx context.Context, paymentID int64, ref, checkoutURL string) error {
	defer r.lock()()
	p, ok := r.st.payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: payment %d", apperr.ErrNotFound, paymentID)
	}
	for _, other := range r.st.payments {
		if other.ID != paymentID && ref != "" && other.Gateway == p.Gateway && other.ExternalRef == ref {
			return fmt.Errorf("external reference %s already bound to payment %d", ref, other.ID)
		}
	}
	p.ExternalRef = ref
	p.CheckoutURL = checkoutURL
	p.UpdatedAt = time.Now()
	r.st.payments[paymentID] = p
	return nil
}

func (r *repo) TransitionPayment(ctx context.Context, paymentID int64, from, to, externalTxnID, reason string) (bool, error) {
	defer r.lock()()
	p, ok := r.st.payments[paymentID]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if externalTxnID != "" {
		p.ExternalTxnID = externalTxnID
	}
	if reason != "" {
		p.FailureReason = reason
	}
	p.UpdatedAt = time.Now()
	r.st.payments[paymentID] = p
	return true, nil
}

func (r *repo) StockAdjustmentExists(ctx context.Context, paymentID, productID int64, kind string) (bool, error) {
	defer r.lock()()
	return r.adjustmentExists(paymentID, productID, kind), nil
}

func (r *repo) adjustmentExists(paymentID, productID int64, kind string) bool {
	for _, a := range r.st.adjustments {
		if a.PaymentID != nil && *a.PaymentID == paymentID && a.ProductID == productID && a.Kind == kind {
			return true
		}
	}
	return false
}

func (r *repo) InsertStockAdjustment(ctx context.Context, adj *models.StockAdjustment) (bool, error) {
	defer r.lock()()
	if adj.QuantityDelta == 0 {
		return false, fmt.Errorf("%w: adjustment delta must not be zero", apperr.ErrValidation)
	}
	if adj.PaymentID != nil && r.adjustmentExists(*adj.PaymentID, adj.ProductID, adj.Kind) {
		return false, nil
	}
	adj.ID = r.st.nextID()
	adj.CreatedAt = time.Now()
	r.st.adjustments[adj.ID] = *adj
	return true, nil
}

func (r *repo) GetStockAdjustmentsByPayment(ctx context.Context, paymentID int64) ([]models.StockAdjustment, error) {
	defer r.lock()()
	return r.filterAdjustments(func(a models.StockAdjustment) bool {
		return a.PaymentID != nil && *a.PaymentID == paymentID
	}), nil
}

func (r *repo) GetStockAdjustmentsByProduct(ctx context.Context, productID int64) ([]models.StockAdjustment, error) {
	defer r.lock()()
	return r.filterAdjustments(func(a models.StockAdjustment) bool {
		return a.ProductID == productID
	}), nil
}

func (r *repo) filterAdjustments(keep func(models.StockAdjustment) bool) []models.StockAdjustment {
	var out []models.StockAdjustment
	for _, a := range r.st.adjustments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *repo) InsertWebhookLog(ctx context.Context, log *models.WebhookLog) error {
	defer r.lock()()
	log.ID = r.st.nextID()
	log.ReceivedAt = time.Now()
	r.st.webhooks[log.ID] = *log
	return nil
}

func (r *repo) AttachWebhookLogPayment(ctx context.Context, logID, paymentID int64) error {
	defer r.lock()()
	log, ok := r.st.webhooks[logID]
	if !ok || log.PaymentID != nil {
		return nil
	}
	id := paymentID
	log.PaymentID = &id
	r.st.webhooks[logID] = log
	return nil
}

func (r *repo) GetWebhookLog(ctx context.Context, id int64) (*models.WebhookLog, error) {
	defer r.lock()()
	log, ok := r.st.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: webhook log %d", apperr.ErrNotFound, id)
	}
	return &log, nil
}

// WebhookLogCount reports how many payloads have been logged
func (l *Ledger) WebhookLogCount() int {
	defer l.lock()()
	return len(l.st.webhooks)
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
