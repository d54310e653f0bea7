package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/cart"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/spool"
	"checkout-service/internal/store"
	"checkout-service/internal/store/memory"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testUser       = "user-1"
	otherUser      = "user-2"
	fakeCode       = "fakepay"
	fakeMerchantID = "m-fake"
	fakeSigHeader  = "X-Fake-Signature"
)

var testCartSecret = []byte("cart-secret")

// flakyLedger lets tests take the webhook log table down
type flakyLedger struct {
	*memory.Ledger
	mu      sync.Mutex
	logDown bool
}

func (l *flakyLedger) setLogDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logDown = down
}

func (l *flakyLedger) InsertWebhookLog(ctx context.Context, log *models.WebhookLog) error {
	l.mu.Lock()
	down := l.logDown
	l.mu.Unlock()
	if down {
		return errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	}
	return l.Ledger.InsertWebhookLog(ctx, log)
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []models.OrderCreatedEvent
	status  []models.OrderStatusChangedEvent
	settled []models.PaymentSettledEvent
	stock   []models.StockAdjustedEvent
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, *e)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = append(p.status, *e)
	return nil
}

func (p *recordingPublisher) PublishPaymentSettled(_ context.Context, e *models.PaymentSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, *e)
	return nil
}

func (p *recordingPublisher) PublishStockAdjusted(_ context.Context, e *models.StockAdjustedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stock = append(p.stock, *e)
	return nil
}

func (p *recordingPublisher) settledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.settled)
}

// fakeGateway is an async gateway whose webhooks are plain JSON signed by
// a fixed header value
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

type fakeWebhook struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
	TxnID     string `json:"txn_id"`
	OrderID   int64  `json:"order_id"`
	Merchant  string `json:"merchant"`
	Reason    string `json:"reason"`
}

func (g *fakeGateway) Code() string       { return fakeCode }
func (g *fakeGateway) Mode() gateway.Mode { return gateway.ModeAsync }

func (g *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.Session{
		Reference:   fmt.Sprintf("sess-%d", req.PaymentID),
		CheckoutURL: fmt.Sprintf("https://pay.test/s/%d?key=%s", req.PaymentID, req.IdempotencyKey),
	}, nil
}

func (g *fakeGateway) Verify(headers http.Header, _ []byte) error {
	if headers.Get(fakeSigHeader) != "valid" {
		return fmt.Errorf("%w: bad signature", apperr.ErrUnauthorized)
	}
	return nil
}

func (g *fakeGateway) ParseEvent(_ http.Header, body []byte) (*gateway.Event, error) {
	var hook fakeWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if hook.Kind == "" {
		return nil, gateway.ErrIgnoredEvent
	}
	return &gateway.Event{
		ID:            hook.ID,
		Kind:          gateway.EventKind(hook.Kind),
		Reference:     hook.Reference,
		ExternalTxnID: hook.TxnID,
		OrderID:       hook.OrderID,
		MerchantRef:   hook.Merchant,
		Reason:        hook.Reason,
	}, nil
}

func (g *fakeGateway) sessionCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) WasProcessed(_ context.Context, gw, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[gw+":"+eventID], nil
}

func (d *memDedup) MarkProcessed(_ context.Context, gw, eventID string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[gw+":"+eventID] = true
	return nil
}

type memCache struct {
	mu       sync.Mutex
	statuses map[int64][2]string
	stock    map[int64][2]int64
	reads    int
}

func newMemCache() *memCache {
	return &memCache{statuses: map[int64][2]string{}, stock: map[int64][2]int64{}}
}

func (c *memCache) SetOrderStatus(_ context.Context, orderID int64, userID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.statuses[orderID]; ok && models.OrderStatusRank(cur[1]) > models.OrderStatusRank(status) {
		return nil
	}
	c.statuses[orderID] = [2]string{userID, status}
	return nil
}

func (c *memCache) GetOrderStatus(_ context.Context, orderID int64) (string, string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	v, ok := c.statuses[orderID]
	return v[0], v[1], ok, nil
}

func (c *memCache) SetStock(_ context.Context, productID int64, stock int, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.stock[productID]; ok && cur[1] >= version {
		return false, nil
	}
	c.stock[productID] = [2]int64{int64(stock), version}
	return true, nil
}

func (c *memCache) GetStock(_ context.Context, productID int64) (int, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.stock[productID]
	return int(v[0]), v[1], ok, nil
}

type fixture struct {
	ctx        context.Context
	ledger     *flakyLedger
	publisher  *recordingPublisher
	fake       *fakeGateway
	cache      *memCache
	dedup      *memDedup
	spool      *spool.PebbleSpool
	orders     *OrderService
	checkout   *CheckoutService
	settlement *SettlementEngine
	webhooks   *WebhookService
	operator   *OperatorService
	catalog    *CatalogService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	util.SetLogger(zaptest.NewLogger(t))

	ctx := context.Background()
	ledger := &flakyLedger{Ledger: memory.New()}
	require.NoError(t, ledger.UpsertMerchant(ctx, &models.Merchant{
		Name: "Tienda", Gateway: fakeCode, ExternalMerchantID: fakeMerchantID,
	}))
	require.NoError(t, ledger.UpsertMerchant(ctx, &models.Merchant{
		Name: "Tienda", Gateway: gateway.TikalCode, ExternalMerchantID: gateway.DefaultTikalMerchantID,
	}))

	sp, err := spool.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })

	f := &fixture{
		ctx:       ctx,
		ledger:    ledger,
		publisher: &recordingPublisher{},
		fake:      &fakeGateway{},
		cache:     newMemCache(),
		dedup:     &memDedup{seen: map[string]bool{}},
		spool:     sp,
	}
	registry := gateway.NewRegistry(f.fake, gateway.NewTikal(""))

	f.orders = NewOrderService(ledger, f.publisher, f.cache, testCartSecret, cart.DefaultMaxAge)
	f.checkout = NewCheckoutService(ledger, registry, CheckoutConfig{PublicURL: "https://shop.test/"})
	f.settlement = NewSettlementEngine(ledger, f.publisher, f.cache, 0)
	f.webhooks = NewWebhookService(ledger, registry, f.settlement, f.dedup, sp, time.Hour)
	f.operator = NewOperatorService(ledger, f.settlement, f.publisher, f.cache)
	f.catalog = NewCatalogService(ledger, f.cache, f.publisher, 0)
	return f
}

func (f *fixture) product(t *testing.T, code, price string, stock int) models.Product {
	t.Helper()
	p := &models.Product{
		Code:   code,
		Name:   "Producto " + code,
		Brand:  "Marca",
		Price:  decimal.RequireFromString(price),
		Stock:  stock,
		Active: true,
	}
	require.NoError(t, f.ledger.CreateProduct(f.ctx, p))
	return *p
}

func (f *fixture) order(t *testing.T, user string, items ...cart.Item) *CreateOrderResponse {
	t.Helper()
	resp, err := f.orders.CreateOrder(f.ctx, &CreateOrderRequest{
		UserID:          user,
		Items:           items,
		ShippingAddress: "4a Calle 5-10 Zona 1",
		Phone:           "5555-1234",
	})
	require.NoError(t, err)
	return resp
}

// pendingPayment creates an order for testUser and starts a fakepay checkout
func (f *fixture) pendingPayment(t *testing.T, items ...cart.Item) *models.Payment {
	t.Helper()
	order := f.order(t, testUser, items...)
	resp, err := f.checkout.StartCheckout(f.ctx, &StartCheckoutRequest{
		UserID: testUser, OrderID: order.OrderID, Gateway: fakeCode,
	})
	require.NoError(t, err)
	payment, err := f.ledger.GetPaymentByID(f.ctx, resp.PaymentID)
	require.NoError(t, err)
	return payment
}

func (f *fixture) stockOf(t *testing.T, productID int64) int {
	t.Helper()
	p, err := f.ledger.GetProductByID(f.ctx, productID)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) paymentStatus(t *testing.T, paymentID int64) string {
	t.Helper()
	p, err := f.ledger.GetPaymentByID(f.ctx, paymentID)
	require.NoError(t, err)
	return p.Status
}

func (f *fixture) orderStatus(t *testing.T, orderID int64) string {
	t.Helper()
	o, err := f.ledger.GetOrderByID(f.ctx, orderID)
	require.NoError(t, err)
	return o.Status
}

func item(productID int64, qty int) cart.Item {
	return cart.Item{ProductID: productID, Quantity: qty}
}

var _ store.Ledger = (*flakyLedger)(nil)
