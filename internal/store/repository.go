package store

import (
	"context"

	"checkout-service/internal/models"
)

// Repository is the ledger's read/write surface. Lookups by primary key
// return apperr.ErrNotFound; lookups by unique key return nil, nil when
// no row matches.
type Repository interface {
	UpsertMerchant(ctx context.Context, m *models.Merchant) error
	GetMerchantByID(ctx context.Context, id int64) (*models.Merchant, error)
	GetMerchantByGateway(ctx context.Context, gateway string) (*models.Merchant, error)

	CreateProduct(ctx context.Context, p *models.Product) error
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductByCode(ctx context.Context, code string) (*models.Product, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	UpdateProductDetails(ctx context.Context, p *models.Product) error
	SetProductActive(ctx context.Context, id int64, active bool) error
	ApplyStockDelta(ctx context.Context, productID int64, delta int, expectedVersion int64) (bool, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from []string, to string) (bool, error)
	CreateOrderLine(ctx context.Context, line *models.OrderLine) error
	GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error)

	InsertPayment(ctx context.Context, payment *models.Payment) (*models.Payment, bool, error)
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	GetPaymentByExternalRef(ctx context.Context, gateway, ref string) (*models.Payment, error)
	GetLatestPaymentForOrder(ctx context.Context, orderID int64) (*models.Payment, error)
	SetPaymentSession(ctx context.Context, paymentID int64, ref, checkoutURL string) error
	TransitionPayment(ctx context.Context, paymentID int64, from, to, externalTxnID, reason string) (bool, error)

	StockAdjustmentExists(ctx context.Context, paymentID, productID int64, kind string) (bool, error)
	InsertStockAdjustment(ctx context.Context, adj *models.StockAdjustment) (bool, error)
	GetStockAdjustmentsByPayment(ctx context.Context, paymentID int64) ([]models.StockAdjustment, error)
	GetStockAdjustmentsByProduct(ctx context.Context, productID int64) ([]models.StockAdjustment, error)

	InsertWebhookLog(ctx context.Context, log *models.WebhookLog) error
	AttachWebhookLogPayment(ctx context.Context, logID, paymentID int64) error
	GetWebhookLog(ctx context.Context, id int64) (*models.WebhookLog, error)
}

// Ledger is a Repository that can run a unit of work atomically.
type Ledger interface {
	Repository
	RunInTx(ctx context.Context, fn func(repo Repository) error) error
}
