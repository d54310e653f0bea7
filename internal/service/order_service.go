package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/cart"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const statusCacheTTL = 24 * time.Hour

// maxLineQuantity is the largest quantity an order line column holds
const maxLineQuantity = math.MaxInt32

// OrderService turns carts into orders and serves them back to their owners
type OrderService struct {
	ledger     store.Ledger
	publisher  EventPublisher
	cache      StatusCache
	cartSecret []byte
	cartMaxAge time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewOrderService creates a new order service. cache may be nil.
func NewOrderService(
	ledger store.Ledger,
	publisher EventPublisher,
	cache StatusCache,
	cartSecret []byte,
	cartMaxAge time.Duration,
) *OrderService {
	return &OrderService{
		ledger:     ledger,
		publisher:  publisherOrNop(publisher),
		cache:      cache,
		cartSecret: cartSecret,
		cartMaxAge: cartMaxAge,
		logger:     util.GetLogger(),
		now:        time.Now,
	}
}

// CreateOrderRequest represents a request to create an order. Either Items
// or a sealed CartToken is given; the token wins when both are present.
type CreateOrderRequest struct {
	UserID          string      `json:"-"`
	Items           []cart.Item `json:"items"`
	CartToken       string      `json:"cart_token"`
	ShippingAddress string      `json:"shipping_address" binding:"required"`
	Phone           string      `json:"phone" binding:"required"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID int64              `json:"order_id"`
	Status  string             `json:"status"`
	Total   decimal.Decimal    `json:"total"`
	Lines   []models.OrderLine `json:"lines"`
}

// OrderDetails is an order with its lines and latest payment attempt
type OrderDetails struct {
	Order   *models.Order      `json:"order"`
	Lines   []models.OrderLine `json:"lines"`
	Payment *models.Payment    `json:"payment,omitempty"`
}

// SealCart signs a cart for the client to hold
func (s *OrderService) SealCart(items []cart.Item) (string, error) {
	return cart.Cart{Items: items, IssuedAt: s.now().UTC()}.Seal(s.cartSecret)
}

// CreateOrder validates the cart against live prices and stock and stores the
// order with its lines in one transaction. Stock is not touched here.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", apperr.ErrUnauthorized)
	}

	items := req.Items
	if req.CartToken != "" {
		items = cart.Open(req.CartToken, s.cartSecret, s.now(), s.cartMaxAge).Items
	}

	merged, err := mergeItems(items)
	if err != nil {
		s.reject(err)
		return nil, err
	}
	if strings.TrimSpace(req.ShippingAddress) == "" || strings.TrimSpace(req.Phone) == "" {
		err := fmt.Errorf("%w: shipping address and phone are required", apperr.ErrValidation)
		s.reject(err)
		return nil, err
	}

	order := &models.Order{
		UserID:          req.UserID,
		ShippingAddress: strings.TrimSpace(req.ShippingAddress),
		Phone:           strings.TrimSpace(req.Phone),
		Status:          models.OrderStatusPending,
	}
	var lines []models.OrderLine

	err = s.ledger.RunInTx(ctx, func(repo store.Repository) error {
		products, err := s.loadProducts(ctx, repo, merged)
		if err != nil {
			return err
		}

		lines = buildLines(merged, products)
		order.Total = decimal.Zero
		for _, line := range lines {
			order.Total = order.Total.Add(line.Subtotal)
		}

		if err := repo.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for i := range lines {
			lines[i].OrderID = order.ID
			if err := repo.CreateOrderLine(ctx, &lines[i]); err != nil {
				return fmt.Errorf("failed to create order line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.reject(err)
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)))

	eventLines := make([]models.OrderLineData, 0, len(lines))
	for _, line := range lines {
		eventLines = append(eventLines, models.OrderLineData{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	if err := s.publisher.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		Total:   order.Total,
		Lines:   eventLines,
	}); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &CreateOrderResponse{
		OrderID: order.ID,
		Status:  order.Status,
		Total:   order.Total,
		Lines:   lines,
	}, nil
}

// mergeItems validates quantities and folds duplicate products into one
// line, keeping first-seen order.
func mergeItems(items []cart.Item) ([]cart.Item, error) {
	if len(items) == 0 {
		return nil, apperr.ErrEmptyCart
	}

	index := make(map[int64]int, len(items))
	merged := make([]cart.Item, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 || item.Quantity > maxLineQuantity {
			return nil, fmt.Errorf("%w (product %d)", apperr.ErrInvalidQuantity, item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			if merged[i].Quantity > maxLineQuantity-item.Quantity {
				return nil, fmt.Errorf("%w (product %d: combined quantity too large)", apperr.ErrInvalidQuantity, item.ProductID)
			}
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

// loadProducts re-reads every product and checks it can be sold in the
// requested quantity right now
func (s *OrderService) loadProducts(ctx context.Context, repo store.Repository, items []cart.Item) (map[int64]models.Product, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}

	found, err := repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	products := make(map[int64]models.Product, len(found))
	for _, p := range found {
		products[p.ID] = p
	}

	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: product %d is not available", apperr.ErrValidation, item.ProductID)
		}
		if item.Quantity > p.Stock {
			return nil, fmt.Errorf("%w: product %d has %d units, %d requested",
				apperr.ErrOutOfStock, p.ID, p.Stock, item.Quantity)
		}
	}
	return products, nil
}

func buildLines(items []cart.Item, products map[int64]models.Product) []models.OrderLine {
	lines := make([]models.OrderLine, 0, len(items))
	for _, item := range items {
		price := products[item.ProductID].Price
		lines = append(lines, models.OrderLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: price,
			Subtotal:  price.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}
	return lines
}

func (s *OrderService) reject(err error) {
	reason := "internal"
	switch {
	case errors.Is(err, apperr.ErrEmptyCart):
		reason = "empty_cart"
	case errors.Is(err, apperr.ErrInvalidQuantity):
		reason = "invalid_quantity"
	case errors.Is(err, apperr.ErrOutOfStock):
		reason = "out_of_stock"
	case errors.Is(err, apperr.ErrValidation):
		reason = "validation"
	}
	util.OrdersRejectedTotal.WithLabelValues(reason).Inc()
}

// GetOrder retrieves an order with its lines and latest payment. Only the
// owner or an operator may read it.
func (s *OrderService) GetOrder(ctx context.Context, userID string, orderID int64, operator bool) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !operator && order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d belongs to another user", apperr.ErrUnauthorized, orderID)
	}

	lines, err := s.ledger.GetOrderLines(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}

	payment, err := s.ledger.GetLatestPaymentForOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &OrderDetails{Order: order, Lines: lines, Payment: payment}, nil
}

// ListOrders returns the user's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	orders, err := s.ledger.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// GetOrderStatus answers status polls from the cache when possible
func (s *OrderService) GetOrderStatus(ctx context.Context, userID string, orderID int64, operator bool) (string, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrderStatus")
	defer span.End()

	if s.cache != nil {
		owner, status, found, err := s.cache.GetOrderStatus(ctx, orderID)
		if err != nil {
			s.logger.Warn("Order status cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
		} else if found {
			if !operator && owner != userID {
				return "", fmt.Errorf("%w: order %d belongs to another user", apperr.ErrUnauthorized, orderID)
			}
			return status, nil
		}
	}

	order, err := s.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !operator && order.UserID != userID {
		return "", fmt.Errorf("%w: order %d belongs to another user", apperr.ErrUnauthorized, orderID)
	}

	cacheOrderStatus(ctx, s.cache, order.ID, order.UserID, order.Status, s.logger)
	return order.Status, nil
}
