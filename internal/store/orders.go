package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateOrder creates a new order
func (q *Queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, shipping_address, phone, total, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, q.ext, order, query,
		order.UserID, order.ShippingAddress, order.Phone, order.Total, order.Status)
}

// GetOrderByID retrieves an order by ID
func (q *Queries) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (q *Queries) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := sqlx.SelectContext(ctx, q.ext, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// UpdateOrderStatus moves an order to status `to` only if its current status
// is one of `from`. It reports whether a row changed.
func (q *Queries) UpdateOrderStatus(ctx context.Context, orderID int64, from []string, to string) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		to, orderID, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateOrderLine creates a new order line
func (q *Queries) CreateOrderLine(ctx context.Context, line *models.OrderLine) error {
	query := `
		INSERT INTO order_lines (order_id, product_id, quantity, unit_price, subtotal)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return sqlx.GetContext(ctx, q.ext, &line.ID, query,
		line.OrderID, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal)
}

// GetOrderLines retrieves all lines for an order
func (q *Queries) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	var lines []models.OrderLine
	err := sqlx.SelectContext(ctx, q.ext, &lines,
		"SELECT * FROM order_lines WHERE order_id = $1 ORDER BY id", orderID)
	return lines, err
}
