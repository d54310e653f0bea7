package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/set_stock.lua
var setStockScript string

//go:embed scripts/set_order_status.lua
var setOrderStatusScript string

type Client struct {
	rdb          *redis.Client
	stockScript  *redis.Script
	statusScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:          rdb,
		stockScript:  redis.NewScript(setStockScript),
		statusScript: redis.NewScript(setOrderStatusScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// SetStock writes the mirrored stock of a product unless the mirror already
// holds the same or a newer version. Returns false when the write was stale.
func (c *Client) SetStock(ctx context.Context, productID int64, stock int, version int64) (bool, error) {
	result, err := c.stockScript.Run(ctx, c.rdb, []string{stockKey(productID)}, stock, version).Result()
	if err != nil {
		return false, fmt.Errorf("set stock script failed: %w", err)
	}

	applied, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}

	return applied == 1, nil
}

// GetStock reads the mirrored stock. found is false when the product has
// never been mirrored.
func (c *Client) GetStock(ctx context.Context, productID int64) (stock int, version int64, found bool, err error) {
	result, err := c.rdb.HGetAll(ctx, stockKey(productID)).Result()
	if err != nil {
		return 0, 0, false, err
	}

	if len(result) == 0 {
		return 0, 0, false, nil
	}

	stock, err = strconv.Atoi(result["stock"])
	if err != nil {
		return 0, 0, false, fmt.Errorf("corrupt stock mirror for product %d: %w", productID, err)
	}
	version, err = strconv.ParseInt(result["version"], 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("corrupt stock mirror for product %d: %w", productID, err)
	}

	return stock, version, true, nil
}

// SetOrderStatus caches the status of an order with its owner. A status
// earlier in the lifecycle than the cached one is dropped, so a slow writer
// holding an old read cannot roll the entry back.
func (c *Client) SetOrderStatus(ctx context.Context, orderID int64, userID, status string, ttl time.Duration) error {
	rank := models.OrderStatusRank(status)
	if rank < 0 {
		return fmt.Errorf("unknown order status %q", status)
	}
	err := c.statusScript.Run(ctx, c.rdb, []string{orderKey(orderID)},
		userID, status, rank, ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("set order status script failed: %w", err)
	}
	return nil
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// GetOrderStatus returns the cached owner and status; found is false on a cache miss
func (c *Client) GetOrderStatus(ctx context.Context, orderID int64) (userID, status string, found bool, err error) {
	result, err := c.rdb.HGetAll(ctx, orderKey(orderID)).Result()
	if err != nil {
		return "", "", false, err
	}
	if result["status"] == "" {
		return "", "", false, nil
	}
	return result["user_id"], result["status"], true, nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// WasProcessed reports whether a gateway event was already applied
func (c *Client) WasProcessed(ctx context.Context, gateway, eventID string) (bool, error) {
	return c.CheckIdempotencyKey(ctx, webhookKey(gateway, eventID))
}

// MarkProcessed remembers a gateway event for ttl
func (c *Client) MarkProcessed(ctx context.Context, gateway, eventID string, ttl time.Duration) error {
	return c.SetIdempotencyKey(ctx, webhookKey(gateway, eventID), time.Now().Unix(), ttl)
}

func webhookKey(gateway, eventID string) string {
	return "webhook:" + gateway + ":" + eventID
}
