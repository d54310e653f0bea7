package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires REDIS_TEST_ADDR")
	}
	c, err := NewClient(addr, "", 15)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetStock_VersionGuard(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	productID := time.Now().UnixNano()
	defer c.GetClient().Del(ctx, stockKey(productID))

	applied, err := c.SetStock(ctx, productID, 10, 2)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = c.SetStock(ctx, productID, 12, 1)
	require.NoError(t, err)
	assert.False(t, applied, "older version must not overwrite")

	stock, version, found, err := c.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 10, stock)
	assert.Equal(t, int64(2), version)
}

func TestWebhookMarkers(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	eventID := uuid.NewString()

	seen, err := c.WasProcessed(ctx, "batzir", eventID)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.MarkProcessed(ctx, "batzir", eventID, time.Minute))

	seen, err = c.WasProcessed(ctx, "batzir", eventID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestOrderStatusCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	orderID := time.Now().UnixNano()

	_, _, found, err := c.GetOrderStatus(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetOrderStatus(ctx, orderID, "user-1", "CONFIRMED", time.Minute))
	userID, status, found, err := c.GetOrderStatus(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "CONFIRMED", status)
}

func TestOrderStatusCache_IgnoresOlderStatus(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	orderID := time.Now().UnixNano()
	defer c.GetClient().Del(ctx, orderKey(orderID))

	require.NoError(t, c.SetOrderStatus(ctx, orderID, "user-1", "CONFIRMED", time.Minute))
	require.NoError(t, c.SetOrderStatus(ctx, orderID, "user-1", "PENDING", time.Minute))

	_, status, found, err := c.GetOrderStatus(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "CONFIRMED", status, "a stale fill must not roll the entry back")

	require.NoError(t, c.SetOrderStatus(ctx, orderID, "user-1", "SHIPPED", time.Minute))
	_, status, _, err = c.GetOrderStatus(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, "SHIPPED", status)
}
