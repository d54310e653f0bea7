package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CART_MAX_AGE", "")
	t.Setenv("STOCK_RETRY_LIMIT", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.Cart.MaxAge)
	assert.Equal(t, 5, cfg.Business.StockRetryLimit)
	assert.Equal(t, "GTQ", cfg.Gateway.Currency)
	assert.Equal(t, "2006", cfg.Gateway.Tikal.MerchantID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("STOCK_RETRY_LIMIT", "9")
	t.Setenv("SPOOL_DRAIN_INTERVAL", "not-a-duration")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 9, cfg.Business.StockRetryLimit)
	assert.Equal(t, 30*time.Second, cfg.Spool.DrainInterval)
}
