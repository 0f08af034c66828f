package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "orderstream", cfg.AppName)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, "orders_queue", cfg.OrdersQueue)
	assert.Equal(t, "queuable_orders", cfg.QueuableOrdersQueue)
	assert.Equal(t, "stock-alerts", cfg.StockAlertsQueue)
	assert.Equal(t, "stock-notifications", cfg.NotificationsQueue)
	assert.Equal(t, 1, cfg.RabbitMQPrefetchCount)
	assert.Equal(t, 5*time.Second, cfg.QueueMoveTimeout)

	assert.Equal(t, 30*time.Second, cfg.WorkerHandleTimeout)
	assert.Equal(t, time.Minute, cfg.MonitorInterval)
	assert.Equal(t, 24*time.Hour, cfg.CleanupInterval)

	assert.Equal(t, 30, cfg.AlertExpirationDays)
	assert.Equal(t, 5, cfg.LowStockFloor)
	assert.InDelta(t, 0.1, cfg.LowStockRatio, 1e-9)
	assert.True(t, cfg.NotificationsEnabled)

	assert.Equal(t, 30*time.Second, cfg.OrderCacheTTL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ORDERS_QUEUE", "orders_queue_test")
	t.Setenv("LOW_STOCK_FLOOR", "12")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "orders_queue_test", cfg.OrdersQueue)
	assert.Equal(t, 12, cfg.LowStockFloor)
}
