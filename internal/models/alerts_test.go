package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalMetadata_SelectsVariantByType(t *testing.T) {
	t.Run("low stock", func(t *testing.T) {
		alert := StockAlert{Type: AlertLowStock}
		require.NoError(t, alert.UnmarshalMetadata([]byte(`{"threshold":5,"currentStock":3}`)))
		meta, ok := alert.Metadata.(LowStockMeta)
		require.True(t, ok)
		assert.Equal(t, 5, meta.Threshold)
		assert.Equal(t, 3, meta.CurrentStock)
	})

	t.Run("queued order", func(t *testing.T) {
		alert := StockAlert{Type: AlertQueuedOrder}
		require.NoError(t, alert.UnmarshalMetadata([]byte(`{"queuePosition":2}`)))
		meta, ok := alert.Metadata.(QueuedOrderMeta)
		require.True(t, ok)
		assert.Equal(t, 2, meta.QueuePosition)
	})

	t.Run("processed", func(t *testing.T) {
		alert := StockAlert{Type: AlertProcessed}
		require.NoError(t, alert.UnmarshalMetadata([]byte(`{"processedBy":"CONTROLLER","validationType":"MANUAL"}`)))
		meta, ok := alert.Metadata.(ProcessedMeta)
		require.True(t, ok)
		assert.Equal(t, "CONTROLLER", meta.ProcessedBy)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		alert := StockAlert{Type: "MYSTERY"}
		assert.Error(t, alert.UnmarshalMetadata([]byte(`{}`)))
	})

	t.Run("null metadata allowed", func(t *testing.T) {
		alert := StockAlert{Type: AlertLowStock}
		require.NoError(t, alert.UnmarshalMetadata([]byte(`null`)))
		assert.Nil(t, alert.Metadata)
	})
}
