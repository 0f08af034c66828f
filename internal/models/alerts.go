package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type AlertType string

const (
	AlertLowStock    AlertType = "LOW_STOCK"
	AlertStockOut    AlertType = "STOCK_OUT"
	AlertFailedOrder AlertType = "FAILED_ORDER"
	AlertQueuedOrder AlertType = "QUEUED_ORDER"
	AlertProcessed   AlertType = "PROCESSED"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertMetadata is the tagged union of per-type alert payloads. The variant is
// selected by the alert's Type; there is no free-form key bag.
type AlertMetadata interface {
	isAlertMetadata()
}

// LowStockMeta accompanies LOW_STOCK and STOCK_OUT alerts.
type LowStockMeta struct {
	Threshold    int `json:"threshold"`
	CurrentStock int `json:"currentStock"`
}

// QueuedOrderMeta accompanies QUEUED_ORDER alerts.
type QueuedOrderMeta struct {
	QueuePosition int    `json:"queuePosition"`
	Message       string `json:"message,omitempty"`
}

// ProcessedMeta accompanies PROCESSED alerts (a retyped QUEUED_ORDER).
type ProcessedMeta struct {
	ProcessedBy    string `json:"processedBy"`
	ValidationType string `json:"validationType"`
}

// FailedOrderMeta accompanies FAILED_ORDER alerts.
type FailedOrderMeta struct {
	Reason    string `json:"reason"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (LowStockMeta) isAlertMetadata()    {}
func (QueuedOrderMeta) isAlertMetadata() {}
func (ProcessedMeta) isAlertMetadata()   {}
func (FailedOrderMeta) isAlertMetadata() {}

// StockAlert records a threshold crossing, a queued order, a failed decrement
// or a processed queued order. Immutable once created, except QUEUED_ORDER
// alerts which are retyped to PROCESSED when their order is validated.
type StockAlert struct {
	ID        string        `db:"id" json:"id"`
	Type      AlertType     `db:"type" json:"type"`
	ProductID string        `db:"product_id" json:"productId"`
	Quantity  int           `db:"quantity" json:"quantity"`
	OrderID   *string       `db:"order_id" json:"orderId,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
	Metadata  AlertMetadata `db:"-" json:"metadata,omitempty"`
}

// MarshalMetadata serializes the metadata variant for storage.
func (a *StockAlert) MarshalMetadata() ([]byte, error) {
	if a.Metadata == nil {
		return []byte("null"), nil
	}
	return json.Marshal(a.Metadata)
}

// UnmarshalMetadata decodes raw stored metadata into the variant matching the
// alert's type.
func (a *StockAlert) UnmarshalMetadata(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		a.Metadata = nil
		return nil
	}
	var (
		meta AlertMetadata
		err  error
	)
	switch a.Type {
	case AlertLowStock, AlertStockOut:
		var m LowStockMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case AlertQueuedOrder:
		var m QueuedOrderMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case AlertProcessed:
		var m ProcessedMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case AlertFailedOrder:
		var m FailedOrderMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	default:
		return fmt.Errorf("unknown alert type %q", a.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s metadata: %w", a.Type, err)
	}
	a.Metadata = meta
	return nil
}

// StockAlertNotification is the operator-facing projection of an alert,
// persisted, published to the stock-notifications queue and kept in the
// in-process recent-notification ring.
type StockAlertNotification struct {
	ID          string    `db:"id" json:"id"`
	Type        AlertType `db:"type" json:"type"`
	ProductID   string    `db:"product_id" json:"productId"`
	ProductName string    `db:"product_name" json:"productName"`
	Message     string    `db:"message" json:"message"`
	Severity    Severity  `db:"severity" json:"severity"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	Read        bool      `db:"read" json:"read"`
}

// AlertStat is one row of the grouped alert statistics query.
type AlertStat struct {
	Type      AlertType `db:"type" json:"type"`
	ProductID string    `db:"product_id" json:"productId"`
	Count     int       `db:"count" json:"count"`
}
