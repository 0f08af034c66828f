package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// --- Catalog / Ledger ---

// Product is the ledger view of a catalog item. Stock is only ever mutated
// through the ledger's conditional decrement/increment, never assigned directly.
type Product struct {
	ID         string          `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Stock      int             `db:"stock" json:"stock"`
	IsQueuable bool            `db:"is_queuable" json:"isQueuable"`
}

// User carries only what order admission needs: proof of existence.
type User struct {
	ID    string `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
}

// --- Orders ---

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// Order groups line items placed by a user. An order is CONFIRMED only after
// every non-queuable line item's stock has been durably decremented, and every
// queuable item has either been decremented (manual validation) or is tracked
// by an open QUEUED_ORDER alert.
type Order struct {
	ID                 string          `db:"id" json:"id"`
	UserID             string          `db:"user_id" json:"userId"`
	Status             OrderStatus     `db:"status" json:"status"`
	TotalAmount        decimal.Decimal `db:"total_amount" json:"totalAmount"`
	CancellationReason *string         `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
	Items              []OrderItem     `db:"-" json:"items"`
}

// OrderItem snapshots the product price at admission time; later catalog price
// changes never affect an existing order.
type OrderItem struct {
	ID        string          `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"orderId"`
	ProductID string          `db:"product_id" json:"productId"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Price     decimal.Decimal `db:"price" json:"price"`
}
