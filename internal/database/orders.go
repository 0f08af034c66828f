package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/models"
)

// UserExists reports whether a user row exists.
func (db *DB) UserExists(ctx context.Context, userID string) (bool, error) {
	_, err := db.FindUser(ctx, userID)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindUser fetches a user row.
func (db *DB) FindUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := db.SQL.GetContext(ctx, &user, `SELECT id, email FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, apperr.NewNotFound("user", userID)
	}
	if err != nil {
		return models.User{}, &apperr.PersistenceError{Op: "find user", Cause: err}
	}
	return user, nil
}

// CreateOrder persists an order and its line items in one transaction. Either
// everything lands or nothing does; no partial order is left behind.
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := db.SQL.BeginTxx(ctx, nil)
	if err != nil {
		return &apperr.PersistenceError{Op: "begin order tx", Cause: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, status, total_amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		order.ID, order.UserID, order.Status, order.TotalAmount, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return &apperr.PersistenceError{Op: "insert order", Cause: err}
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, product_id, quantity, price)
			 VALUES ($1, $2, $3, $4, $5)`,
			item.ID, item.OrderID, item.ProductID, item.Quantity, item.Price)
		if err != nil {
			return &apperr.PersistenceError{Op: "insert order item", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &apperr.PersistenceError{Op: "commit order tx", Cause: err}
	}
	return nil
}

// GetOrder fetches an order with its line items.
func (db *DB) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	var order models.Order
	err := db.SQL.GetContext(ctx, &order,
		`SELECT id, user_id, status, total_amount, cancellation_reason, created_at, updated_at
		 FROM orders WHERE id=$1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, apperr.NewNotFound("order", orderID)
	}
	if err != nil {
		return models.Order{}, &apperr.PersistenceError{Op: "get order", Cause: err}
	}

	err = db.SQL.SelectContext(ctx, &order.Items,
		`SELECT id, order_id, product_id, quantity, price
		 FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return models.Order{}, &apperr.PersistenceError{Op: "get order items", Cause: err}
	}
	return order, nil
}

// UpdateOrderStatus transitions an order, optionally recording a cancellation
// reason.
func (db *DB) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, reason *string) error {
	result, err := db.SQL.ExecContext(ctx,
		`UPDATE orders SET status=$1, cancellation_reason=$2, updated_at=NOW() WHERE id=$3`,
		status, reason, orderID)
	if err != nil {
		return &apperr.PersistenceError{Op: "update order status", Cause: err}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return &apperr.PersistenceError{Op: "update order status rows", Cause: err}
	}
	if rows == 0 {
		return apperr.NewNotFound("order", orderID)
	}
	return nil
}

// ConfirmOrderWithStock runs the manual-validation commit: in one serializable
// transaction it decrements stock for every line item and flips the order to
// CONFIRMED. The first insufficient product aborts the whole operation.
// Returns the post-decrement stock per product for threshold re-evaluation.
func (db *DB) ConfirmOrderWithStock(ctx context.Context, orderID string, items []models.OrderItem) (map[string]int, error) {
	tx, err := db.SQL.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "begin validation tx", Cause: err}
	}
	defer tx.Rollback()

	newStocks := make(map[string]int, len(items))
	for _, item := range items {
		newStock, err := decrementStockTx(ctx, tx, item.ProductID, item.Quantity)
		if err != nil {
			return nil, err
		}
		newStocks[item.ProductID] = newStock
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET status=$1, updated_at=NOW() WHERE id=$2`,
		models.OrderStatusConfirmed, orderID)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "confirm order", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &apperr.PersistenceError{Op: "commit validation tx", Cause: err}
	}
	return newStocks, nil
}
