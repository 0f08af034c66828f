package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/models"
	"github.com/jmoiron/sqlx"
)

// FindProduct fetches a single product from the ledger.
func (db *DB) FindProduct(ctx context.Context, productID string) (models.Product, error) {
	var p models.Product
	query := `SELECT id, name, price, stock, is_queuable FROM products WHERE id=$1`
	err := db.SQL.GetContext(ctx, &p, query, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Product{}, apperr.NewNotFound("product", productID)
	}
	if err != nil {
		return models.Product{}, &apperr.PersistenceError{Op: "find product", Cause: err}
	}
	return p, nil
}

// BatchFindProducts fetches every referenced product in one query. Callers are
// responsible for detecting missing ids by comparing against the input set.
func (db *DB) BatchFindProducts(ctx context.Context, ids []string) (map[string]models.Product, error) {
	if len(ids) == 0 {
		return map[string]models.Product{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, name, price, stock, is_queuable FROM products WHERE id IN (?)`, ids)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "batch find products", Cause: err}
	}
	query = db.SQL.Rebind(query)

	var products []models.Product
	if err := db.SQL.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, &apperr.PersistenceError{Op: "batch find products", Cause: err}
	}

	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return byID, nil
}

// DecrementStock atomically decreases a product's stock, refusing to drive it
// negative. Runs in its own serializable transaction so concurrent decrements
// cannot double-spend the same unit of stock.
func (db *DB) DecrementStock(ctx context.Context, productID string, quantity int) (int, error) {
	tx, err := db.SQL.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, &apperr.PersistenceError{Op: "begin decrement tx", Cause: err}
	}
	defer tx.Rollback()

	newStock, err := decrementStockTx(ctx, tx, productID, quantity)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &apperr.PersistenceError{Op: "commit decrement tx", Cause: err}
	}
	return newStock, nil
}

// decrementStockTx performs the conditional decrement inside an existing
// transaction. The WHERE guard is what keeps stock non-negative; zero rows
// affected means insufficient stock (or a missing product).
func decrementStockTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) (int, error) {
	var newStock int
	query := `UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1 RETURNING stock`
	err := tx.GetContext(ctx, &newStock, query, quantity, productID)
	if errors.Is(err, sql.ErrNoRows) {
		var available int
		if err := tx.GetContext(ctx, &available, `SELECT stock FROM products WHERE id=$1`, productID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, apperr.NewNotFound("product", productID)
			}
			return 0, &apperr.PersistenceError{Op: "read stock after failed decrement", Cause: err}
		}
		return 0, &apperr.InsufficientStockError{ProductID: productID, Requested: quantity, Available: available}
	}
	if err != nil {
		return 0, &apperr.PersistenceError{Op: fmt.Sprintf("decrement stock for product %s", productID), Cause: err}
	}
	return newStock, nil
}

// IncrementStock restores stock, used as a compensation path.
func (db *DB) IncrementStock(ctx context.Context, productID string, quantity int) error {
	result, err := db.SQL.ExecContext(ctx,
		`UPDATE products SET stock = stock + $1 WHERE id = $2`, quantity, productID)
	if err != nil {
		return &apperr.PersistenceError{Op: "increment stock", Cause: err}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return &apperr.PersistenceError{Op: "increment stock rows", Cause: err}
	}
	if rows == 0 {
		return apperr.NewNotFound("product", productID)
	}
	return nil
}
