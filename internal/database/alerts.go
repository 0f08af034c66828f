package database

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/models"
)

// alertRow is the storage shape of a StockAlert; metadata is kept as JSON and
// decoded into the tagged-union variant on read.
type alertRow struct {
	ID        string           `db:"id"`
	Type      models.AlertType `db:"type"`
	ProductID string           `db:"product_id"`
	Quantity  int              `db:"quantity"`
	OrderID   *string          `db:"order_id"`
	CreatedAt time.Time        `db:"created_at"`
	Metadata  json.RawMessage  `db:"metadata"`
}

func (r alertRow) toAlert() (models.StockAlert, error) {
	alert := models.StockAlert{
		ID:        r.ID,
		Type:      r.Type,
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		OrderID:   r.OrderID,
		CreatedAt: r.CreatedAt,
	}
	if err := alert.UnmarshalMetadata(r.Metadata); err != nil {
		return models.StockAlert{}, err
	}
	return alert, nil
}

// CreateAlert appends an alert record.
func (db *DB) CreateAlert(ctx context.Context, alert *models.StockAlert) error {
	meta, err := alert.MarshalMetadata()
	if err != nil {
		return &apperr.PersistenceError{Op: "encode alert metadata", Cause: err}
	}
	_, err = db.SQL.ExecContext(ctx,
		`INSERT INTO stock_alerts (id, type, product_id, quantity, order_id, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID, alert.Type, alert.ProductID, alert.Quantity, alert.OrderID, alert.CreatedAt, meta)
	if err != nil {
		return &apperr.PersistenceError{Op: "insert alert", Cause: err}
	}
	return nil
}

// HasRecentStockAlert reports whether a LOW_STOCK or STOCK_OUT alert exists
// for the product within the window. This is the alert-storm guard.
func (db *DB) HasRecentStockAlert(ctx context.Context, productID string, within time.Duration) (bool, error) {
	var exists bool
	err := db.SQL.GetContext(ctx, &exists,
		`SELECT EXISTS(
			SELECT 1 FROM stock_alerts
			WHERE product_id=$1 AND type IN ($2, $3) AND created_at > $4
		)`,
		productID, models.AlertLowStock, models.AlertStockOut, time.Now().Add(-within))
	if err != nil {
		return false, &apperr.PersistenceError{Op: "check recent stock alert", Cause: err}
	}
	return exists, nil
}

// CountQueuedAlerts counts open QUEUED_ORDER alerts for a product.
func (db *DB) CountQueuedAlerts(ctx context.Context, productID string) (int, error) {
	var count int
	err := db.SQL.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM stock_alerts WHERE product_id=$1 AND type=$2`,
		productID, models.AlertQueuedOrder)
	if err != nil {
		return 0, &apperr.PersistenceError{Op: "count queued alerts", Cause: err}
	}
	return count, nil
}

// MarkQueuedProcessed retypes every QUEUED_ORDER alert of an order to
// PROCESSED, replacing the metadata with the processing record. Returns the
// distinct product ids affected so queue positions can be renumbered.
func (db *DB) MarkQueuedProcessed(ctx context.Context, orderID string, meta models.ProcessedMeta) ([]string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "encode processed metadata", Cause: err}
	}
	var productIDs []string
	err = db.SQL.SelectContext(ctx, &productIDs,
		`UPDATE stock_alerts SET type=$1, metadata=$2
		 WHERE order_id=$3 AND type=$4
		 RETURNING product_id`,
		models.AlertProcessed, raw, orderID, models.AlertQueuedOrder)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "mark queued processed", Cause: err}
	}
	return productIDs, nil
}

// ListQueuedByProduct returns a product's open QUEUED_ORDER alerts in
// creation order, the order that defines queue positions.
func (db *DB) ListQueuedByProduct(ctx context.Context, productID string) ([]models.StockAlert, error) {
	var rows []alertRow
	err := db.SQL.SelectContext(ctx, &rows,
		`SELECT id, type, product_id, quantity, order_id, created_at, metadata
		 FROM stock_alerts WHERE product_id=$1 AND type=$2
		 ORDER BY created_at ASC`,
		productID, models.AlertQueuedOrder)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "list queued alerts", Cause: err}
	}
	alerts := make([]models.StockAlert, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAlert()
		if err != nil {
			return nil, &apperr.PersistenceError{Op: "decode queued alert", Cause: err}
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// SetQueuePosition rewrites the queuePosition inside a QUEUED_ORDER alert's
// metadata.
func (db *DB) SetQueuePosition(ctx context.Context, alertID string, position int) error {
	_, err := db.SQL.ExecContext(ctx,
		`UPDATE stock_alerts
		 SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{queuePosition}', to_jsonb($1::int))
		 WHERE id=$2`,
		position, alertID)
	if err != nil {
		return &apperr.PersistenceError{Op: "set queue position", Cause: err}
	}
	return nil
}

// DeleteAlertsOlderThan purges expired alerts. QUEUED_ORDER alerts are never
// purged while pending.
func (db *DB) DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.SQL.ExecContext(ctx,
		`DELETE FROM stock_alerts WHERE created_at < $1 AND type <> $2`,
		cutoff, models.AlertQueuedOrder)
	if err != nil {
		return 0, &apperr.PersistenceError{Op: "delete old alerts", Cause: err}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, &apperr.PersistenceError{Op: "delete old alerts rows", Cause: err}
	}
	return rows, nil
}

// AlertFilter narrows ListAlerts. Zero values mean "no constraint".
type AlertFilter struct {
	ProductID string
	Type      models.AlertType
	Limit     int
}

// ListAlerts returns alerts newest-first, optionally filtered.
func (db *DB) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.StockAlert, error) {
	query := `SELECT id, type, product_id, quantity, order_id, created_at, metadata FROM stock_alerts WHERE 1=1`
	args := []any{}
	i := 1
	if filter.ProductID != "" {
		query += ` AND product_id=$` + itoa(i)
		args = append(args, filter.ProductID)
		i++
	}
	if filter.Type != "" {
		query += ` AND type=$` + itoa(i)
		args = append(args, filter.Type)
		i++
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT $` + itoa(i)
		args = append(args, filter.Limit)
	}

	var rows []alertRow
	if err := db.SQL.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &apperr.PersistenceError{Op: "list alerts", Cause: err}
	}
	alerts := make([]models.StockAlert, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAlert()
		if err != nil {
			return nil, &apperr.PersistenceError{Op: "decode alert", Cause: err}
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// AlertStatistics returns alert counts grouped by type and product.
func (db *DB) AlertStatistics(ctx context.Context) ([]models.AlertStat, error) {
	var stats []models.AlertStat
	err := db.SQL.SelectContext(ctx, &stats,
		`SELECT type, product_id, COUNT(*) AS count
		 FROM stock_alerts GROUP BY type, product_id
		 ORDER BY type, product_id`)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "alert statistics", Cause: err}
	}
	return stats, nil
}

// CreateNotification persists a notification row.
func (db *DB) CreateNotification(ctx context.Context, n *models.StockAlertNotification) error {
	_, err := db.SQL.ExecContext(ctx,
		`INSERT INTO stock_alert_notifications (id, type, product_id, product_name, message, severity, timestamp, read)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.Type, n.ProductID, n.ProductName, n.Message, n.Severity, n.Timestamp, n.Read)
	if err != nil {
		return &apperr.PersistenceError{Op: "insert notification", Cause: err}
	}
	return nil
}

// ListNotifications returns notifications newest-first.
func (db *DB) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]models.StockAlertNotification, error) {
	query := `SELECT id, type, product_id, product_name, message, severity, timestamp, read
		 FROM stock_alert_notifications`
	args := []any{}
	if unreadOnly {
		query += ` WHERE read = FALSE`
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	var notifications []models.StockAlertNotification
	if err := db.SQL.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, &apperr.PersistenceError{Op: "list notifications", Cause: err}
	}
	return notifications, nil
}

// MarkNotificationRead flips a notification's read flag.
func (db *DB) MarkNotificationRead(ctx context.Context, notificationID string) error {
	result, err := db.SQL.ExecContext(ctx,
		`UPDATE stock_alert_notifications SET read = TRUE WHERE id=$1`, notificationID)
	if err != nil {
		return &apperr.PersistenceError{Op: "mark notification read", Cause: err}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return &apperr.PersistenceError{Op: "mark notification read rows", Cause: err}
	}
	if rows == 0 {
		return apperr.NewNotFound("notification", notificationID)
	}
	return nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
