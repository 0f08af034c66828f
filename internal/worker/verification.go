// Package worker runs the long-lived consumers: the stock verification loop
// over orders_queue, the relay consumers, and the periodic observability and
// cleanup timers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drluca/orderstream/config"
	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/eventbus"
	"github.com/drluca/orderstream/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// Transport is the broker slice the worker binds to.
type Transport interface {
	Consume(ctx context.Context, queue, tag string, handler eventbus.MessageHandler) error
	QueueDepth(queue string) (int, error)
}

// Ledger performs the durable stock decrement, and the compensating increment
// when a partially verified order is cancelled.
type Ledger interface {
	DecrementStock(ctx context.Context, productID string, quantity int) (int, error)
	IncrementStock(ctx context.Context, productID string, quantity int) error
}

// Orders transitions order status on verification failure.
type Orders interface {
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, reason *string) error
}

// Alerts is the slice of the stock alert service the worker drives.
type Alerts interface {
	CheckLowStockAlert(ctx context.Context, productID string, currentStock, quantity int, orderID *string) (bool, error)
	CreateFailedOrderAlert(ctx context.Context, productID string, requested, available int, reason string, orderID *string) error
	CleanupOldAlerts(ctx context.Context) (int64, error)
	IngestExternalAlert(ctx context.Context, body []byte) error
}

// Stats feeds the periodic queue monitor.
type Stats interface {
	AlertStatistics(ctx context.Context) ([]models.AlertStat, error)
}

// Worker consumes orders_queue and performs the actual stock decrement for
// non-queuable orders.
type Worker struct {
	bus    Transport
	ledger Ledger
	orders Orders
	alerts Alerts
	stats  Stats
	cfg    config.Config
}

func New(bus Transport, ledger Ledger, orders Orders, alerts Alerts, stats Stats, cfg config.Config) *Worker {
	return &Worker{
		bus:    bus,
		ledger: ledger,
		orders: orders,
		alerts: alerts,
		stats:  stats,
		cfg:    cfg,
	}
}

// Start registers the consumers and launches the periodic timers. Returns once
// everything is bound; the consumers run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.bus.Consume(ctx, w.cfg.OrdersQueue, w.cfg.ConsumerTag, w.HandleMessage); err != nil {
		return fmt.Errorf("bind orders consumer: %w", err)
	}
	if err := w.bus.Consume(ctx, w.cfg.StockAlertsQueue, w.cfg.ConsumerTag+"-alerts", w.handleExternalAlert); err != nil {
		return fmt.Errorf("bind stock-alerts relay: %w", err)
	}
	if err := w.bus.Consume(ctx, w.cfg.NotificationsQueue, w.cfg.ConsumerTag+"-notifications", w.handleNotification); err != nil {
		return fmt.Errorf("bind notifications consumer: %w", err)
	}

	go w.runMonitor(ctx)
	go w.runCleanup(ctx)

	log.Info().Str("queue", w.cfg.OrdersQueue).Msg("Stock verification worker started")
	return nil
}

// HandleMessage processes one delivery from orders_queue. Returning nil acks;
// eventbus.ErrPermanentFailure acks and drops; anything else nacks for
// redelivery, so every side effect here must tolerate a retry.
func (w *Worker) HandleMessage(ctx context.Context, delivery amqp.Delivery) error {
	handleCtx, cancel := context.WithTimeout(ctx, w.cfg.WorkerHandleTimeout)
	defer cancel()

	var msg models.QueueMessage
	if err := msg.FromJSON(delivery.Body); err != nil {
		return fmt.Errorf("%w: unreadable message body: %v", eventbus.ErrPermanentFailure, err)
	}
	if msg.Type != models.MessageTypeStockVerification {
		log.Warn().Str("type", msg.Type).Msg("Ignoring message with unexpected type")
		return fmt.Errorf("%w: unexpected message type %q", eventbus.ErrPermanentFailure, msg.Type)
	}

	if msg.Data.HasQueuableProducts {
		// Queuable orders are never auto-confirmed; they wait for manual
		// validation and normally never reach this queue before being moved.
		log.Info().Str("orderId", msg.Data.OrderID).Msg("Skipping order with queuable products")
		return nil
	}

	return w.verifyStock(handleCtx, msg.Data)
}

// verifyStock decrements the ledger for each line item. Insufficient stock on
// one item raises a FAILED_ORDER alert and continues with the rest; any other
// failure propagates so the message is redelivered. A partial failure cancels
// the order and restores what this pass already decremented.
func (w *Worker) verifyStock(ctx context.Context, data models.QueuePayload) error {
	var firstFailure *apperr.InsufficientStockError
	decremented := make([]models.QueueItem, 0, len(data.Items))

	for _, item := range data.Items {
		newStock, err := w.ledger.DecrementStock(ctx, item.ProductID, item.Quantity)

		var insufficient *apperr.InsufficientStockError
		if errors.As(err, &insufficient) {
			log.Warn().Str("orderId", data.OrderID).Str("productId", item.ProductID).
				Int("requested", insufficient.Requested).Int("available", insufficient.Available).
				Msg("Insufficient stock during verification")
			if alertErr := w.alerts.CreateFailedOrderAlert(ctx, item.ProductID,
				insufficient.Requested, insufficient.Available,
				"insufficient stock at verification time", &data.OrderID); alertErr != nil {
				log.Error().Err(alertErr).Str("productId", item.ProductID).Msg("Failed to record failed-order alert")
			}
			if firstFailure == nil {
				firstFailure = insufficient
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("decrement stock for %s: %w", item.ProductID, err)
		}
		decremented = append(decremented, item)

		if _, err := w.alerts.CheckLowStockAlert(ctx, item.ProductID, newStock, item.Quantity, &data.OrderID); err != nil {
			log.Error().Err(err).Str("productId", item.ProductID).Msg("Low-stock check failed after decrement")
		}
	}

	if firstFailure != nil {
		// A cancelled order consumes no stock: give back what this pass took
		// before flipping the status.
		for _, item := range decremented {
			if err := w.ledger.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
				log.Error().Err(err).Str("orderId", data.OrderID).Str("productId", item.ProductID).
					Msg("Failed to restore stock for cancelled order")
			}
		}
		reason := firstFailure.Error()
		if err := w.orders.UpdateOrderStatus(ctx, data.OrderID, models.OrderStatusCancelled, &reason); err != nil {
			return fmt.Errorf("cancel order %s after failed verification: %w", data.OrderID, err)
		}
		log.Warn().Str("orderId", data.OrderID).Msg("Order cancelled: stock verification failed")
		return nil
	}

	log.Info().Str("orderId", data.OrderID).Msg("Stock verification completed")
	return nil
}

// handleExternalAlert relays alert-shaped JSON from the legacy stock-alerts
// queue into the alert store.
func (w *Worker) handleExternalAlert(ctx context.Context, delivery amqp.Delivery) error {
	if err := w.alerts.IngestExternalAlert(ctx, delivery.Body); err != nil {
		// Malformed payloads must not loop forever on this queue.
		return fmt.Errorf("%w: %v", eventbus.ErrPermanentFailure, err)
	}
	return nil
}

// handleNotification is log-only; the notification already has a durable row.
func (w *Worker) handleNotification(ctx context.Context, delivery amqp.Delivery) error {
	log.Info().RawJSON("notification", delivery.Body).Msg("Stock notification observed")
	return nil
}

// runMonitor periodically reports queue depths and alert statistics without
// consuming any messages. Pure observability, not part of the correctness
// path.
func (w *Worker) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reportQueueStats(ctx)
		}
	}
}

func (w *Worker) reportQueueStats(ctx context.Context) {
	event := log.Info()
	for _, queue := range []string{w.cfg.OrdersQueue, w.cfg.QueuableOrdersQueue} {
		depth, err := w.bus.QueueDepth(queue)
		if err != nil {
			log.Warn().Err(err).Str("queue", queue).Msg("Queue depth check failed")
			continue
		}
		event = event.Int(queue, depth)
	}
	stats, err := w.stats.AlertStatistics(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Alert statistics query failed")
	} else {
		counts := make(map[string]int)
		for _, s := range stats {
			counts[string(s.Type)] += s.Count
		}
		event = event.Interface("alerts", counts)
	}
	event.Msg("Queue monitor")
}

// runCleanup periodically purges expired alerts.
func (w *Worker) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.alerts.CleanupOldAlerts(ctx); err != nil {
				log.Error().Err(err).Msg("Alert cleanup failed")
			}
		}
	}
}
