package stockalert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/drluca/orderstream/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ringCapacity bounds the in-process recent-notification buffer. It is a
// best-effort cache, lost on restart; the notification store is the source of
// truth.
const ringCapacity = 100

// severityFor is the fixed type→severity mapping.
func severityFor(t models.AlertType) models.Severity {
	switch t {
	case models.AlertStockOut:
		return models.SeverityCritical
	case models.AlertLowStock, models.AlertFailedOrder:
		return models.SeverityHigh
	case models.AlertQueuedOrder:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func notificationMessage(alert *models.StockAlert, productName string) string {
	switch alert.Type {
	case models.AlertStockOut:
		return fmt.Sprintf("%s is out of stock", productName)
	case models.AlertLowStock:
		return fmt.Sprintf("%s is low on stock (%d remaining)", productName, alert.Quantity)
	case models.AlertFailedOrder:
		return fmt.Sprintf("Order failed for %s: requested %d", productName, alert.Quantity)
	case models.AlertQueuedOrder:
		return fmt.Sprintf("Order queued for %s (%d requested)", productName, alert.Quantity)
	default:
		return fmt.Sprintf("Queued order for %s processed", productName)
	}
}

// notifier persists, publishes and fans out notifications.
type notifier struct {
	store Store
	bus   Publisher
	queue string

	mu          sync.Mutex
	ring        []models.StockAlertNotification // most recent first
	subscribers []func(models.StockAlertNotification)
}

func newNotifier(store Store, bus Publisher, queue string) *notifier {
	return &notifier{
		store: store,
		bus:   bus,
		queue: queue,
		ring:  make([]models.StockAlertNotification, 0, ringCapacity),
	}
}

func (n *notifier) send(ctx context.Context, alert *models.StockAlert, productName string) error {
	notification := models.StockAlertNotification{
		ID:          uuid.NewString(),
		Type:        alert.Type,
		ProductID:   alert.ProductID,
		ProductName: productName,
		Message:     notificationMessage(alert, productName),
		Severity:    severityFor(alert.Type),
		Timestamp:   time.Now(),
		Read:        false,
	}

	if err := n.store.CreateNotification(ctx, &notification); err != nil {
		return err
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.bus.Publish(ctx, n.queue, body); err != nil {
		// The row is durable; the queue copy is best effort.
		log.Error().Err(err).Str("notificationId", notification.ID).Msg("Failed to publish notification to queue")
	}

	n.push(notification)
	return nil
}

// push prepends to the bounded ring and invokes subscribers synchronously.
func (n *notifier) push(notification models.StockAlertNotification) {
	n.mu.Lock()
	n.ring = append([]models.StockAlertNotification{notification}, n.ring...)
	if len(n.ring) > ringCapacity {
		n.ring = n.ring[:ringCapacity]
	}
	subscribers := make([]func(models.StockAlertNotification), len(n.subscribers))
	copy(subscribers, n.subscribers)
	n.mu.Unlock()

	for _, fn := range subscribers {
		n.invoke(fn, notification)
	}
}

func (n *notifier) invoke(fn func(models.StockAlertNotification), notification models.StockAlertNotification) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Notification subscriber panicked")
		}
	}()
	fn(notification)
}

func (n *notifier) recent() []models.StockAlertNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.StockAlertNotification, len(n.ring))
	copy(out, n.ring)
	return out
}

func (n *notifier) subscribe(fn func(models.StockAlertNotification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, fn)
}
