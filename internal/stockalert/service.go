// Package stockalert is the central authority for alert lifecycle: creation,
// threshold evaluation, queue-position renumbering, notification emission and
// retention cleanup.
package stockalert

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/drluca/orderstream/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// The de-duplication window for LOW_STOCK / STOCK_OUT alerts. Repeated small
// decrements below the threshold must not produce an alert storm.
const dedupWindow = 24 * time.Hour

// Store is the slice of the alert store the service depends on.
type Store interface {
	CreateAlert(ctx context.Context, alert *models.StockAlert) error
	HasRecentStockAlert(ctx context.Context, productID string, within time.Duration) (bool, error)
	CountQueuedAlerts(ctx context.Context, productID string) (int, error)
	MarkQueuedProcessed(ctx context.Context, orderID string, meta models.ProcessedMeta) ([]string, error)
	ListQueuedByProduct(ctx context.Context, productID string) ([]models.StockAlert, error)
	SetQueuePosition(ctx context.Context, alertID string, position int) error
	DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CreateNotification(ctx context.Context, n *models.StockAlertNotification) error
}

// ProductReader resolves product names and the queuable flag.
type ProductReader interface {
	FindProduct(ctx context.Context, productID string) (models.Product, error)
}

// Publisher pushes notifications onto the stock-notifications queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// ThresholdFunc computes the stock level at or below which a LOW_STOCK /
// STOCK_OUT alert is raised, given the requested quantity.
type ThresholdFunc func(quantity int) int

// DefaultThreshold is max(floor, ceil(quantity*ratio)).
func DefaultThreshold(floor int, ratio float64) ThresholdFunc {
	return func(quantity int) int {
		scaled := int(math.Ceil(float64(quantity) * ratio))
		if scaled < floor {
			return floor
		}
		return scaled
	}
}

// Config carries the service's tunables.
type Config struct {
	Threshold            ThresholdFunc
	AlertExpirationDays  int
	NotificationsEnabled bool
	NotificationsQueue   string
}

// Service owns alert bookkeeping. Constructed explicitly at wiring time; it
// never self-instantiates collaborators.
type Service struct {
	store    Store
	products ProductReader
	cfg      Config
	notifier *notifier
}

func New(store Store, products ProductReader, bus Publisher, cfg Config) *Service {
	if cfg.Threshold == nil {
		cfg.Threshold = DefaultThreshold(5, 0.1)
	}
	if cfg.AlertExpirationDays <= 0 {
		cfg.AlertExpirationDays = 30
	}
	return &Service{
		store:    store,
		products: products,
		cfg:      cfg,
		notifier: newNotifier(store, bus, cfg.NotificationsQueue),
	}
}

// CheckLowStockAlert evaluates whether the product's current stock warrants a
// LOW_STOCK or STOCK_OUT alert. Read-only with respect to stock: it never
// decrements anything. Returns true when an alert was created.
func (s *Service) CheckLowStockAlert(ctx context.Context, productID string, currentStock, quantity int, orderID *string) (bool, error) {
	threshold := s.cfg.Threshold(quantity)
	if currentStock > threshold {
		return false, nil
	}

	recent, err := s.store.HasRecentStockAlert(ctx, productID, dedupWindow)
	if err != nil {
		return false, err
	}
	if recent {
		log.Debug().Str("productId", productID).Msg("Recent stock alert exists, skipping duplicate")
		return false, nil
	}

	alertType := models.AlertLowStock
	if currentStock == 0 {
		alertType = models.AlertStockOut
	}

	alert := &models.StockAlert{
		ID:        uuid.NewString(),
		Type:      alertType,
		ProductID: productID,
		Quantity:  currentStock,
		OrderID:   orderID,
		CreatedAt: time.Now(),
		Metadata: models.LowStockMeta{
			Threshold:    threshold,
			CurrentStock: currentStock,
		},
	}
	if err := s.createAlert(ctx, alert); err != nil {
		return false, err
	}
	return true, nil
}

// CreateQueuedOrderAlert records a queuable line item waiting for manual
// validation. Non-queuable products are a no-op with a warning: the automatic
// path owns them.
func (s *Service) CreateQueuedOrderAlert(ctx context.Context, productID string, quantity int, orderID string) error {
	product, err := s.products.FindProduct(ctx, productID)
	if err != nil {
		return err
	}
	if !product.IsQueuable {
		log.Warn().Str("productId", productID).Str("orderId", orderID).
			Msg("Queued-order alert requested for non-queuable product, ignoring")
		return nil
	}

	count, err := s.store.CountQueuedAlerts(ctx, productID)
	if err != nil {
		return err
	}
	position := count + 1

	alert := &models.StockAlert{
		ID:        uuid.NewString(),
		Type:      models.AlertQueuedOrder,
		ProductID: productID,
		Quantity:  quantity,
		OrderID:   &orderID,
		CreatedAt: time.Now(),
		Metadata: models.QueuedOrderMeta{
			QueuePosition: position,
			Message:       fmt.Sprintf("Order queued at position %d for %s", position, product.Name),
		},
	}
	return s.createAlert(ctx, alert)
}

// MarkQueuedOrderAsProcessed retypes every QUEUED_ORDER alert of the order to
// PROCESSED, then renumbers the remaining queued alerts of each affected
// product. Positions are recomputed globally per product, not decremented,
// since orders may complete out of creation order.
func (s *Service) MarkQueuedOrderAsProcessed(ctx context.Context, orderID, processedBy, validationType string) error {
	productIDs, err := s.store.MarkQueuedProcessed(ctx, orderID, models.ProcessedMeta{
		ProcessedBy:    processedBy,
		ValidationType: validationType,
	})
	if err != nil {
		return err
	}
	if len(productIDs) == 0 {
		log.Debug().Str("orderId", orderID).Msg("No queued-order alerts to process")
		return nil
	}

	renumbered := make(map[string]bool, len(productIDs))
	for _, productID := range productIDs {
		if renumbered[productID] {
			continue
		}
		renumbered[productID] = true
		if err := s.updateQueuePositions(ctx, productID); err != nil {
			return err
		}
	}
	log.Info().Str("orderId", orderID).Str("processedBy", processedBy).Msg("Queued-order alerts marked processed")
	return nil
}

// updateQueuePositions recomputes 1-based positions for a product's open
// queued alerts, ordered by creation time ascending.
func (s *Service) updateQueuePositions(ctx context.Context, productID string) error {
	queued, err := s.store.ListQueuedByProduct(ctx, productID)
	if err != nil {
		return err
	}
	for i, alert := range queued {
		want := i + 1
		if meta, ok := alert.Metadata.(models.QueuedOrderMeta); ok && meta.QueuePosition == want {
			continue
		}
		if err := s.store.SetQueuePosition(ctx, alert.ID, want); err != nil {
			return err
		}
	}
	return nil
}

// CreateFailedOrderAlert records a failed stock decrement. Unconditional: no
// de-duplication, every failed attempt is audited.
func (s *Service) CreateFailedOrderAlert(ctx context.Context, productID string, requested, available int, reason string, orderID *string) error {
	alert := &models.StockAlert{
		ID:        uuid.NewString(),
		Type:      models.AlertFailedOrder,
		ProductID: productID,
		Quantity:  requested,
		OrderID:   orderID,
		CreatedAt: time.Now(),
		Metadata: models.FailedOrderMeta{
			Reason:    reason,
			Requested: requested,
			Available: available,
		},
	}
	return s.createAlert(ctx, alert)
}

// CleanupOldAlerts deletes alerts past the retention window, except
// QUEUED_ORDER alerts which are never purged while pending.
func (s *Service) CleanupOldAlerts(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.AlertExpirationDays)
	deleted, err := s.store.DeleteAlertsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Expired stock alerts cleaned up")
	}
	return deleted, nil
}

// createAlert persists the alert, then fans out the notification. Notification
// failures are swallowed: alert creation never fails because the side-channel
// did.
func (s *Service) createAlert(ctx context.Context, alert *models.StockAlert) error {
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return err
	}
	log.Info().Str("type", string(alert.Type)).Str("productId", alert.ProductID).Msg("Stock alert created")

	if !s.cfg.NotificationsEnabled {
		return nil
	}
	productName := alert.ProductID
	if product, err := s.products.FindProduct(ctx, alert.ProductID); err == nil {
		productName = product.Name
	}
	if err := s.notifier.send(ctx, alert, productName); err != nil {
		log.Error().Err(err).Str("alertId", alert.ID).Msg("Failed to send alert notification")
	}
	return nil
}

// IngestExternalAlert relays an alert-shaped JSON payload from the legacy
// stock-alerts queue into the alert store, with the usual notification
// fan-out.
func (s *Service) IngestExternalAlert(ctx context.Context, body []byte) error {
	var payload struct {
		Type      models.AlertType `json:"type"`
		ProductID string           `json:"productId"`
		Quantity  int              `json:"quantity"`
		OrderID   *string          `json:"orderId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode external alert: %w", err)
	}
	switch payload.Type {
	case models.AlertLowStock, models.AlertStockOut, models.AlertFailedOrder,
		models.AlertQueuedOrder, models.AlertProcessed:
	default:
		return fmt.Errorf("external alert has unknown type %q", payload.Type)
	}
	if payload.ProductID == "" {
		return fmt.Errorf("external alert missing productId")
	}

	alert := &models.StockAlert{
		ID:        uuid.NewString(),
		Type:      payload.Type,
		ProductID: payload.ProductID,
		Quantity:  payload.Quantity,
		OrderID:   payload.OrderID,
		CreatedAt: time.Now(),
	}
	return s.createAlert(ctx, alert)
}

// RecentNotifications returns the in-process ring of recent notifications,
// most recent first.
func (s *Service) RecentNotifications() []models.StockAlertNotification {
	return s.notifier.recent()
}

// Subscribe registers a callback invoked synchronously for every emitted
// notification. Callback panics are caught and logged, never propagated.
func (s *Service) Subscribe(fn func(models.StockAlertNotification)) {
	s.notifier.subscribe(fn)
}
