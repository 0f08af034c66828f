// Package order implements order admission and operator-triggered manual
// validation against the stock ledger and the queue router.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/cache"
	"github.com/drluca/orderstream/internal/models"
	"github.com/drluca/orderstream/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Ledger is the read side of the stock ledger the admission path needs.
// Admission never mutates stock; the decrement happens later, in the worker or
// in manual validation.
type Ledger interface {
	FindProduct(ctx context.Context, productID string) (models.Product, error)
	BatchFindProducts(ctx context.Context, ids []string) (map[string]models.Product, error)
}

// Store is the order persistence slice.
type Store interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, reason *string) error
	ConfirmOrderWithStock(ctx context.Context, orderID string, items []models.OrderItem) (map[string]int, error)
}

// Alerts is the slice of the stock alert service used here.
type Alerts interface {
	CheckLowStockAlert(ctx context.Context, productID string, currentStock, quantity int, orderID *string) (bool, error)
	CreateQueuedOrderAlert(ctx context.Context, productID string, quantity int, orderID string) error
	MarkQueuedOrderAsProcessed(ctx context.Context, orderID, processedBy, validationType string) error
}

// Router routes tracking messages and moves them between queues.
type Router interface {
	PublishOrderMessage(ctx context.Context, msg models.QueueMessage) error
	MoveToStandardQueue(ctx context.Context, orderID string) (queue.MoveOutcome, error)
}

// CreateOrderRequest is the admission input. Client-supplied prices, if any,
// are ignored; prices are snapshotted from the ledger.
type CreateOrderRequest struct {
	UserID string             `json:"userId"`
	Items  []CreateOrderItem  `json:"items"`
	Status models.OrderStatus `json:"status,omitempty"`
}

type CreateOrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// CreateOrderResult is what admission returns to the caller.
type CreateOrderResult struct {
	Status  models.OrderStatus `json:"status"`
	Message string             `json:"message"`
	Order   models.Order       `json:"order"`
}

// Service coordinates admission and validation.
type Service struct {
	ledger   Ledger
	store    Store
	alerts   Alerts
	router   Router
	cache    cache.Cache
	cacheTTL time.Duration
}

func NewService(ledger Ledger, store Store, alerts Alerts, router Router, c cache.Cache, cacheTTL time.Duration) *Service {
	return &Service{
		ledger:   ledger,
		store:    store,
		alerts:   alerts,
		router:   router,
		cache:    c,
		cacheTTL: cacheTTL,
	}
}

// CreateOrder admits an order: validates the request, snapshots prices,
// decides CONFIRMED vs PENDING, persists atomically, raises admission-time
// alerts and always publishes exactly one tracking message.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	if len(req.Items) == 0 {
		return nil, apperr.NewValidation("order must contain at least one item")
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return nil, apperr.NewValidation("each item requires a productId and a positive quantity")
		}
	}

	exists, err := s.store.UserExists(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NewNotFound("user", req.UserID)
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.ledger.BatchFindProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Report every missing product, not just the first.
	var missing []string
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.NewNotFound("product", missing...)
	}

	orderID := uuid.NewString()
	now := time.Now()
	total := decimal.Zero
	hasQueuable := false
	items := make([]models.OrderItem, 0, len(req.Items))
	queueItems := make([]models.QueueItem, 0, len(req.Items))

	for _, reqItem := range req.Items {
		product := products[reqItem.ProductID]
		if product.IsQueuable {
			hasQueuable = true
		}
		total = total.Add(product.Price.Mul(decimal.NewFromInt(int64(reqItem.Quantity))))
		items = append(items, models.OrderItem{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			ProductID: product.ID,
			Quantity:  reqItem.Quantity,
			Price:     product.Price,
		})
		queueItems = append(queueItems, models.QueueItem{
			ProductID:  product.ID,
			Quantity:   reqItem.Quantity,
			IsQueuable: product.IsQueuable,
		})
	}

	status := models.OrderStatusConfirmed
	if hasQueuable {
		status = models.OrderStatusPending
	}

	order := models.Order{
		ID:          orderID,
		UserID:      req.UserID,
		Status:      status,
		TotalAmount: total,
		CreatedAt:   now,
		UpdatedAt:   now,
		Items:       items,
	}
	if err := s.store.CreateOrder(ctx, &order); err != nil {
		return nil, err
	}

	// Admission-time alert bookkeeping. Read-only low-stock checks for items
	// the worker will decrement; queued-order alerts for items waiting on the
	// operator. Alert failures never unwind an admitted order.
	for _, reqItem := range req.Items {
		product := products[reqItem.ProductID]
		if product.IsQueuable {
			if err := s.alerts.CreateQueuedOrderAlert(ctx, product.ID, reqItem.Quantity, orderID); err != nil {
				log.Error().Err(err).Str("orderId", orderID).Str("productId", product.ID).
					Msg("Failed to create queued-order alert")
			}
			continue
		}
		if _, err := s.alerts.CheckLowStockAlert(ctx, product.ID, product.Stock, reqItem.Quantity, &orderID); err != nil {
			log.Error().Err(err).Str("orderId", orderID).Str("productId", product.ID).
				Msg("Low-stock check failed")
		}
	}

	// The tracking message is the single source of truth downstream stock
	// mutation consumes; it is published regardless of alert outcomes. An
	// admitted order with no message would never have its stock verified, so a
	// failed publish cancels the order instead of leaving it stranded.
	msg := models.NewStockVerificationMessage(orderID, hasQueuable, queueItems)
	if err := s.router.PublishOrderMessage(ctx, msg); err != nil {
		reason := "tracking message could not be published"
		if cancelErr := s.store.UpdateOrderStatus(ctx, orderID, models.OrderStatusCancelled, &reason); cancelErr != nil {
			log.Error().Err(cancelErr).Str("orderId", orderID).Msg("Failed to cancel order after publish failure")
		} else {
			log.Warn().Str("orderId", orderID).Msg("Order cancelled: tracking message publish failed")
		}
		return nil, err
	}

	message := "Order confirmed, stock verification queued"
	if hasQueuable {
		message = "Order pending manual validation of queuable products"
	}
	log.Info().Str("orderId", orderID).Str("status", string(status)).Msg("Order admitted")
	return &CreateOrderResult{Status: status, Message: message, Order: order}, nil
}

// GetOrder reads an order through the redis cache.
func (s *Service) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	key := s.cache.GenerateKey("order", orderID)
	if cached, err := s.cache.Get(ctx, key); err == nil {
		var order models.Order
		if err := json.Unmarshal(cached, &order); err == nil {
			return order, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Str("orderId", orderID).Msg("Order cache read failed")
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if body, err := json.Marshal(order); err == nil {
		if err := s.cache.Set(ctx, key, body, s.cacheTTL); err != nil {
			log.Warn().Err(err).Str("orderId", orderID).Msg("Order cache write failed")
		}
	}
	return order, nil
}

// ValidateOrder performs the operator-triggered transition of a PENDING order
// with queuable items into CONFIRMED: the deferred stock decrement, alert
// reconciliation and a best-effort queue move.
func (s *Service) ValidateOrder(ctx context.Context, orderID string) (models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.Status != models.OrderStatusPending {
		return models.Order{}, apperr.NewConflict("order %s is %s, only PENDING orders can be validated",
			orderID, order.Status)
	}

	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.ledger.BatchFindProducts(ctx, ids)
	if err != nil {
		return models.Order{}, err
	}
	hasQueuable := false
	for _, item := range order.Items {
		if p, ok := products[item.ProductID]; ok && p.IsQueuable {
			hasQueuable = true
			break
		}
	}
	if !hasQueuable {
		return models.Order{}, apperr.NewValidation(
			"order %s has no queuable items; it is handled by the automatic path", orderID)
	}

	// One atomic transaction: verify and decrement every line item, then flip
	// the status. The first insufficient product aborts everything.
	newStocks, err := s.store.ConfirmOrderWithStock(ctx, orderID, order.Items)
	if err != nil {
		return models.Order{}, err
	}
	order.Status = models.OrderStatusConfirmed

	// Post-commit reconciliation. The order is durably CONFIRMED from here on;
	// nothing below rolls it back.
	for _, item := range order.Items {
		stock, ok := newStocks[item.ProductID]
		if !ok {
			continue
		}
		if _, err := s.alerts.CheckLowStockAlert(ctx, item.ProductID, stock, item.Quantity, &orderID); err != nil {
			log.Error().Err(err).Str("orderId", orderID).Str("productId", item.ProductID).
				Msg("Post-validation low-stock check failed")
		}
	}

	if err := s.alerts.MarkQueuedOrderAsProcessed(ctx, orderID, "CONTROLLER", "MANUAL"); err != nil {
		log.Error().Err(err).Str("orderId", orderID).Msg("Failed to mark queued-order alerts processed")
	}

	s.invalidateOrderCache(ctx, orderID)

	outcome, err := s.router.MoveToStandardQueue(ctx, orderID)
	if err != nil {
		// Best-effort audit step: the validation already committed.
		log.Error().Err(err).Str("orderId", orderID).Msg("Failed to move order message to standard queue")
	} else {
		log.Info().Str("orderId", orderID).Str("outcome", string(outcome)).Msg("Order message move resolved")
	}

	log.Info().Str("orderId", orderID).Msg("Order manually validated")
	return order, nil
}

func (s *Service) invalidateOrderCache(ctx context.Context, orderID string) {
	key := s.cache.GenerateKey("order", orderID)
	if err := s.cache.Del(ctx, key); err != nil {
		log.Warn().Err(err).Str("orderId", orderID).Msg("Order cache invalidation failed")
	}
}
