package order

import (
	"context"
	"testing"
	"time"

	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/cache"
	"github.com/drluca/orderstream/internal/models"
	"github.com/drluca/orderstream/internal/queue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	products map[string]models.Product
}

func (f *fakeLedger) FindProduct(_ context.Context, id string) (models.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return models.Product{}, apperr.NewNotFound("product", id)
	}
	return p, nil
}

func (f *fakeLedger) BatchFindProducts(_ context.Context, ids []string) (map[string]models.Product, error) {
	found := make(map[string]models.Product)
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			found[id] = p
		}
	}
	return found, nil
}

type fakeStore struct {
	users          map[string]bool
	orders         map[string]models.Order
	confirmErr     error
	confirmedStock map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  map[string]bool{"u1": true},
		orders: make(map[string]models.Order),
	}
}

func (f *fakeStore) UserExists(_ context.Context, userID string) (bool, error) {
	return f.users[userID], nil
}

func (f *fakeStore) CreateOrder(_ context.Context, order *models.Order) error {
	f.orders[order.ID] = *order
	return nil
}

func (f *fakeStore) GetOrder(_ context.Context, orderID string) (models.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return models.Order{}, apperr.NewNotFound("order", orderID)
	}
	return o, nil
}

func (f *fakeStore) UpdateOrderStatus(_ context.Context, orderID string, status models.OrderStatus, reason *string) error {
	o, ok := f.orders[orderID]
	if !ok {
		return apperr.NewNotFound("order", orderID)
	}
	o.Status = status
	o.CancellationReason = reason
	f.orders[orderID] = o
	return nil
}

func (f *fakeStore) ConfirmOrderWithStock(_ context.Context, orderID string, items []models.OrderItem) (map[string]int, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	o := f.orders[orderID]
	o.Status = models.OrderStatusConfirmed
	f.orders[orderID] = o
	return f.confirmedStock, nil
}

type fakeAlerts struct {
	lowStockChecks []string
	queuedAlerts   []string
	processed      []string
}

func (f *fakeAlerts) CheckLowStockAlert(_ context.Context, productID string, _, _ int, _ *string) (bool, error) {
	f.lowStockChecks = append(f.lowStockChecks, productID)
	return false, nil
}

func (f *fakeAlerts) CreateQueuedOrderAlert(_ context.Context, productID string, _ int, _ string) error {
	f.queuedAlerts = append(f.queuedAlerts, productID)
	return nil
}

func (f *fakeAlerts) MarkQueuedOrderAsProcessed(_ context.Context, orderID, _, _ string) error {
	f.processed = append(f.processed, orderID)
	return nil
}

type fakeRouter struct {
	published  []models.QueueMessage
	moved      []string
	moveErr    error
	publishErr error
}

func (f *fakeRouter) PublishOrderMessage(_ context.Context, msg models.QueueMessage) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeRouter) MoveToStandardQueue(_ context.Context, orderID string) (queue.MoveOutcome, error) {
	if f.moveErr != nil {
		return "", f.moveErr
	}
	f.moved = append(f.moved, orderID)
	return queue.MoveOutcomeMoved, nil
}

type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (m *memCache) Del(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memCache) GenerateKey(operation, key string) string { return operation + ":" + key }

func price(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testProducts() map[string]models.Product {
	return map[string]models.Product{
		"pA": {ID: "pA", Name: "Widget", Price: price("10.50"), Stock: 50},
		"pB": {ID: "pB", Name: "Rare Part", Price: price("99.99"), Stock: 2, IsQueuable: true},
	}
}

func newTestService(products map[string]models.Product) (*Service, *fakeStore, *fakeAlerts, *fakeRouter) {
	store := newFakeStore()
	alerts := &fakeAlerts{}
	router := &fakeRouter{}
	svc := NewService(&fakeLedger{products: products}, store, alerts, router, newMemCache(), time.Minute)
	return svc, store, alerts, router
}

func TestCreateOrder_Validation(t *testing.T) {
	svc, _, _, router := newTestService(testProducts())

	t.Run("empty items", func(t *testing.T) {
		_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{UserID: "u1"})
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
			UserID: "u1",
			Items:  []CreateOrderItem{{ProductID: "pA", Quantity: 0}},
		})
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
			UserID: "ghost",
			Items:  []CreateOrderItem{{ProductID: "pA", Quantity: 1}},
		})
		var nf *apperr.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "user", nf.Resource)
	})

	t.Run("all missing products listed", func(t *testing.T) {
		_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
			UserID: "u1",
			Items: []CreateOrderItem{
				{ProductID: "pA", Quantity: 1},
				{ProductID: "missing1", Quantity: 1},
				{ProductID: "missing2", Quantity: 1},
			},
		})
		var nf *apperr.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.ElementsMatch(t, []string{"missing1", "missing2"}, nf.IDs)
	})

	// Nothing was published for any rejected request.
	assert.Empty(t, router.published)
}

func TestCreateOrder_NonQueuableConfirmed(t *testing.T) {
	svc, store, alerts, router := newTestService(testProducts())

	result, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "u1",
		Items:  []CreateOrderItem{{ProductID: "pA", Quantity: 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusConfirmed, result.Status)
	assert.True(t, result.Order.TotalAmount.Equal(price("21.00")))

	// Price is snapshotted from the ledger.
	require.Len(t, result.Order.Items, 1)
	assert.True(t, result.Order.Items[0].Price.Equal(price("10.50")))

	// Low-stock check ran pre-decrement, no queued alert.
	assert.Equal(t, []string{"pA"}, alerts.lowStockChecks)
	assert.Empty(t, alerts.queuedAlerts)

	// Exactly one tracking message, routed as non-queuable.
	require.Len(t, router.published, 1)
	msg := router.published[0]
	assert.Equal(t, models.MessageTypeStockVerification, msg.Type)
	assert.False(t, msg.Data.HasQueuableProducts)
	assert.Equal(t, result.Order.ID, msg.Data.OrderID)

	// Persisted.
	_, ok := store.orders[result.Order.ID]
	assert.True(t, ok)
}

func TestCreateOrder_PublishFailureCancelsOrder(t *testing.T) {
	svc, store, _, router := newTestService(testProducts())
	router.publishErr = assert.AnError

	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "u1",
		Items:  []CreateOrderItem{{ProductID: "pA", Quantity: 2}},
	})
	require.Error(t, err)

	// The persisted order must not survive as CONFIRMED with no tracking
	// message; nothing downstream would ever verify its stock.
	require.Len(t, store.orders, 1)
	for _, o := range store.orders {
		assert.Equal(t, models.OrderStatusCancelled, o.Status)
		require.NotNil(t, o.CancellationReason)
		assert.Contains(t, *o.CancellationReason, "tracking message")
	}
	assert.Empty(t, router.published)
}

func TestCreateOrder_QueuablePending(t *testing.T) {
	svc, _, alerts, router := newTestService(testProducts())

	result, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "u1",
		Items: []CreateOrderItem{
			{ProductID: "pA", Quantity: 1},
			{ProductID: "pB", Quantity: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, result.Status)

	// Queued alert for the queuable item, low-stock check for the other.
	assert.Equal(t, []string{"pB"}, alerts.queuedAlerts)
	assert.Equal(t, []string{"pA"}, alerts.lowStockChecks)

	require.Len(t, router.published, 1)
	assert.True(t, router.published[0].Data.HasQueuableProducts)

	items := router.published[0].Data.Items
	require.Len(t, items, 2)
	assert.False(t, items[0].IsQueuable)
	assert.True(t, items[1].IsQueuable)
}

func TestValidateOrder(t *testing.T) {
	pendingOrder := func(store *fakeStore, id string, items []models.OrderItem) {
		store.orders[id] = models.Order{ID: id, UserID: "u1", Status: models.OrderStatusPending, Items: items}
	}
	queuableItems := []models.OrderItem{
		{ID: "i1", OrderID: "o1", ProductID: "pB", Quantity: 2, Price: price("99.99")},
	}

	t.Run("not found", func(t *testing.T) {
		svc, _, _, _ := newTestService(testProducts())
		_, err := svc.ValidateOrder(context.Background(), "nope")
		var nf *apperr.NotFoundError
		require.ErrorAs(t, err, &nf)
	})

	t.Run("not pending", func(t *testing.T) {
		svc, store, _, _ := newTestService(testProducts())
		store.orders["o1"] = models.Order{ID: "o1", Status: models.OrderStatusConfirmed, Items: queuableItems}

		_, err := svc.ValidateOrder(context.Background(), "o1")
		var ce *apperr.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, ce.Error(), "CONFIRMED")
	})

	t.Run("no queuable items", func(t *testing.T) {
		svc, store, _, _ := newTestService(testProducts())
		pendingOrder(store, "o1", []models.OrderItem{
			{ID: "i1", OrderID: "o1", ProductID: "pA", Quantity: 1, Price: price("10.50")},
		})

		_, err := svc.ValidateOrder(context.Background(), "o1")
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("insufficient stock aborts, order stays pending", func(t *testing.T) {
		svc, store, alerts, router := newTestService(testProducts())
		pendingOrder(store, "o1", queuableItems)
		store.confirmErr = &apperr.InsufficientStockError{ProductID: "pB", Requested: 2, Available: 1}

		_, err := svc.ValidateOrder(context.Background(), "o1")
		var is *apperr.InsufficientStockError
		require.ErrorAs(t, err, &is)
		assert.Equal(t, "pB", is.ProductID)

		assert.Equal(t, models.OrderStatusPending, store.orders["o1"].Status)
		assert.Empty(t, alerts.processed)
		assert.Empty(t, router.moved)
	})

	t.Run("success confirms, reconciles and moves", func(t *testing.T) {
		svc, store, alerts, router := newTestService(testProducts())
		pendingOrder(store, "o1", queuableItems)
		store.confirmedStock = map[string]int{"pB": 0}

		order, err := svc.ValidateOrder(context.Background(), "o1")
		require.NoError(t, err)

		assert.Equal(t, models.OrderStatusConfirmed, order.Status)
		assert.Equal(t, models.OrderStatusConfirmed, store.orders["o1"].Status)
		assert.Equal(t, []string{"pB"}, alerts.lowStockChecks)
		assert.Equal(t, []string{"o1"}, alerts.processed)
		assert.Equal(t, []string{"o1"}, router.moved)
	})

	t.Run("move failure does not revert validation", func(t *testing.T) {
		svc, store, alerts, router := newTestService(testProducts())
		pendingOrder(store, "o1", queuableItems)
		store.confirmedStock = map[string]int{"pB": 0}
		router.moveErr = assert.AnError

		order, err := svc.ValidateOrder(context.Background(), "o1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusConfirmed, order.Status)
		assert.Equal(t, []string{"o1"}, alerts.processed)
	})
}

func TestGetOrder_CachesReads(t *testing.T) {
	svc, store, _, _ := newTestService(testProducts())
	store.orders["o1"] = models.Order{ID: "o1", UserID: "u1", Status: models.OrderStatusConfirmed}

	first, err := svc.GetOrder(context.Background(), "o1")
	require.NoError(t, err)

	// Remove from the store; the cached copy must still serve.
	delete(store.orders, "o1")
	second, err := svc.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
}
