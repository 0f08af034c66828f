package worker

import (
	"context"
	"testing"
	"time"

	"github.com/drluca/orderstream/config"
	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/eventbus"
	"github.com/drluca/orderstream/internal/models"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	stock map[string]int
}

func (f *fakeLedger) DecrementStock(_ context.Context, productID string, quantity int) (int, error) {
	available, ok := f.stock[productID]
	if !ok {
		return 0, apperr.NewNotFound("product", productID)
	}
	if available < quantity {
		return 0, &apperr.InsufficientStockError{ProductID: productID, Requested: quantity, Available: available}
	}
	f.stock[productID] = available - quantity
	return f.stock[productID], nil
}

func (f *fakeLedger) IncrementStock(_ context.Context, productID string, quantity int) error {
	if _, ok := f.stock[productID]; !ok {
		return apperr.NewNotFound("product", productID)
	}
	f.stock[productID] += quantity
	return nil
}

type fakeOrders struct {
	statuses map[string]models.OrderStatus
	reasons  map[string]string
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		statuses: make(map[string]models.OrderStatus),
		reasons:  make(map[string]string),
	}
}

func (f *fakeOrders) UpdateOrderStatus(_ context.Context, orderID string, status models.OrderStatus, reason *string) error {
	f.statuses[orderID] = status
	if reason != nil {
		f.reasons[orderID] = *reason
	}
	return nil
}

type fakeAlerts struct {
	lowStockChecks []string
	lowStockLevels []int
	failedOrders   []string
	ingested       [][]byte
	cleanups       int
}

func (f *fakeAlerts) CheckLowStockAlert(_ context.Context, productID string, currentStock, _ int, _ *string) (bool, error) {
	f.lowStockChecks = append(f.lowStockChecks, productID)
	f.lowStockLevels = append(f.lowStockLevels, currentStock)
	return false, nil
}

func (f *fakeAlerts) CreateFailedOrderAlert(_ context.Context, productID string, _, _ int, _ string, _ *string) error {
	f.failedOrders = append(f.failedOrders, productID)
	return nil
}

func (f *fakeAlerts) CleanupOldAlerts(context.Context) (int64, error) {
	f.cleanups++
	return 0, nil
}

func (f *fakeAlerts) IngestExternalAlert(_ context.Context, body []byte) error {
	f.ingested = append(f.ingested, body)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		OrdersQueue:         "orders_queue",
		QueuableOrdersQueue: "queuable_orders",
		ConsumerTag:         "test-worker",
		WorkerHandleTimeout: 5 * time.Second,
	}
}

func newTestWorker(stock map[string]int) (*Worker, *fakeLedger, *fakeOrders, *fakeAlerts) {
	ledger := &fakeLedger{stock: stock}
	orders := newFakeOrders()
	alerts := &fakeAlerts{}
	w := New(nil, ledger, orders, alerts, nil, testConfig())
	return w, ledger, orders, alerts
}

func delivery(t *testing.T, msg models.QueueMessage) amqp.Delivery {
	t.Helper()
	body, err := msg.ToJSON()
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func TestHandleMessage_MalformedBody(t *testing.T) {
	w, _, _, _ := newTestWorker(nil)

	err := w.HandleMessage(context.Background(), amqp.Delivery{Body: []byte("not json")})
	assert.ErrorIs(t, err, eventbus.ErrPermanentFailure)
}

func TestHandleMessage_UnexpectedType(t *testing.T) {
	w, _, _, _ := newTestWorker(nil)

	err := w.HandleMessage(context.Background(), delivery(t, models.QueueMessage{Type: "SOMETHING_ELSE"}))
	assert.ErrorIs(t, err, eventbus.ErrPermanentFailure)
}

func TestHandleMessage_SkipsQueuableOrders(t *testing.T) {
	w, ledger, orders, _ := newTestWorker(map[string]int{"p1": 10})

	msg := models.NewStockVerificationMessage("o1", true, []models.QueueItem{
		{ProductID: "p1", Quantity: 3, IsQueuable: true},
	})
	require.NoError(t, w.HandleMessage(context.Background(), delivery(t, msg)))

	// Nothing decremented, no status change: queuable orders wait for the
	// operator.
	assert.Equal(t, 10, ledger.stock["p1"])
	assert.Empty(t, orders.statuses)
}

func TestHandleMessage_DecrementsAndChecksThreshold(t *testing.T) {
	w, ledger, orders, alerts := newTestWorker(map[string]int{"pA": 50})

	msg := models.NewStockVerificationMessage("o1", false, []models.QueueItem{
		{ProductID: "pA", Quantity: 1},
	})
	require.NoError(t, w.HandleMessage(context.Background(), delivery(t, msg)))

	assert.Equal(t, 49, ledger.stock["pA"])
	require.Equal(t, []string{"pA"}, alerts.lowStockChecks)
	// Threshold evaluated against the post-decrement stock.
	assert.Equal(t, []int{49}, alerts.lowStockLevels)
	assert.Empty(t, alerts.failedOrders)
	assert.Empty(t, orders.statuses)
}

func TestHandleMessage_InsufficientStock(t *testing.T) {
	w, ledger, orders, alerts := newTestWorker(map[string]int{"pC": 0, "pD": 5})

	msg := models.NewStockVerificationMessage("o1", false, []models.QueueItem{
		{ProductID: "pC", Quantity: 1},
		{ProductID: "pD", Quantity: 2},
	})
	require.NoError(t, w.HandleMessage(context.Background(), delivery(t, msg)))

	// The failed item raised an alert; processing continued with the rest.
	assert.Equal(t, []string{"pC"}, alerts.failedOrders)

	// Partial failure cancels the order with the first failure as the reason,
	// and the units already taken for pD go back to the ledger.
	assert.Equal(t, models.OrderStatusCancelled, orders.statuses["o1"])
	assert.Contains(t, orders.reasons["o1"], "pC")
	assert.Equal(t, 5, ledger.stock["pD"])
}

func TestHandleMessage_TransientErrorPropagates(t *testing.T) {
	// A missing product is not an insufficiency; the message must be
	// redelivered, so the handler returns a non-permanent error.
	w, _, _, _ := newTestWorker(map[string]int{})

	msg := models.NewStockVerificationMessage("o1", false, []models.QueueItem{
		{ProductID: "ghost", Quantity: 1},
	})
	err := w.HandleMessage(context.Background(), delivery(t, msg))
	require.Error(t, err)
	assert.NotErrorIs(t, err, eventbus.ErrPermanentFailure)
}

func TestHandleExternalAlert(t *testing.T) {
	w, _, _, alerts := newTestWorker(nil)

	body := []byte(`{"type":"LOW_STOCK","productId":"p1","quantity":2}`)
	require.NoError(t, w.handleExternalAlert(context.Background(), amqp.Delivery{Body: body}))
	require.Len(t, alerts.ingested, 1)
	assert.Equal(t, body, alerts.ingested[0])
}
