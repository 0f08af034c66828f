package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drluca/orderstream/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// The broker has no "peek and conditionally remove" primitive, so locating an
// order's message is a bounded linear scan on a dedicated channel. Scanned
// deliveries are held unacknowledged for the scan's duration, which keeps the
// broker serving deeper messages instead of redelivering the same requeued
// head; closing the scan channel requeues everything still unacked. The scan
// stops on the first of: match found, observed queue depth exhausted, or the
// configured timeout.

// FindOrder reports whether a STOCK_VERIFICATION message for the order sits in
// the queue. Non-destructive: every delivery, the match included, goes back to
// the queue when the scan channel closes.
func (m *Manager) FindOrder(ctx context.Context, queue, orderID string) (bool, error) {
	found := false
	err := m.scanQueue(ctx, queue, func(msg models.QueueMessage, delivery amqp.Delivery) (bool, error) {
		if msg.Data.OrderID == orderID {
			found = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// TakeOrder removes the order's message from the queue and returns its body.
// Returns ErrNotFound if the scan exhausts the queue without a match.
func (m *Manager) TakeOrder(ctx context.Context, queue, orderID string) ([]byte, error) {
	var body []byte
	err := m.scanQueue(ctx, queue, func(msg models.QueueMessage, delivery amqp.Delivery) (bool, error) {
		if msg.Data.OrderID == orderID {
			body = delivery.Body
			return true, delivery.Ack(false)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrNotFound
	}
	return body, nil
}

// scanVisitor inspects one delivery and returns done=true to stop the scan.
// Deliveries are left unacknowledged unless the visitor settles a match
// itself; everything still unacked is requeued when the scan channel closes.
type scanVisitor func(msg models.QueueMessage, delivery amqp.Delivery) (done bool, err error)

func (m *Manager) scanQueue(ctx context.Context, queue string, visit scanVisitor) error {
	if !m.isReady || m.connection == nil {
		return errors.New("RabbitMQ not ready")
	}

	// A dedicated channel keeps the scan isolated from the worker's long-lived
	// consumer channel. No prefetch cap is set: held deliveries would exhaust
	// any cap and stall the scan before it reached deeper messages.
	ch, err := m.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open scan channel: %w", err)
	}
	defer ch.Close()

	state, err := ch.QueueInspect(queue)
	if err != nil {
		return fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	if state.Messages == 0 {
		return nil
	}

	tag := "queue-scan-" + uuid.NewString()
	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start scan consumer on %s: %w", queue, err)
	}
	// Self-cancel the subscription no matter how the scan ends.
	defer ch.Cancel(tag, false)

	deadline := time.After(m.config.QueueMoveTimeout)
	inspected := 0

	for inspected < state.Messages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			log.Warn().Str("queue", queue).Int("inspected", inspected).Msg("Queue scan timed out")
			return nil
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("scan delivery channel closed")
			}
			inspected++

			var msg models.QueueMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				// Not ours to judge; it returns with the rest on channel close.
				continue
			}

			done, err := visit(msg, delivery)
			if err != nil {
				return fmt.Errorf("scan visit on %s: %w", queue, err)
			}
			if done {
				return nil
			}
		}
	}
	return nil
}
