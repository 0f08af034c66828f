// Package queue routes order tracking messages between the two durable order
// queues and implements the move primitive used by manual validation.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/drluca/orderstream/internal/apperr"
	"github.com/drluca/orderstream/internal/eventbus"
	"github.com/drluca/orderstream/internal/models"
	"github.com/rs/zerolog/log"
)

// Transport is the slice of the broker the router needs.
type Transport interface {
	Publish(ctx context.Context, queue string, body []byte) error
	FindOrder(ctx context.Context, queue, orderID string) (bool, error)
	TakeOrder(ctx context.Context, queue, orderID string) ([]byte, error)
}

// MoveOutcome describes how MoveToStandardQueue resolved.
type MoveOutcome string

const (
	// MoveOutcomeMoved: the message was found in queuable_orders and
	// republished onto orders_queue.
	MoveOutcomeMoved MoveOutcome = "MOVED"
	// MoveOutcomeAlreadyMoved: not in queuable_orders but already present in
	// orders_queue; treated as idempotent success.
	MoveOutcomeAlreadyMoved MoveOutcome = "ALREADY_MOVED"
)

// Router decides which durable queue an order's tracking message lands in.
type Router struct {
	transport     Transport
	ordersQueue   string
	queuableQueue string
}

func NewRouter(transport Transport, ordersQueue, queuableQueue string) *Router {
	return &Router{
		transport:     transport,
		ordersQueue:   ordersQueue,
		queuableQueue: queuableQueue,
	}
}

// PublishOrderMessage routes the tracking message: queuable_orders when any
// line item is queuable, orders_queue otherwise.
func (r *Router) PublishOrderMessage(ctx context.Context, msg models.QueueMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}

	target := r.ordersQueue
	if msg.Data.HasQueuableProducts {
		target = r.queuableQueue
	}

	if err := r.transport.Publish(ctx, target, body); err != nil {
		return &apperr.TransportError{Op: "publish to " + target, Cause: err}
	}
	log.Info().Str("orderId", msg.Data.OrderID).Str("queue", target).Msg("Order tracking message published")
	return nil
}

// MoveToStandardQueue relocates an order's message from queuable_orders to
// orders_queue. Three outcomes: found-and-moved, already-in-standard-queue
// (idempotent success), or not-found-anywhere (error). The underlying scan is
// time-boxed; this never blocks indefinitely.
func (r *Router) MoveToStandardQueue(ctx context.Context, orderID string) (MoveOutcome, error) {
	body, err := r.transport.TakeOrder(ctx, r.queuableQueue, orderID)
	if err == nil {
		if pubErr := r.transport.Publish(ctx, r.ordersQueue, body); pubErr != nil {
			// The message was already removed from queuable_orders; losing it
			// here would orphan the order's audit trail.
			return "", &apperr.TransportError{Op: "republish moved message", Cause: pubErr}
		}
		log.Info().Str("orderId", orderID).Msg("Order message moved to standard queue")
		return MoveOutcomeMoved, nil
	}
	if !errors.Is(err, eventbus.ErrNotFound) {
		return "", &apperr.TransportError{Op: "scan queuable queue", Cause: err}
	}

	inStandard, err := r.transport.FindOrder(ctx, r.ordersQueue, orderID)
	if err != nil {
		return "", &apperr.TransportError{Op: "scan standard queue", Cause: err}
	}
	if inStandard {
		log.Info().Str("orderId", orderID).Msg("Order message already in standard queue, nothing to move")
		return MoveOutcomeAlreadyMoved, nil
	}

	return "", &apperr.TransportError{
		Op:    "move order " + orderID,
		Cause: eventbus.ErrNotFound,
	}
}
