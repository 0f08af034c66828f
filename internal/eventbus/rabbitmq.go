package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drluca/orderstream/config"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const (
	// For publisher confirms
	publishTimeout = 5 * time.Second
)

// ErrPermanentFailure signals a message that cannot be processed and must not
// be redelivered; the consumer acks and drops it.
var ErrPermanentFailure = errors.New("permanent failure processing message")

// ErrNotFound is returned by the scan primitives when no message for the
// requested order exists in the queue.
var ErrNotFound = errors.New("message not found in queue")

// MessageHandler processes a received amqp.Delivery. Returning nil acks the
// message; ErrPermanentFailure acks and drops it; any other error nacks it
// back onto the queue for redelivery.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Manager handles the RabbitMQ connection, channels, queue topology and
// consume/publish operations. One Manager is constructed at wiring time and
// injected wherever the transport is needed; there is no hidden global.
type Manager struct {
	config          config.Config
	connection      *amqp.Connection
	consumerChan    *amqp.Channel
	producerChan    *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	isConnecting    bool
	connectMutex    chan struct{} // Mutex for connect/reconnect logic

	publishMu sync.Mutex // serializes publish + confirm pairs

	consumersMu sync.Mutex
	consumers   map[string]consumerBinding // keyed by (tag, queue), survives reconnects
}

// consumerBinding is everything needed to (re-)register one consumer. The
// bindings outlive any single channel so handleReconnect can restore them
// after a broker outage.
type consumerBinding struct {
	ctx     context.Context
	queue   string
	tag     string
	handler MessageHandler
}

// NewManager dials RabbitMQ with bounded exponential backoff and declares the
// durable queue topology. The reconnect monitor keeps running for the life of
// the process.
func NewManager(cfg config.Config) (*Manager, error) {
	m := &Manager{
		config:       cfg,
		connectMutex: make(chan struct{}, 1),
		consumers:    make(map[string]consumerBinding),
	}
	m.connectMutex <- struct{}{}

	delay := cfg.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxReconnectAttempts; attempt++ {
		if lastErr = m.connect(); lastErr == nil {
			go m.handleReconnect()
			return m, nil
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Dur("retryIn", delay).Msg("RabbitMQ connection failed")
		time.Sleep(delay)
		delay *= 2
	}
	return nil, fmt.Errorf("RabbitMQ unavailable after %d attempts: %w", m.config.MaxReconnectAttempts, lastErr)
}

func (m *Manager) connect() error {
	if m.isConnecting {
		return errors.New("connection attempt in progress")
	}
	m.isConnecting = true
	defer func() { m.isConnecting = false }()

	<-m.connectMutex
	defer func() { m.connectMutex <- struct{}{} }()

	log.Info().Str("url", m.config.RabbitMQURL).Msg("Attempting to connect to RabbitMQ")
	conn, err := amqp.Dial(m.config.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	m.connection = conn
	m.notifyConnClose = make(chan *amqp.Error)
	m.connection.NotifyClose(m.notifyConnClose)

	if err := m.setupProducerChannel(); err != nil {
		return fmt.Errorf("failed to setup producer channel: %w", err)
	}
	if err := m.setupConsumerChannel(); err != nil {
		return fmt.Errorf("failed to setup consumer channel: %w", err)
	}

	m.isReady = true
	log.Info().Msg("RabbitMQ connected and channels initialized successfully")
	return nil
}

func (m *Manager) setupProducerChannel() error {
	var err error
	m.producerChan, err = m.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open producer channel: %w", err)
	}

	// Enable publisher confirms on this channel
	if err := m.producerChan.Confirm(false); err != nil {
		return fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	m.notifyConfirm = make(chan amqp.Confirmation, 1)
	m.producerChan.NotifyPublish(m.notifyConfirm)

	// All queues are declared durable on connect so publishes never race the
	// topology.
	for _, queue := range m.queueNames() {
		log.Info().Str("queue", queue).Msg("Declaring durable queue")
		if _, err := m.producerChan.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}
	return nil
}

func (m *Manager) setupConsumerChannel() error {
	var err error
	m.consumerChan, err = m.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}

	m.notifyChanClose = make(chan *amqp.Error)
	m.consumerChan.NotifyClose(m.notifyChanClose)

	// Set prefetch count (QoS)
	if err := m.consumerChan.Qos(
		m.config.RabbitMQPrefetchCount, // prefetchCount
		0,                              // prefetchSize
		false,                          // global - false means per consumer
	); err != nil {
		return fmt.Errorf("failed to set QoS on consumer channel: %w", err)
	}
	return nil
}

func (m *Manager) queueNames() []string {
	return []string{
		m.config.OrdersQueue,
		m.config.QueuableOrdersQueue,
		m.config.StockAlertsQueue,
		m.config.NotificationsQueue,
	}
}

// Publish sends a persistent message directly to a named queue via the
// default exchange and waits for the broker's confirm.
func (m *Manager) Publish(ctx context.Context, queue string, body []byte) error {
	if !m.isReady || m.producerChan == nil {
		return errors.New("producer not ready")
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	log.Debug().Str("queue", queue).RawJSON("body", body).Msg("Publishing message")

	err := m.producerChan.Publish(
		"",    // default exchange routes by queue name
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	// Wait for confirmation
	select {
	case confirm := <-m.notifyConfirm:
		if confirm.Ack {
			log.Debug().Uint64("tag", confirm.DeliveryTag).Str("queue", queue).Msg("Message published and confirmed")
			return nil
		}
		return errors.New("message published but not confirmed by broker")
	case <-time.After(publishTimeout):
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume binds a handler to a queue with manual acknowledgment. Registration
// is deduplicated per (tag, queue) so re-initializing a process never
// double-binds the same consumer, and the binding is retained so the
// reconnect monitor can re-establish it on a fresh channel.
func (m *Manager) Consume(ctx context.Context, queue, tag string, handler MessageHandler) error {
	if !m.isReady || m.consumerChan == nil {
		return errors.New("RabbitMQ consumer not ready")
	}

	key := tag + "/" + queue
	m.consumersMu.Lock()
	if _, dup := m.consumers[key]; dup {
		m.consumersMu.Unlock()
		log.Warn().Str("queue", queue).Str("tag", tag).Msg("Consumer already registered, skipping duplicate bind")
		return nil
	}
	binding := consumerBinding{ctx: ctx, queue: queue, tag: tag, handler: handler}
	m.consumers[key] = binding
	m.consumersMu.Unlock()

	if err := m.startConsumer(binding); err != nil {
		m.consumersMu.Lock()
		delete(m.consumers, key)
		m.consumersMu.Unlock()
		return err
	}
	return nil
}

// startConsumer registers one binding on the current consumer channel and
// launches its delivery loop.
func (m *Manager) startConsumer(b consumerBinding) error {
	msgs, err := m.consumerChan.Consume(
		b.queue, // queue
		b.tag,   // consumer tag
		false,   // auto-ack (false means we manually ack/nack)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", b.queue, err)
	}

	log.Info().Str("queue", b.queue).Str("tag", b.tag).Msg("Consumer started, waiting for messages...")

	go func() {
		for {
			select {
			case <-b.ctx.Done():
				log.Info().Str("queue", b.queue).Msg("Context cancelled, stopping consumer.")
				return
			case delivery, ok := <-msgs:
				if !ok {
					// The reconnect monitor owns readiness and re-binds this
					// consumer on the fresh channel.
					log.Warn().Str("queue", b.queue).Msg("Delivery channel closed; consumer will be re-bound after reconnect.")
					return
				}
				m.dispatch(b.ctx, b.queue, delivery, b.handler)
			}
		}
	}()

	return nil
}

// rebindConsumers restores every retained binding on the channel opened by a
// successful reconnect. Bindings whose context has ended are dropped.
func (m *Manager) rebindConsumers() {
	m.consumersMu.Lock()
	bindings := make([]consumerBinding, 0, len(m.consumers))
	for key, b := range m.consumers {
		if b.ctx.Err() != nil {
			delete(m.consumers, key)
			continue
		}
		bindings = append(bindings, b)
	}
	m.consumersMu.Unlock()

	for _, b := range bindings {
		if err := m.startConsumer(b); err != nil {
			log.Error().Err(err).Str("queue", b.queue).Str("tag", b.tag).Msg("Failed to re-bind consumer after reconnect")
		}
	}
}

// dispatch applies the ack/nack policy for one delivery. NACK'd messages are
// requeued with no backoff; the consumer itself is the retry loop.
func (m *Manager) dispatch(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	if delivery.Redelivered {
		log.Warn().Str("queue", queue).Uint64("tag", delivery.DeliveryTag).Msg("Processing redelivered message; side effects may repeat")
	}

	err := handler(ctx, delivery)
	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Uint64("tag", delivery.DeliveryTag).Msg("Failed to ACK message")
		}
	case errors.Is(err, ErrPermanentFailure):
		log.Error().Err(err).Str("queue", queue).Uint64("tag", delivery.DeliveryTag).Msg("Permanent failure, dropping message")
		if ackErr := delivery.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Uint64("tag", delivery.DeliveryTag).Msg("Failed to ACK dropped message")
		}
	default:
		log.Warn().Err(err).Str("queue", queue).Uint64("tag", delivery.DeliveryTag).Msg("Processing failed, NACKing for redelivery")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			log.Error().Err(nackErr).Uint64("tag", delivery.DeliveryTag).Msg("Failed to NACK message")
		}
	}
}

// QueueDepth reports the number of ready messages in a queue without
// consuming anything.
func (m *Manager) QueueDepth(queue string) (int, error) {
	if !m.isReady || m.producerChan == nil {
		return 0, errors.New("RabbitMQ not ready")
	}
	state, err := m.producerChan.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return state.Messages, nil
}

func (m *Manager) handleReconnect() {
	log.Info().Msg("RabbitMQ connection monitor started.")
	for {
		if m.isReady {
			select {
			case err, ok := <-m.notifyConnClose:
				if !ok {
					log.Info().Msg("RabbitMQ connection close notification channel closed. Exiting reconnect handler.")
					return
				}
				log.Error().Err(err).Msg("RabbitMQ connection lost. Attempting to reconnect...")
				m.isReady = false
			case err, ok := <-m.notifyChanClose:
				if !ok {
					log.Info().Msg("RabbitMQ channel close notification channel closed. Exiting reconnect handler.")
					return
				}
				log.Error().Err(err).Msg("RabbitMQ channel lost. Attempting to re-establish...")
				m.isReady = false
			}
		}

		if !m.isReady {
			attempts := 0
			for attempts < m.config.MaxReconnectAttempts || m.config.MaxReconnectAttempts == 0 { // 0 for infinite
				attempts++
				log.Info().Int("attempt", attempts).Msg("Attempting RabbitMQ reconnection...")
				if err := m.connect(); err == nil {
					log.Info().Msg("RabbitMQ reconnected successfully.")
					m.rebindConsumers()
					break
				}
				if attempts >= m.config.MaxReconnectAttempts && m.config.MaxReconnectAttempts != 0 {
					log.Error().Int("attempts", attempts).Msg("Max reconnection attempts reached. Waiting for next connection event.")
					break
				}
				time.Sleep(m.config.ReconnectDelay)
			}
		}
		if !m.isReady {
			time.Sleep(m.config.ReconnectDelay * 2)
		}
	}
}

// Close gracefully shuts down the RabbitMQ connection and channels. The
// notification channels registered via NotifyClose/NotifyPublish are owned by
// the amqp library, which closes them itself during shutdown; closing them
// here would panic.
func (m *Manager) Close() {
	log.Info().Msg("Closing RabbitMQ manager...")
	m.isReady = false

	if m.consumerChan != nil {
		log.Info().Msg("Closing RabbitMQ consumer channel.")
		if err := m.consumerChan.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing consumer channel")
		}
		m.consumerChan = nil
	}

	if m.producerChan != nil {
		log.Info().Msg("Closing RabbitMQ producer channel.")
		if err := m.producerChan.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing producer channel")
		}
		m.producerChan = nil
	}

	if m.connection != nil && !m.connection.IsClosed() {
		log.Info().Msg("Closing RabbitMQ connection.")
		if err := m.connection.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing RabbitMQ connection")
		}
		m.connection = nil
	}
	log.Info().Msg("RabbitMQ manager closed.")
}

// IsReady checks if the manager is connected and channels are set up.
func (m *Manager) IsReady() bool {
	return m.isReady && m.connection != nil && !m.connection.IsClosed() && m.producerChan != nil && m.consumerChan != nil
}
