package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/edupay/eventcore/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Broker is the part of the connection manager the archiver drives
type Broker interface {
	AssertQueue(ctx context.Context, name string, options ...rabbitmq.QueueOption) (amqp.Queue, error)
	Consume(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, opts rabbitmq.ConsumeOptions) error
	Ack(d rabbitmq.Delivery) error
	Nack(d rabbitmq.Delivery, multiple, requeue bool) error
}

var _ Broker = (*rabbitmq.ConnectionManager)(nil)

// Archiver drains a dead-letter queue into a Store
type Archiver struct {
	broker Broker
	store  Store
	queue  string
	logger *zap.Logger
	now    func() time.Time
}

// ArchiverOption configures an Archiver
type ArchiverOption func(*Archiver)

// WithArchiverLogger sets the logger
func WithArchiverLogger(logger *zap.Logger) ArchiverOption {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewArchiver creates an archiver for the dead-letter queue
func NewArchiver(broker Broker, store Store, queue string, options ...ArchiverOption) *Archiver {
	a := &Archiver{
		broker: broker,
		store:  store,
		queue:  queue,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("queue", queue))
	return a
}

// Start declares the dead-letter queue and begins archiving its messages.
// The subscription is restored by the connection manager after a reconnect.
func (a *Archiver) Start(ctx context.Context) error {
	if _, err := a.broker.AssertQueue(ctx, a.queue); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := a.broker.Consume(ctx, a.queue, a.Handle, rabbitmq.ConsumeOptions{}); err != nil {
		return fmt.Errorf("consume dead-letter queue: %w", err)
	}
	a.logger.Info("dead-letter archiver started")
	return nil
}

// Handle stores one dead-lettered delivery and acknowledges it.
// A storage failure puts the message back on the queue.
func (a *Archiver) Handle(ctx context.Context, d rabbitmq.Delivery) error {
	msg := a.failedMessage(d)

	if err := a.store.Store(ctx, msg); err != nil {
		a.logger.Error("failed to archive dead-lettered message",
			zap.String("messageId", msg.ID),
			zap.Error(err))
		if nackErr := a.broker.Nack(d, false, true); nackErr != nil {
			a.logger.Warn("failed to return message to the queue", zap.Error(nackErr))
		}
		return err
	}

	a.logger.Info("archived dead-lettered message",
		zap.String("messageId", msg.ID),
		zap.String("originalQueue", msg.Queue),
		zap.String("reason", msg.Reason),
		zap.Int("retryCount", msg.RetryCount))
	return a.broker.Ack(d)
}

func (a *Archiver) failedMessage(d rabbitmq.Delivery) FailedMessage {
	metadata := ExtractMetadata(d.Delivery)

	id := d.MessageId
	if id == "" {
		id = uuid.NewString()
	}
	queue := metadata.OriginalQueue
	if queue == "" {
		queue = d.Queue
	}
	exchange := metadata.OriginalExchange
	if exchange == "" {
		exchange = d.Exchange
	}
	routingKey := d.RoutingKey
	if len(metadata.RoutingKeys) > 0 {
		routingKey = metadata.RoutingKeys[0]
	}

	return FailedMessage{
		ID:            id,
		Queue:         queue,
		Exchange:      exchange,
		RoutingKey:    routingKey,
		EventType:     d.Type,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
		Body:          d.Body,
		Reason:        metadata.Reason,
		RetryCount:    metadata.RetryCount,
		DeathCount:    metadata.DeathCount,
		FirstDeathAt:  metadata.FirstDeathAt,
		ArchivedAt:    a.now().UTC(),
	}
}
