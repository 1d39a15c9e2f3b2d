package messaging

import (
	"context"
	"time"

	"github.com/edupay/eventcore/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmPublisher publishes a message and waits for the broker confirm
type ConfirmPublisher interface {
	PublishAndConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// ExchangeVerifier checks that an exchange has been provisioned
type ExchangeVerifier interface {
	EnsureExchange(ctx context.Context, name string) error
}

// ConsumerBroker is what a RetryConsumer needs from the connection manager
type ConsumerBroker interface {
	ConfirmPublisher
	AssertQueue(ctx context.Context, name string, options ...rabbitmq.QueueOption) (amqp.Queue, error)
	Consume(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, opts rabbitmq.ConsumeOptions) error
	Ack(d rabbitmq.Delivery) error
	Nack(d rabbitmq.Delivery, multiple, requeue bool) error
}

var (
	_ ConfirmPublisher = (*rabbitmq.ConnectionManager)(nil)
	_ ExchangeVerifier = (*rabbitmq.TopologyGuard)(nil)
	_ ConsumerBroker   = (*rabbitmq.ConnectionManager)(nil)
)

// PublisherMetrics records publish attempts; err is nil on success
type PublisherMetrics interface {
	RecordPublish(exchange string, err error, duration time.Duration)
}

// ConsumerMetrics records how each delivery was settled
type ConsumerMetrics interface {
	RecordOutcome(queue string, outcome Outcome, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordPublish(string, error, time.Duration)   {}
func (nopMetrics) RecordOutcome(string, Outcome, time.Duration) {}
