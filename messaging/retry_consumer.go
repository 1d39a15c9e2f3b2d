package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/edupay/eventcore/contracts"
	"github.com/edupay/eventcore/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Second
)

// Outcome is how a delivery was settled
type Outcome int

const (
	// OutcomeAcked means the handler succeeded and the message was acknowledged
	OutcomeAcked Outcome = iota + 1
	// OutcomeRequeued means a copy went back to the tail of the queue with a
	// higher retry count and the original was acknowledged
	OutcomeRequeued
	// OutcomeDeadLettered means the message was rejected without requeue
	OutcomeDeadLettered
	// OutcomeRedelivered means the retry copy could not be published and the
	// original was returned to the broker unchanged
	OutcomeRedelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeRedelivered:
		return "redelivered"
	default:
		return "unknown"
	}
}

// Handler processes events of payload type T. Returning an error schedules a retry.
type Handler[T any] interface {
	OnMessage(ctx context.Context, event contracts.DomainEvent[T], raw rabbitmq.Delivery) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc[T any] func(ctx context.Context, event contracts.DomainEvent[T], raw rabbitmq.Delivery) error

// OnMessage calls f
func (f HandlerFunc[T]) OnMessage(ctx context.Context, event contracts.DomainEvent[T], raw rabbitmq.Delivery) error {
	return f(ctx, event, raw)
}

type consumerOptions struct {
	maxRetries         int
	retryDelay         time.Duration
	deadLetterExchange string
	logger             *zap.Logger
	metrics            ConsumerMetrics
	tracer             trace.Tracer
}

// ConsumerOption configures a RetryConsumer
type ConsumerOption func(*consumerOptions)

// WithMaxRetries sets how many times a failed message is re-queued before it
// is dead-lettered
func WithMaxRetries(n int) ConsumerOption {
	return func(o *consumerOptions) {
		o.maxRetries = n
	}
}

// WithRetryDelay sets the fixed pause before a failed message is re-queued
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		o.retryDelay = delay
	}
}

// WithDeadLetterExchange declares the queue with this dead-letter exchange
func WithDeadLetterExchange(exchange string) ConsumerOption {
	return func(o *consumerOptions) {
		o.deadLetterExchange = exchange
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(o *consumerOptions) {
		o.logger = logger
	}
}

// WithConsumerMetrics sets the metrics sink
func WithConsumerMetrics(metrics ConsumerMetrics) ConsumerOption {
	return func(o *consumerOptions) {
		o.metrics = metrics
	}
}

// WithConsumerTracer sets the tracer used for consumer spans
func WithConsumerTracer(tracer trace.Tracer) ConsumerOption {
	return func(o *consumerOptions) {
		o.tracer = tracer
	}
}

// RetryConsumer consumes domain events of payload type T from one queue.
//
// A failed message is re-published to the tail of the same queue with an
// incremented x-retry-count header after a fixed delay. Once the count reaches
// the retry limit the message is rejected without requeue, which routes it to
// the queue's dead-letter exchange when one is configured.
type RetryConsumer[T any] struct {
	broker  ConsumerBroker
	queue   string
	handler Handler[T]
	consumerOptions
}

// NewRetryConsumer creates a consumer for queue
func NewRetryConsumer[T any](broker ConsumerBroker, queue string, handler Handler[T], options ...ConsumerOption) *RetryConsumer[T] {
	opts := consumerOptions{
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
		tracer:     defaultTracer(),
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.maxRetries < 0 {
		opts.maxRetries = 0
	}

	return &RetryConsumer[T]{
		broker:          broker,
		queue:           queue,
		handler:         handler,
		consumerOptions: opts,
	}
}

// Queue returns the consumed queue name
func (c *RetryConsumer[T]) Queue() string {
	return c.queue
}

// Start declares the queue and begins consuming
func (c *RetryConsumer[T]) Start(ctx context.Context) error {
	var queueOpts []rabbitmq.QueueOption
	if c.deadLetterExchange != "" {
		queueOpts = append(queueOpts, rabbitmq.WithDeadLetterExchange(c.deadLetterExchange))
	}

	if _, err := c.broker.AssertQueue(ctx, c.queue, queueOpts...); err != nil {
		return fmt.Errorf("failed to assert queue %s: %w", c.queue, err)
	}

	err := c.broker.Consume(ctx, c.queue, func(ctx context.Context, d rabbitmq.Delivery) error {
		c.Process(ctx, d)
		return nil
	}, rabbitmq.ConsumeOptions{})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	c.logger.Info("retry consumer started",
		zap.String("queue", c.queue),
		zap.Int("maxRetries", c.maxRetries),
		zap.Duration("retryDelay", c.retryDelay))
	return nil
}

// Process runs the handler for d and settles it
func (c *RetryConsumer[T]) Process(ctx context.Context, d rabbitmq.Delivery) Outcome {
	ctx = extractTraceContext(ctx, d.Headers)
	ctx, span := c.tracer.Start(ctx, c.queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messagingAttributes(c.queue, d.RoutingKey)...))
	defer span.End()

	start := time.Now()
	var outcome Outcome

	if err := c.invoke(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		outcome = c.retry(ctx, d, err)
	} else {
		if err := c.broker.Ack(d); err != nil {
			c.logger.Error("failed to ack message",
				zap.String("queue", c.queue),
				zap.String("messageId", d.MessageId),
				zap.Error(err))
		}
		outcome = OutcomeAcked
	}

	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))
	c.metrics.RecordOutcome(c.queue, outcome, time.Since(start))
	return outcome
}

// invoke decodes the body and calls the handler; panics become errors
func (c *RetryConsumer[T]) invoke(ctx context.Context, d rabbitmq.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	event, err := contracts.ParseDomainEvent[T](d.Body)
	if err != nil {
		return err
	}
	return c.handler.OnMessage(ctx, event, d)
}

func (c *RetryConsumer[T]) retry(ctx context.Context, d rabbitmq.Delivery, cause error) Outcome {
	attempt := ReadRetryMetadata(d.Headers).RetryCount
	fields := []zap.Field{
		zap.String("queue", c.queue),
		zap.String("messageId", d.MessageId),
		zap.String("routingKey", d.RoutingKey),
		zap.Int("retryCount", attempt),
		zap.Int("maxRetries", c.maxRetries),
		zap.Error(cause),
	}

	if attempt >= c.maxRetries {
		c.logger.Error("retries exhausted, dead-lettering message", fields...)
		if err := c.broker.Nack(d, false, false); err != nil {
			c.logger.Error("failed to reject message", append(fields, zap.NamedError("nackError", err))...)
		}
		return OutcomeDeadLettered
	}

	c.logger.Warn("message handling failed, scheduling retry", fields...)

	if err := sleep(ctx, c.retryDelay); err != nil {
		return c.redeliver(d, fields, err)
	}

	if err := c.broker.PublishAndConfirm(ctx, "", c.queue, retryPublishing(d, attempt+1)); err != nil {
		return c.redeliver(d, fields, err)
	}

	if err := c.broker.Ack(d); err != nil {
		c.logger.Error("failed to ack retried message", append(fields, zap.NamedError("ackError", err))...)
	}
	return OutcomeRequeued
}

// redeliver hands the original back to the broker when no retry copy exists
func (c *RetryConsumer[T]) redeliver(d rabbitmq.Delivery, fields []zap.Field, err error) Outcome {
	c.logger.Error("failed to re-queue message, returning it to the broker",
		append(fields, zap.NamedError("republishError", err))...)
	if err := c.broker.Nack(d, false, true); err != nil {
		c.logger.Error("failed to requeue message", append(fields, zap.NamedError("nackError", err))...)
	}
	return OutcomeRedelivered
}

// retryPublishing copies d with its retry count set to n
func retryPublishing(d rabbitmq.Delivery, n int) amqp.Publishing {
	return amqp.Publishing{
		Headers:         WithRetryCount(d.Headers, n),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
