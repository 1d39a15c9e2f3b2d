package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edupay/eventcore/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultConfirmTimeout = 10 * time.Second

// Publisher sends domain events to topic exchanges.
//
// Publishing never fails from the caller's point of view: a missing exchange,
// a serialization problem, a closed connection or a broker nack is logged and
// counted, and the call returns normally.
type Publisher struct {
	broker         ConfirmPublisher
	guard          ExchangeVerifier
	logger         *zap.Logger
	metrics        PublisherMetrics
	tracer         trace.Tracer
	confirmTimeout time.Duration
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics sink
func WithPublisherMetrics(metrics PublisherMetrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithTracer sets the tracer used for producer spans
func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		p.tracer = tracer
	}
}

// WithConfirmTimeout bounds the wait for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a publisher that verifies exchanges through guard
// before handing messages to broker
func NewPublisher(broker ConfirmPublisher, guard ExchangeVerifier, options ...PublisherOption) *Publisher {
	p := &Publisher{
		broker:         broker,
		guard:          guard,
		logger:         zap.NewNop(),
		metrics:        nopMetrics{},
		tracer:         defaultTracer(),
		confirmTimeout: defaultConfirmTimeout,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishDomainEvent publishes event to exchange with routingKey.
// Errors are logged, never returned.
func (p *Publisher) PublishDomainEvent(ctx context.Context, exchange, routingKey string, event contracts.Event) {
	_ = p.publish(ctx, exchange, routingKey, event)
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, event contracts.Event) error {
	ctx, span := p.tracer.Start(ctx, routingKey+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttributes(exchange, routingKey)...))
	defer span.End()

	start := time.Now()
	err := p.send(ctx, exchange, routingKey, event)
	p.metrics.RecordPublish(exchange, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.logger.Error("failed to publish domain event",
			zap.String("exchange", exchange),
			zap.String("routingKey", routingKey),
			zap.String("eventId", event.GetEventID()),
			zap.String("eventType", event.GetEventType()),
			zap.Error(err))
		return err
	}

	p.logger.Debug("domain event published",
		zap.String("exchange", exchange),
		zap.String("routingKey", routingKey),
		zap.String("eventId", event.GetEventID()))
	return nil
}

func (p *Publisher) send(ctx context.Context, exchange, routingKey string, event contracts.Event) error {
	if err := p.guard.EnsureExchange(ctx, exchange); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.GetEventID(), err)
	}

	headers := amqp.Table{}
	injectTraceContext(ctx, headers)

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.GetEventID(),
		Type:          event.GetEventType(),
		CorrelationId: event.GetCorrelationID(),
		AppId:         event.GetSourceModule(),
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          body,
	}

	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	return p.broker.PublishAndConfirm(ctx, exchange, routingKey, msg)
}
