package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/edupay/eventcore/messaging"

// W3C trace context travels in the message headers
var propagator propagation.TextMapPropagator = propagation.TraceContext{}

func defaultTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// headerCarrier adapts AMQP headers to the otel carrier interface
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func injectTraceContext(ctx context.Context, headers amqp.Table) {
	propagator.Inject(ctx, headerCarrier(headers))
}

func extractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	if headers == nil {
		return ctx
	}
	return propagator.Extract(ctx, headerCarrier(headers))
}

func messagingAttributes(destination, routingKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", destination),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
	}
}
