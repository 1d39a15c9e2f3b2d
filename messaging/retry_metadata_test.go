package messaging

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestReadRetryMetadata(t *testing.T) {
	t.Run("missing header counts as zero", func(t *testing.T) {
		assert.Equal(t, RetryMetadata{}, ReadRetryMetadata(nil))
		assert.Equal(t, 0, ReadRetryMetadata(amqp.Table{"other": 3}).RetryCount)
	})

	t.Run("accepts the numeric encodings brokers and clients produce", func(t *testing.T) {
		for _, raw := range []interface{}{
			int(2), int8(2), int16(2), int32(2), int64(2),
			uint8(2), uint16(2), uint32(2), uint64(2),
			float32(2), float64(2.9), "2", " 2 ",
		} {
			assert.Equal(t, 2, ReadRetryMetadata(amqp.Table{RetryCountHeader: raw}).RetryCount, "%T", raw)
		}
	})

	t.Run("invalid values count as zero", func(t *testing.T) {
		for _, raw := range []interface{}{"two", true, []byte("2"), nil, int32(-3), "-1"} {
			assert.Equal(t, 0, ReadRetryMetadata(amqp.Table{RetryCountHeader: raw}).RetryCount, "%v", raw)
		}
	})
}

func TestWithRetryCount(t *testing.T) {
	original := amqp.Table{"traceparent": "00-abc", RetryCountHeader: int32(1)}

	updated := WithRetryCount(original, 2)

	assert.Equal(t, int32(2), updated[RetryCountHeader])
	assert.Equal(t, "00-abc", updated["traceparent"])
	assert.Equal(t, int32(1), original[RetryCountHeader])
	assert.NoError(t, updated.Validate())

	assert.Equal(t, amqp.Table{RetryCountHeader: int32(1)}, WithRetryCount(nil, 1))
}

func TestHeaderCarrier(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	headers := amqp.Table{}
	injectTraceContext(ctx, headers)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), headers))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.True(t, extracted.IsRemote())

	bytesHeaders := amqp.Table{"traceparent": []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")}
	assert.Equal(t, spanID, trace.SpanContextFromContext(extractTraceContext(context.Background(), bytesHeaders)).SpanID())

	assert.Equal(t, context.Background(), extractTraceContext(context.Background(), nil))
}
