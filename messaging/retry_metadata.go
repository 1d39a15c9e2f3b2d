package messaging

import (
	"math"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryCountHeader carries how many times a message has been re-queued
const RetryCountHeader = "x-retry-count"

// RetryMetadata is the typed form of the retry headers
type RetryMetadata struct {
	RetryCount int
}

// ReadRetryMetadata reads the retry count from headers.
// A missing, malformed or negative value counts as zero.
func ReadRetryMetadata(headers amqp.Table) RetryMetadata {
	raw, ok := headers[RetryCountHeader]
	if !ok {
		return RetryMetadata{}
	}
	return RetryMetadata{RetryCount: toCount(raw)}
}

func toCount(raw interface{}) int {
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt32 {
			return math.MaxInt32
		}
		n = int64(v)
	case float32:
		return toCount(float64(v))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}

	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// WithRetryCount returns a copy of headers with the retry count set to n
func WithRetryCount(headers amqp.Table, n int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[RetryCountHeader] = int32(n)
	return out
}
