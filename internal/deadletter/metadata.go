package deadletter

import (
	"time"

	"github.com/edupay/eventcore/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Metadata describes why and where a message was dead-lettered
type Metadata struct {
	OriginalQueue    string
	OriginalExchange string
	RoutingKeys      []string
	Reason           string
	DeathCount       int
	RetryCount       int
	FirstDeathAt     time.Time
}

// ExtractMetadata reads the broker's x-death header and the retry count.
// The first x-death entry is the most recent death.
func ExtractMetadata(d amqp.Delivery) Metadata {
	metadata := Metadata{
		RetryCount:       messaging.ReadRetryMetadata(d.Headers).RetryCount,
		OriginalQueue:    stringHeader(d.Headers, "x-first-death-queue"),
		OriginalExchange: stringHeader(d.Headers, "x-first-death-exchange"),
		Reason:           stringHeader(d.Headers, "x-first-death-reason"),
	}

	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return metadata
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return metadata
	}

	if queue, ok := death["queue"].(string); ok && metadata.OriginalQueue == "" {
		metadata.OriginalQueue = queue
	}
	if exchange, ok := death["exchange"].(string); ok && metadata.OriginalExchange == "" {
		metadata.OriginalExchange = exchange
	}
	if reason, ok := death["reason"].(string); ok && metadata.Reason == "" {
		metadata.Reason = reason
	}
	switch count := death["count"].(type) {
	case int64:
		metadata.DeathCount = int(count)
	case int32:
		metadata.DeathCount = int(count)
	case int:
		metadata.DeathCount = count
	}
	if at, ok := death["time"].(time.Time); ok {
		metadata.FirstDeathAt = at
	}
	if keys, ok := death["routing-keys"].([]interface{}); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				metadata.RoutingKeys = append(metadata.RoutingKeys, s)
			}
		}
	}
	return metadata
}

func stringHeader(headers amqp.Table, key string) string {
	if v, ok := headers[key].(string); ok {
		return v
	}
	return ""
}
