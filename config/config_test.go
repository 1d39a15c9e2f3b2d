package config

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg, err := LoadFrom(map[string]string{})
		require.NoError(t, err)

		assert.Equal(t, "domain.events", cfg.Exchange)
		assert.Equal(t, 10, cfg.Broker.Prefetch)
		assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectDelay)
		assert.Equal(t, 3, cfg.Retry.MaxRetries)
		assert.Equal(t, 5*time.Second, cfg.Retry.Delay)
		assert.Equal(t, "notifications", cfg.Queues.Notifications)
		assert.Equal(t, "backoffice.ingest", cfg.Queues.BackofficeIngest)
		assert.Equal(t, "dead-letter", cfg.Queues.DeadLetter)
		assert.Equal(t, "dlx", cfg.Queues.DeadLetterExchange)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Empty(t, cfg.ArchiveDSN)
	})

	t.Run("reads prefixed variables", func(t *testing.T) {
		cfg, err := LoadFrom(map[string]string{
			"EVENTCORE_EXCHANGE":                   "edupay.events",
			"EVENTCORE_BROKER_PREFETCH":            "50",
			"EVENTCORE_BROKER_RECONNECT_DELAY":     "2s",
			"EVENTCORE_RETRY_MAX":                  "5",
			"EVENTCORE_RETRY_DELAY":                "250ms",
			"EVENTCORE_QUEUE_NOTIFICATIONS":        "mail.notifications",
			"EVENTCORE_QUEUE_DEAD_LETTER_EXCHANGE": "edupay.dlx",
			"EVENTCORE_SOURCE_MODULE":              "wallets",
		})
		require.NoError(t, err)

		assert.Equal(t, "edupay.events", cfg.Exchange)
		assert.Equal(t, 50, cfg.Broker.Prefetch)
		assert.Equal(t, 2*time.Second, cfg.Broker.ReconnectDelay)
		assert.Equal(t, 5, cfg.Retry.MaxRetries)
		assert.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
		assert.Equal(t, "mail.notifications", cfg.Queues.Notifications)
		assert.Equal(t, "edupay.dlx", cfg.Queues.DeadLetterExchange)
		assert.Equal(t, "wallets", cfg.SourceModule)
	})

	t.Run("rejects unparsable values", func(t *testing.T) {
		_, err := LoadFrom(map[string]string{"EVENTCORE_BROKER_PREFETCH": "many"})
		assert.Error(t, err)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		_, err := LoadFrom(map[string]string{
			"EVENTCORE_BROKER_PREFETCH": "0",
			"EVENTCORE_RETRY_MAX":       "-1",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prefetch must be positive")
		assert.Contains(t, err.Error(), "max retries must not be negative")
	})
}

func TestAMQPURL(t *testing.T) {
	t.Run("explicit url wins", func(t *testing.T) {
		b := BrokerConfig{URL: "amqps://svc:pw@rabbit.internal:5671/edupay", Host: "ignored"}
		assert.Equal(t, "amqps://svc:pw@rabbit.internal:5671/edupay", b.AMQPURL())
	})

	t.Run("built from parts", func(t *testing.T) {
		b := BrokerConfig{Host: "rabbit", Port: 5673, User: "svc", Password: "s3cret", VHost: "edupay"}

		uri, err := amqp.ParseURI(b.AMQPURL())
		require.NoError(t, err)
		assert.Equal(t, "rabbit", uri.Host)
		assert.Equal(t, 5673, uri.Port)
		assert.Equal(t, "svc", uri.Username)
		assert.Equal(t, "s3cret", uri.Password)
		assert.Equal(t, "edupay", uri.Vhost)
	})
}

func TestValidate(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	cfg.Broker.URL = "http://not-amqp"
	cfg.Exchange = ""
	err = cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker url")
	assert.Contains(t, err.Error(), "exchange is required")
}
