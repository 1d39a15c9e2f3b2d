package eventcore

import (
	"context"
	"errors"
	"testing"

	"github.com/edupay/eventcore/config"
	"github.com/edupay/eventcore/contracts"
	"github.com/edupay/eventcore/health"
	"github.com/edupay/eventcore/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRefused = errors.New("connection refused")

func refusingDialer(string, amqp.Config) (rabbitmq.Connection, error) {
	return nil, errRefused
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{
		"EVENTCORE_SOURCE_MODULE": "wallets",
	})
	require.NoError(t, err)
	return cfg
}

func newTestClient(t *testing.T, options ...ClientOption) *Client {
	t.Helper()
	options = append([]ClientOption{WithLogger(zap.NewNop()), WithDialer(refusingDialer)}, options...)
	client, err := New(testConfig(t), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	t.Run("requires a config", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})

	t.Run("rejects an invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Exchange = ""
		_, err := New(cfg, WithLogger(zap.NewNop()))
		assert.ErrorContains(t, err, "exchange is required")
	})

	t.Run("wires components", func(t *testing.T) {
		client := newTestClient(t)

		assert.NotNil(t, client.Publisher())
		assert.NotNil(t, client.Manager())
		assert.NotNil(t, client.Guard())
		assert.Equal(t, "wallets", client.Config().SourceModule)
		assert.False(t, client.Manager().IsConnected())
	})

	t.Run("registers metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		newTestClient(t, WithMetricsRegistry(registry))

		families, err := registry.Gather()
		require.NoError(t, err)
		var names []string
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "eventcore_connection_blocked")

		_, err = New(testConfig(t), WithLogger(zap.NewNop()), WithMetricsRegistry(registry))
		assert.Error(t, err, "series can only be registered once per registry")
	})
}

func TestClientConnect(t *testing.T) {
	client := newTestClient(t)

	err := client.Connect(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errRefused)
	var connErr *rabbitmq.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestNewEvent(t *testing.T) {
	client := newTestClient(t)

	event := NewEvent(client, "wallet.credited", map[string]int{"amount": 5},
		contracts.WithCorrelationID("req-9"))
	assert.Equal(t, "wallets", event.SourceModule)
	assert.Equal(t, "req-9", event.CorrelationID)
	assert.NotEmpty(t, event.EventID)

	overridden := NewEvent(client, "wallet.credited", 1, contracts.WithSourceModule("ledger"))
	assert.Equal(t, "ledger", overridden.SourceModule)
}

func TestClientTopology(t *testing.T) {
	t.Run("queues dead-letter into the configured exchange", func(t *testing.T) {
		topology := newTestClient(t).Topology()

		require.NotEmpty(t, topology.Exchanges)
		assert.Equal(t, "domain.events", topology.Exchanges[0].Name)

		args := map[string]amqp.Table{}
		for _, q := range topology.Queues {
			args[q.Name] = q.Arguments
		}
		assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "dlx"}, args["notifications"])
		assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "dlx"}, args["backoffice.ingest"])
		assert.Contains(t, args, "dead-letter")
	})

	t.Run("no dead-letter exchange configured", func(t *testing.T) {
		client := newTestClient(t)
		client.cfg.Queues.DeadLetterExchange = ""

		topology := client.Topology()
		assert.Len(t, topology.Exchanges, 1)
		assert.Empty(t, topology.Bindings)
		for _, q := range topology.Queues {
			assert.Nil(t, q.Arguments)
		}
	})
}

func TestClientConsumerOptions(t *testing.T) {
	assert.Len(t, newTestClient(t).ConsumerOptions(), 5)
}

func TestClientHealth(t *testing.T) {
	report := newTestClient(t).Health("notifications").Check(context.Background())

	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks, "rabbitmq")
	assert.Contains(t, report.Checks, "queue_notifications")
}

func TestClientClose(t *testing.T) {
	client := newTestClient(t)
	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())

	_, err := client.Manager().Connect(context.Background())
	assert.ErrorIs(t, err, rabbitmq.ErrManagerClosed)
}
