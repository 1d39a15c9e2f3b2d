// Package eventcore publishes and consumes domain events over RabbitMQ with
// bounded retries and dead-lettering.
package eventcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/edupay/eventcore/config"
	"github.com/edupay/eventcore/contracts"
	"github.com/edupay/eventcore/health"
	"github.com/edupay/eventcore/internal/logging"
	"github.com/edupay/eventcore/internal/metrics"
	"github.com/edupay/eventcore/internal/rabbitmq"
	"github.com/edupay/eventcore/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Client wires the connection manager, topology guard, publisher and
// metrics for one process from a config.Config
type Client struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	manager   *rabbitmq.ConnectionManager
	guard     *rabbitmq.TopologyGuard
	publisher *messaging.Publisher
	tracer    trace.Tracer
}

type clientOptions struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	tracer   trace.Tracer
	dialer   rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientOptions)

// WithLogger sets the logger for all components
func WithLogger(logger *zap.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetricsRegistry registers the client's series with registry instead
// of a private one
func WithMetricsRegistry(registry *prometheus.Registry) ClientOption {
	return func(o *clientOptions) {
		o.registry = registry
	}
}

// WithTracer sets the tracer used for publish and consume spans
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(o *clientOptions) {
		o.tracer = tracer
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(o *clientOptions) {
		o.dialer = dial
	}
}

// New creates a client. It does not connect; call Connect.
func New(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("eventcore: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := clientOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	logger := opts.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.LogLevel, zap.String("sourceModule", cfg.SourceModule))
		if err != nil {
			return nil, err
		}
	}

	registry := opts.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	collector, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logging.Component(logger, "connection")),
		rabbitmq.WithPrefetch(cfg.Broker.Prefetch),
		rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		rabbitmq.WithConnectTimeout(cfg.Broker.ConnectTimeout),
		rabbitmq.WithConnectionMetrics(collector),
	}
	name := cfg.Broker.ConnectionName
	if name == "" {
		name = cfg.SourceModule
	}
	connOpts = append(connOpts, rabbitmq.WithConnectionName(name))
	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}
	manager := rabbitmq.NewConnectionManager(cfg.Broker.AMQPURL(), connOpts...)

	guard := rabbitmq.NewTopologyGuard(manager,
		rabbitmq.WithGuardLogger(logging.Component(logger, "topology")))

	pubOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(logging.Component(logger, "publisher")),
		messaging.WithPublisherMetrics(collector),
		messaging.WithConfirmTimeout(cfg.Broker.ConfirmTimeout),
	}
	if opts.tracer != nil {
		pubOpts = append(pubOpts, messaging.WithTracer(opts.tracer))
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		metrics:   collector,
		manager:   manager,
		guard:     guard,
		publisher: messaging.NewPublisher(manager, guard, pubOpts...),
		tracer:    opts.tracer,
	}, nil
}

// Connect opens the broker connection and verifies the configured exchange.
// An error here is a deployment problem; callers should treat it as fatal.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	return c.CheckTopology(ctx)
}

// CheckTopology verifies that the exchange and the named queues exist
func (c *Client) CheckTopology(ctx context.Context, queues ...string) error {
	if err := c.guard.EnsureExchange(ctx, c.cfg.Exchange); err != nil {
		return err
	}
	for _, queue := range queues {
		if _, err := c.guard.EnsureQueue(ctx, queue); err != nil {
			return err
		}
	}
	return nil
}

// Topology is the exchange, the configured queues and their dead-letter
// routing, as the provision command declares it
func (c *Client) Topology() rabbitmq.Topology {
	q := c.cfg.Queues
	topology := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: c.cfg.Exchange, Type: "topic", Durable: true},
		},
	}
	for _, queue := range []string{q.Notifications, q.BackofficeIngest} {
		if q.DeadLetterExchange == "" {
			topology.Queues = append(topology.Queues, rabbitmq.QueueDeclaration{Name: queue, Durable: true})
			continue
		}
		topology = topology.Merge(rabbitmq.QueueWithDeadLetter(queue, q.DeadLetterExchange, q.DeadLetter))
	}
	return topology
}

// Provision declares Topology on the broker
func (c *Client) Provision(ctx context.Context) error {
	return rabbitmq.NewProvisioner(c.manager, logging.Component(c.logger, "provisioner")).
		Declare(ctx, c.Topology())
}

// Publish sends event to the configured exchange. Failures are logged, never returned.
func (c *Client) Publish(ctx context.Context, routingKey string, event contracts.Event) {
	c.publisher.PublishDomainEvent(ctx, c.cfg.Exchange, routingKey, event)
}

// ConsumerOptions returns the retry settings from the configuration
func (c *Client) ConsumerOptions() []messaging.ConsumerOption {
	options := []messaging.ConsumerOption{
		messaging.WithMaxRetries(c.cfg.Retry.MaxRetries),
		messaging.WithRetryDelay(c.cfg.Retry.Delay),
		messaging.WithDeadLetterExchange(c.cfg.Queues.DeadLetterExchange),
		messaging.WithConsumerLogger(logging.Component(c.logger, "consumer")),
		messaging.WithConsumerMetrics(c.metrics),
	}
	if c.tracer != nil {
		options = append(options, messaging.WithConsumerTracer(c.tracer))
	}
	return options
}

// Health returns a registry checking the broker and the given queues
func (c *Client) Health(queues ...string) *health.Registry {
	registry := health.NewRegistry(health.NewBrokerChecker(c.manager))
	for _, queue := range queues {
		registry.Register(health.NewQueueChecker(queue, c.guard, 0))
	}
	return registry
}

// Config returns the client configuration
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Logger returns the root logger
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// Publisher returns the domain event publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Manager returns the connection manager
func (c *Client) Manager() *rabbitmq.ConnectionManager {
	return c.manager
}

// Guard returns the topology guard
func (c *Client) Guard() *rabbitmq.TopologyGuard {
	return c.guard
}

// Metrics returns the registry holding the client's series
func (c *Client) Metrics() *prometheus.Registry {
	return c.registry
}

// Close closes the broker connection and flushes the logger
func (c *Client) Close() error {
	err := c.manager.Close()
	_ = c.logger.Sync()
	return err
}

// NewEvent builds a domain event stamped with the client's source module
func NewEvent[T any](c *Client, eventType string, payload T, options ...contracts.EventOption) contracts.DomainEvent[T] {
	options = append([]contracts.EventOption{contracts.WithSourceModule(c.cfg.SourceModule)}, options...)
	return contracts.BuildDomainEvent(eventType, payload, options...)
}

// Subscribe starts a retry consumer on queue using the configured retry
// settings; options are applied after them
func Subscribe[T any](ctx context.Context, c *Client, queue string, handler messaging.Handler[T], options ...messaging.ConsumerOption) (*messaging.RetryConsumer[T], error) {
	consumer := messaging.NewRetryConsumer(c.manager, queue, handler, append(c.ConsumerOptions(), options...)...)
	if err := consumer.Start(ctx); err != nil {
		return nil, err
	}
	return consumer, nil
}
