package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Inspector runs passive checks against the live connection
type Inspector interface {
	Inspect(ctx context.Context, fn func(Channel) error) error
	Generation() uint64
}

// TopologyGuard verifies that externally provisioned exchanges and queues exist.
// It never declares anything; successful checks are remembered until the
// connection is re-established.
type TopologyGuard struct {
	broker Inspector
	logger *zap.Logger

	mu         sync.Mutex
	generation uint64
	exchanges  map[string]struct{}
	queues     map[string]amqp.Queue

	checks singleflight.Group
}

// TopologyGuardOption configures the TopologyGuard
type TopologyGuardOption func(*TopologyGuard)

// WithGuardLogger sets the logger
func WithGuardLogger(logger *zap.Logger) TopologyGuardOption {
	return func(g *TopologyGuard) {
		g.logger = logger
	}
}

// NewTopologyGuard creates a guard checking through broker
func NewTopologyGuard(broker Inspector, options ...TopologyGuardOption) *TopologyGuard {
	g := &TopologyGuard{
		broker:    broker,
		logger:    zap.NewNop(),
		exchanges: make(map[string]struct{}),
		queues:    make(map[string]amqp.Queue),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// resetIfStaleLocked forgets every check made on an older connection
func (g *TopologyGuard) resetIfStaleLocked() {
	generation := g.broker.Generation()
	if generation != g.generation {
		g.generation = generation
		g.exchanges = make(map[string]struct{})
		g.queues = make(map[string]amqp.Queue)
	}
}

// EnsureExchange checks that the topic exchange name exists
func (g *TopologyGuard) EnsureExchange(ctx context.Context, name string) error {
	g.mu.Lock()
	g.resetIfStaleLocked()
	_, ok := g.exchanges[name]
	g.mu.Unlock()
	if ok {
		return nil
	}

	_, err, _ := g.checks.Do("exchange:"+name, func() (interface{}, error) {
		err := g.broker.Inspect(ctx, func(ch Channel) error {
			return ch.ExchangeDeclarePassive(name, amqp.ExchangeTopic, true, false, false, false, nil)
		})
		if err != nil {
			return nil, g.checkError("exchange", name, err)
		}

		g.mu.Lock()
		g.resetIfStaleLocked()
		g.exchanges[name] = struct{}{}
		g.mu.Unlock()

		g.logger.Debug("exchange verified", zap.String("exchange", name))
		return nil, nil
	})
	return err
}

// EnsureQueue checks that the durable queue name exists and returns the
// counts observed by the first successful check on this connection
func (g *TopologyGuard) EnsureQueue(ctx context.Context, name string) (amqp.Queue, error) {
	g.mu.Lock()
	g.resetIfStaleLocked()
	q, ok := g.queues[name]
	g.mu.Unlock()
	if ok {
		return q, nil
	}

	v, err, _ := g.checks.Do("queue:"+name, func() (interface{}, error) {
		q, err := g.InspectQueue(ctx, name)
		if err != nil {
			return amqp.Queue{}, err
		}

		g.mu.Lock()
		g.resetIfStaleLocked()
		g.queues[name] = q
		g.mu.Unlock()
		return q, nil
	})
	if err != nil {
		return amqp.Queue{}, err
	}
	return v.(amqp.Queue), nil
}

// InspectQueue checks the queue without consulting or filling the cache
func (g *TopologyGuard) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := g.broker.Inspect(ctx, func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return amqp.Queue{}, g.checkError("queue", name, err)
	}

	g.logger.Info("queue verified",
		zap.String("queue", name),
		zap.Int("messages", q.Messages),
		zap.Int("consumers", q.Consumers))
	return q, nil
}

// checkError turns a broker 404 into a readable TopologyError
func (g *TopologyGuard) checkError(component, name string, err error) error {
	if !IsNotFound(err) {
		return err
	}
	g.logger.Debug("passive declare refused", zap.String(component, name), zap.Error(err))
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        "verify",
		Err:       ErrTopologyNotFound,
		Timestamp: time.Now(),
	}
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Provisioner declares topology. Services only verify topology through the
// TopologyGuard; declaring it is an operator step.
type Provisioner struct {
	broker Inspector
	logger *zap.Logger
}

// NewProvisioner creates a provisioner declaring through broker
func NewProvisioner(broker Inspector, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{broker: broker, logger: logger}
}

// Declare declares exchanges, then queues, then bindings
func (p *Provisioner) Declare(ctx context.Context, topology Topology) error {
	return p.broker.Inspect(ctx, func(ch Channel) error {
		for _, exchange := range topology.Exchanges {
			kind := exchange.Type
			if kind == "" {
				kind = amqp.ExchangeTopic
			}
			err := ch.ExchangeDeclare(exchange.Name, kind, exchange.Durable, exchange.AutoDelete,
				false, false, exchange.Arguments)
			if err != nil {
				return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
			p.logger.Info("exchange declared", zap.String("exchange", exchange.Name), zap.String("type", kind))
		}

		for _, queue := range topology.Queues {
			if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive,
				false, queue.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
			p.logger.Info("queue declared", zap.String("queue", queue.Name))
		}

		for _, binding := range topology.Bindings {
			if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange,
				false, binding.Arguments); err != nil {
				return &TopologyError{
					Component: "binding",
					Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
					Op:        "declare",
					Err:       err,
					Timestamp: time.Now(),
				}
			}
			p.logger.Info("queue bound",
				zap.String("queue", binding.Queue),
				zap.String("exchange", binding.Exchange),
				zap.String("routingKey", binding.RoutingKey))
		}
		return nil
	})
}

// QueueWithDeadLetter returns the declarations for queue, its dead-letter
// exchange dlx and the queue dlq collecting everything dlx receives.
// queue carries only x-dead-letter-exchange so the declaration matches the
// one consumers assert with WithDeadLetterExchange.
func QueueWithDeadLetter(queue, dlx, dlq string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: dlx, Type: amqp.ExchangeTopic, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
			{
				Name:      queue,
				Durable:   true,
				Arguments: amqp.Table{"x-dead-letter-exchange": dlx},
			},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: dlx, RoutingKey: "#"},
		},
	}
}

// Merge appends other's declarations to t
func (t Topology) Merge(other Topology) Topology {
	return Topology{
		Exchanges: append(append([]ExchangeDeclaration{}, t.Exchanges...), other.Exchanges...),
		Queues:    append(append([]QueueDeclaration{}, t.Queues...), other.Queues...),
		Bindings:  append(append([]Binding{}, t.Bindings...), other.Bindings...),
	}
}
