package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the part of an AMQP connection the manager relies on
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	Close() error
	IsClosed() bool
}

// Channel is the part of an AMQP channel the manager relies on
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error

	// PublishWithConfirm publishes msg and returns a handle on the broker confirm
	PublishWithConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)

	Close() error
	IsClosed() bool
}

// Confirmation resolves once the broker acks or nacks a publish
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Dialer opens a broker connection
type Dialer func(url string, config amqp.Config) (Connection, error)

// DialAMQP is the Dialer backed by amqp091-go
func DialAMQP(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

func newAMQPConfig(name string, connectTimeout time.Duration) amqp.Config {
	props := amqp.NewConnectionProperties()
	if name != "" {
		props["connection_name"] = name
	}
	return amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(connectTimeout),
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) PublishWithConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	// nil when the channel is not in confirm mode
	if dc == nil {
		return settled(true), nil
	}
	return dc, nil
}

type settled bool

func (s settled) WaitContext(context.Context) (bool, error) {
	return bool(s), nil
}
