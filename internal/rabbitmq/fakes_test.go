package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker hands out fake connections and records every dial
type fakeBroker struct {
	mu      sync.Mutex
	dials   int
	failing int
	conns   []*fakeConnection
	dialed  chan struct{}
	gate    chan struct{}

	missingExchanges map[string]bool
	missingQueues    map[string]bool
	queueDepth       map[string]int
	consumeErr       error
	confirm          bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		dialed:           make(chan struct{}, 64),
		missingExchanges: make(map[string]bool),
		missingQueues:    make(map[string]bool),
		queueDepth:       make(map[string]int),
		confirm:          true,
	}
}

// failNext makes the next n dials fail
func (b *fakeBroker) failNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = n
}

func (b *fakeBroker) dial(string, amqp.Config) (Connection, error) {
	if b.gate != nil {
		<-b.gate
	}

	b.mu.Lock()
	b.dials++
	if b.failing > 0 {
		b.failing--
		b.mu.Unlock()
		b.dialed <- struct{}{}
		return nil, errors.New("dial tcp: connection refused")
	}
	conn := &fakeConnection{broker: b}
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	b.dialed <- struct{}{}
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) lastConnection() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConnection struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	closers  []chan *amqp.Error
	blockers []chan amqp.Blocking
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// mainChannel is the first channel opened, the one the manager keeps
func (c *fakeConnection) mainChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[0]
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, receiver)
	return receiver
}

func (c *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockers = append(c.blockers, receiver)
	return receiver
}

func (c *fakeConnection) block(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blockers {
		b <- amqp.Blocking{Active: active, Reason: "low on memory"}
	}
}

// drop simulates the broker going away
func (c *fakeConnection) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
}

func (c *fakeConnection) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closers, blockers, channels := c.closers, c.blockers, c.channels
	c.closers, c.blockers = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(nil)
	}
	for _, r := range closers {
		if cause != nil {
			r <- cause
		}
		close(r)
	}
	for _, b := range blockers {
		close(b)
	}
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type published struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

type nacked struct {
	tag     uint64
	requeue bool
}

type fakeChannel struct {
	broker *fakeBroker

	mu         sync.Mutex
	closed     bool
	prefetch   int
	confirming bool
	closers    []chan *amqp.Error
	consumers  map[string]chan amqp.Delivery
	consumed   []string
	published  []published
	acks       []uint64
	nacks      []nacked
	declared   []string
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirming = true
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, receiver)
	return receiver
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "exchange:"+name)
	return nil
}

func (c *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.broker.mu.Lock()
	missing := c.broker.missingExchanges[name]
	c.broker.mu.Unlock()
	if missing {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + name + "' in vhost '/'"}
		c.shutdown(err)
		return err
	}
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "queue:"+name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	missing := c.broker.missingQueues[name]
	depth := c.broker.queueDepth[name]
	c.broker.mu.Unlock()
	if missing {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "' in vhost '/'"}
		c.shutdown(err)
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: depth, Consumers: 1}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "binding:"+exchange+"->"+name+":"+key)
	return nil
}

func (c *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	consumeErr := c.broker.consumeErr
	c.broker.mu.Unlock()
	if consumeErr != nil {
		return nil, consumeErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 16)
	c.consumers[queue] = deliveries
	c.consumed = append(c.consumed, queue)
	return deliveries, nil
}

// deliver pushes a message to the consumer of queue
func (c *fakeChannel) deliver(queue string, d amqp.Delivery) {
	c.mu.Lock()
	deliveries := c.consumers[queue]
	c.mu.Unlock()
	deliveries <- d
}

func (c *fakeChannel) consumedQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.consumed...)
}

func (c *fakeChannel) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacks = append(c.nacks, nacked{tag: tag, requeue: requeue})
	return nil
}

func (c *fakeChannel) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

func (c *fakeChannel) nackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nacks)
}

func (c *fakeChannel) PublishWithConfirm(_ context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.published = append(c.published, published{exchange: exchange, routingKey: key, msg: msg})

	c.broker.mu.Lock()
	confirm := c.broker.confirm
	c.broker.mu.Unlock()
	return settled(confirm), nil
}

func (c *fakeChannel) publishedMessages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeChannel) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closers, consumers := c.closers, c.consumers
	c.closers = nil
	c.consumers = make(map[string]chan amqp.Delivery)
	c.mu.Unlock()

	for _, d := range consumers {
		close(d)
	}
	for _, r := range closers {
		if cause != nil {
			r <- cause
		}
		close(r)
	}
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
