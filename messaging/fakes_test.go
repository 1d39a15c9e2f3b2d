package messaging

import (
	"context"
	"sync"

	"github.com/edupay/eventcore/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type mockConfirmPublisher struct {
	mock.Mock
}

func (m *mockConfirmPublisher) PublishAndConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

type mockExchangeVerifier struct {
	mock.Mock
}

func (m *mockExchangeVerifier) EnsureExchange(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

type republished struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

// fakeQueueBroker keeps everything a RetryConsumer does to the broker in memory
type fakeQueueBroker struct {
	mu         sync.Mutex
	asserted   []string
	queueOpts  rabbitmq.QueueOptions
	handler    rabbitmq.DeliveryHandler
	published  []republished
	acks       []uint64
	nacks      []nackCall
	publishErr error
	consumeErr error
	nextTag    uint64
}

type nackCall struct {
	tag     uint64
	requeue bool
}

func (b *fakeQueueBroker) AssertQueue(_ context.Context, name string, options ...rabbitmq.QueueOption) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asserted = append(b.asserted, name)
	for _, opt := range options {
		opt(&b.queueOpts)
	}
	return amqp.Queue{Name: name}, nil
}

func (b *fakeQueueBroker) Consume(_ context.Context, _ string, handler rabbitmq.DeliveryHandler, _ rabbitmq.ConsumeOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumeErr != nil {
		return b.consumeErr
	}
	b.handler = handler
	return nil
}

func (b *fakeQueueBroker) PublishAndConfirm(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, republished{exchange: exchange, routingKey: routingKey, msg: msg})
	return nil
}

func (b *fakeQueueBroker) Ack(d rabbitmq.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, d.DeliveryTag)
	return nil
}

func (b *fakeQueueBroker) Nack(d rabbitmq.Delivery, _, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks = append(b.nacks, nackCall{tag: d.DeliveryTag, requeue: requeue})
	return nil
}

// delivery wraps msg as the broker would hand it to the consumer of queue
func (b *fakeQueueBroker) delivery(queue string, msg amqp.Publishing) rabbitmq.Delivery {
	b.mu.Lock()
	b.nextTag++
	tag := b.nextTag
	b.mu.Unlock()

	return rabbitmq.NewDelivery(queue, 1, amqp.Delivery{
		DeliveryTag:   tag,
		RoutingKey:    queue,
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		MessageId:     msg.MessageId,
		CorrelationId: msg.CorrelationId,
		Type:          msg.Type,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	})
}

// takePublished removes and returns the oldest republished message
func (b *fakeQueueBroker) takePublished() (republished, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		return republished{}, false
	}
	p := b.published[0]
	b.published = b.published[1:]
	return p, true
}
