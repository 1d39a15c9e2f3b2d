package rabbitmq

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Delivery is a broker message tagged with the channel it arrived on
type Delivery struct {
	amqp.Delivery

	// Queue the message was consumed from
	Queue string

	generation uint64
}

// Generation identifies the channel the delivery arrived on
func (d Delivery) Generation() uint64 {
	return d.generation
}

// NewDelivery builds a Delivery bound to a channel generation
func NewDelivery(queue string, generation uint64, d amqp.Delivery) Delivery {
	return Delivery{Delivery: d, Queue: queue, generation: generation}
}

// DeliveryHandler processes one delivery. The handler settles the message
// itself through Ack or Nack; a returned error is only logged.
type DeliveryHandler func(ctx context.Context, d Delivery) error

// ConsumeOptions configures a consumer registration
type ConsumeOptions struct {
	ConsumerTag string
	Exclusive   bool
	Args        amqp.Table
}

type registration struct {
	queue   string
	handler DeliveryHandler
	opts    ConsumeOptions

	// generation of the channel this registration is consuming on, 0 if none
	active   uint64
	tag      string
	starting bool
}

// Consume registers handler for queue and starts consuming.
// The registration survives reconnects and is restored in the order it was made.
// When no connection can be opened the registration is kept, a reconnect is
// scheduled and the error is returned.
func (cm *ConnectionManager) Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ConsumeOptions) error {
	reg := &registration{queue: queue, handler: handler, opts: opts}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	cm.registrations = append(cm.registrations, reg)
	cm.mu.Unlock()

	if err := cm.startConsume(ctx, reg); err != nil {
		cm.scheduleReconnect()
		return err
	}
	return nil
}

// startConsume attaches reg to the live channel unless it already is
func (cm *ConnectionManager) startConsume(ctx context.Context, reg *registration) error {
	s, err := cm.session(ctx)
	if err != nil {
		return &ConsumerError{Queue: reg.queue, Op: "connect", Err: err, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	if reg.active == s.generation || reg.starting {
		cm.mu.Unlock()
		return nil
	}
	reg.starting = true
	tag := reg.opts.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("%s-%s", reg.queue, uuid.NewString()[:8])
	}
	cm.mu.Unlock()

	deliveries, err := s.ch.Consume(reg.queue, tag, false, reg.opts.Exclusive, false, false, reg.opts.Args)
	if err != nil {
		cm.mu.Lock()
		reg.starting = false
		cm.mu.Unlock()
		return &ConsumerError{Queue: reg.queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	reg.active = s.generation
	reg.tag = tag
	reg.starting = false
	cm.mu.Unlock()

	go cm.deliver(reg, s.generation, deliveries)

	cm.logger.Info("consumer started",
		zap.String("queue", reg.queue),
		zap.String("consumerTag", tag),
		zap.Uint64("generation", s.generation))
	return nil
}

// deliver fans deliveries out to one goroutine each; prefetch bounds the fan-out
func (cm *ConnectionManager) deliver(reg *registration, generation uint64, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		go cm.dispatch(reg, NewDelivery(reg.queue, generation, d))
	}

	cm.mu.Lock()
	if reg.active == generation {
		reg.active = 0
	}
	cm.mu.Unlock()

	cm.logger.Debug("delivery stream ended",
		zap.String("queue", reg.queue),
		zap.Uint64("generation", generation))
}

func (cm *ConnectionManager) dispatch(reg *registration, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("delivery handler panicked",
				zap.String("queue", reg.queue),
				zap.Uint64("deliveryTag", d.DeliveryTag),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	if err := reg.handler(cm.ctx, d); err != nil {
		cm.logger.Error("delivery handler failed",
			zap.String("queue", reg.queue),
			zap.String("messageId", d.MessageId),
			zap.Uint64("deliveryTag", d.DeliveryTag),
			zap.Error(err))
	}
}

// GetActiveConsumers returns the queues with a consumer on the live channel
func (cm *ConnectionManager) GetActiveConsumers() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	queues := make([]string, 0, len(cm.registrations))
	for _, reg := range cm.registrations {
		if reg.active != 0 && reg.active == cm.generation && cm.ch != nil {
			queues = append(queues, reg.queue)
		}
	}
	return queues
}
