package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPrefetch       = 10
	defaultReconnectDelay = 5 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// ConnectionMetrics receives connection lifecycle signals
type ConnectionMetrics interface {
	RecordReconnect(success bool)
	RecordBlocked(blocked bool)
}

type nopConnectionMetrics struct{}

func (nopConnectionMetrics) RecordReconnect(bool) {}
func (nopConnectionMetrics) RecordBlocked(bool)   {}

// ConnectionManager owns one broker connection and one confirm-mode channel.
//
// The channel is opened lazily and dropped whenever the connection or the
// channel closes. A single timer then re-establishes it after a fixed delay and
// replays every consumer registered through Consume, in registration order.
type ConnectionManager struct {
	url            string
	name           string
	dial           Dialer
	prefetch       int
	reconnectDelay time.Duration
	connectTimeout time.Duration
	logger         *zap.Logger
	metrics        ConnectionMetrics

	mu             sync.Mutex
	conn           Connection
	ch             Channel
	generation     uint64
	closed         bool
	reconnectTimer *time.Timer
	registrations  []*registration

	connecting singleflight.Group
	blocked    atomic.Bool

	// ctx scopes every delivery handler; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithPrefetch sets the maximum number of unacknowledged deliveries
func WithPrefetch(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.prefetch = count
	}
}

// WithConnectTimeout bounds the TCP and AMQP handshake
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithConnectionName sets the client-provided name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithDialer replaces the transport dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectionMetrics sets the metrics sink
func WithConnectionMetrics(metrics ConnectionMetrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = metrics
	}
}

// NewConnectionManager creates a manager; no connection is opened until first use
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		prefetch:       defaultPrefetch,
		reconnectDelay: defaultReconnectDelay,
		connectTimeout: defaultConnectTimeout,
		logger:         zap.NewNop(),
		metrics:        nopConnectionMetrics{},
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	cm.logger = cm.logger.With(zap.String("broker", SanitizeURL(url)))
	return cm
}

type session struct {
	ch         Channel
	generation uint64
}

// Connect returns the live channel, opening one if needed.
// Concurrent callers share a single in-flight attempt.
func (cm *ConnectionManager) Connect(ctx context.Context) (Channel, error) {
	s, err := cm.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.ch, nil
}

func (cm *ConnectionManager) session(ctx context.Context) (session, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return session{}, ErrManagerClosed
	}
	if cm.ch != nil {
		s := session{ch: cm.ch, generation: cm.generation}
		cm.mu.Unlock()
		return s, nil
	}
	cm.mu.Unlock()

	result := cm.connecting.DoChan("connect", func() (interface{}, error) {
		return cm.open()
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return session{}, res.Err
		}
		return res.Val.(session), nil
	case <-ctx.Done():
		return session{}, ctx.Err()
	}
}

// open dials a connection and prepares the shared channel
func (cm *ConnectionManager) open() (session, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return session{}, ErrManagerClosed
	}
	if cm.ch != nil {
		s := session{ch: cm.ch, generation: cm.generation}
		cm.mu.Unlock()
		return s, nil
	}
	cm.mu.Unlock()

	conn, err := cm.dial(cm.url, newAMQPConfig(cm.name, cm.connectTimeout))
	if err != nil {
		return session{}, cm.connectionError("dial", err)
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return session{}, cm.connectionError("open channel", err)
	}
	if err := ch.Qos(cm.prefetch, 0, false); err != nil {
		_ = conn.Close()
		return session{}, cm.connectionError("set prefetch", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return session{}, cm.connectionError("enable confirms", err)
	}
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return session{}, ErrManagerClosed
	}
	cm.generation++
	s := session{ch: ch, generation: cm.generation}
	cm.conn, cm.ch = conn, ch
	cm.mu.Unlock()

	go cm.watch(s.generation, connClosed, chClosed, blocked)

	cm.logger.Info("connected to broker",
		zap.Uint64("generation", s.generation),
		zap.Int("prefetch", cm.prefetch))
	return s, nil
}

func (cm *ConnectionManager) connectionError(op string, err error) error {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// watch observes one generation until its connection or channel closes
func (cm *ConnectionManager) watch(generation uint64, connClosed, chClosed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	for {
		select {
		case err := <-connClosed:
			cm.handleClose(generation, "connection", err)
			return
		case err := <-chClosed:
			cm.handleClose(generation, "channel", err)
			return
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			cm.blocked.Store(b.Active)
			cm.metrics.RecordBlocked(b.Active)
			if b.Active {
				cm.logger.Warn("broker blocked publishing", zap.String("reason", b.Reason))
			} else {
				cm.logger.Info("broker unblocked publishing")
			}
		}
	}
}

// handleClose drops the handles of a closed generation and arms the reconnect timer
func (cm *ConnectionManager) handleClose(generation uint64, source string, cause *amqp.Error) {
	cm.mu.Lock()
	if generation != cm.generation || cm.ch == nil {
		cm.mu.Unlock()
		return
	}
	conn, ch := cm.conn, cm.ch
	cm.conn, cm.ch = nil, nil
	closing := cm.closed
	cm.armReconnectLocked()
	cm.mu.Unlock()

	cm.blocked.Store(false)
	if closing {
		return
	}

	fields := []zap.Field{
		zap.String("source", source),
		zap.Uint64("generation", generation),
		zap.Duration("reconnectIn", cm.reconnectDelay),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	cm.logger.Warn("broker connection lost", fields...)

	// whichever half is still open belongs to a dead generation
	go func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		if !conn.IsClosed() {
			_ = conn.Close()
		}
	}()
}

func (cm *ConnectionManager) armReconnectLocked() {
	if cm.closed || cm.reconnectTimer != nil {
		return
	}
	cm.reconnectTimer = time.AfterFunc(cm.reconnectDelay, cm.reconnect)
}

// scheduleReconnect arms the timer unless a channel is live
func (cm *ConnectionManager) scheduleReconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.ch == nil {
		cm.armReconnectLocked()
	}
}

func (cm *ConnectionManager) reconnect() {
	cm.mu.Lock()
	cm.reconnectTimer = nil
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.mu.Unlock()

	ctx, cancel := context.WithTimeout(cm.ctx, cm.connectTimeout)
	defer cancel()

	if _, err := cm.session(ctx); err != nil {
		cm.metrics.RecordReconnect(false)
		cm.logger.Error("reconnection failed",
			zap.Error(err),
			zap.Duration("nextRetryIn", cm.reconnectDelay))
		cm.mu.Lock()
		cm.armReconnectLocked()
		cm.mu.Unlock()
		return
	}

	cm.metrics.RecordReconnect(true)
	cm.replay(ctx)
}

// replay restarts consumers that are not attached to the live channel
func (cm *ConnectionManager) replay(ctx context.Context) {
	cm.mu.Lock()
	registrations := make([]*registration, len(cm.registrations))
	copy(registrations, cm.registrations)
	cm.mu.Unlock()

	for _, reg := range registrations {
		if err := cm.startConsume(ctx, reg); err != nil {
			cm.logger.Error("failed to restore consumer",
				zap.String("queue", reg.queue),
				zap.Error(err))
		}
	}
	if len(registrations) > 0 {
		cm.logger.Info("consumers restored", zap.Int("count", len(registrations)))
	}
}

// QueueOptions configures AssertQueue
type QueueOptions struct {
	Durable              bool
	AutoDelete           bool
	Exclusive            bool
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	Args                 amqp.Table
}

// QueueOption configures a queue declaration
type QueueOption func(*QueueOptions)

// WithDurable overrides the durable default
func WithDurable(durable bool) QueueOption {
	return func(o *QueueOptions) {
		o.Durable = durable
	}
}

// WithDeadLetterExchange routes rejected messages to exchange
func WithDeadLetterExchange(exchange string) QueueOption {
	return func(o *QueueOptions) {
		o.DeadLetterExchange = exchange
	}
}

// WithDeadLetterRoutingKey overrides the routing key of dead-lettered messages
func WithDeadLetterRoutingKey(key string) QueueOption {
	return func(o *QueueOptions) {
		o.DeadLetterRoutingKey = key
	}
}

// WithQueueArgs merges extra declaration arguments
func WithQueueArgs(args amqp.Table) QueueOption {
	return func(o *QueueOptions) {
		if o.Args == nil {
			o.Args = amqp.Table{}
		}
		for k, v := range args {
			o.Args[k] = v
		}
	}
}

func (o QueueOptions) arguments() amqp.Table {
	args := amqp.Table{}
	for k, v := range o.Args {
		args[k] = v
	}
	if o.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
	}
	if o.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = o.DeadLetterRoutingKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// AssertQueue declares a queue, durable unless overridden
func (cm *ConnectionManager) AssertQueue(ctx context.Context, name string, options ...QueueOption) (amqp.Queue, error) {
	opts := QueueOptions{Durable: true}
	for _, opt := range options {
		opt(&opts)
	}

	ch, err := cm.Connect(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}

	q, err := ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, opts.arguments())
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// Publish hands msg to the broker without waiting for its confirm.
// The boolean is false while the broker asks publishers to slow down; the
// message has still been sent.
func (cm *ConnectionManager) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error) {
	if _, err := cm.send(ctx, exchange, routingKey, msg); err != nil {
		return false, err
	}
	if cm.blocked.Load() {
		cm.logger.Warn("broker signalled backpressure, slow down publishing",
			zap.String("exchange", exchange),
			zap.String("routingKey", routingKey))
		return false, nil
	}
	return true, nil
}

// PublishAndConfirm publishes msg and waits for the broker confirm
func (cm *ConnectionManager) PublishAndConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	confirm, err := cm.send(ctx, exchange, routingKey, msg)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	if !acked {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
	}
	return nil
}

func (cm *ConnectionManager) send(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (Confirmation, error) {
	ch, err := cm.Connect(ctx)
	if err != nil {
		return nil, &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}

	confirm, err := ch.PublishWithConfirm(ctx, exchange, routingKey, msg)
	if err != nil {
		return nil, &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return confirm, nil
}

// Ack acknowledges d on the channel it arrived on
func (cm *ConnectionManager) Ack(d Delivery) error {
	ch, ok := cm.channelFor(d, "ack")
	if !ok {
		return nil
	}
	return ch.Ack(d.DeliveryTag, false)
}

// Nack rejects d on the channel it arrived on
func (cm *ConnectionManager) Nack(d Delivery, multiple, requeue bool) error {
	ch, ok := cm.channelFor(d, "nack")
	if !ok {
		return nil
	}
	return ch.Nack(d.DeliveryTag, multiple, requeue)
}

// channelFor returns the live channel if d was delivered on it.
// Tags from an older channel are meaningless; the broker redelivers those messages.
func (cm *ConnectionManager) channelFor(d Delivery, op string) (Channel, bool) {
	cm.mu.Lock()
	ch, generation := cm.ch, cm.generation
	cm.mu.Unlock()

	if ch == nil {
		cm.logger.Warn(fmt.Sprintf("%s skipped: no open channel", op),
			zap.String("queue", d.Queue),
			zap.Uint64("deliveryTag", d.DeliveryTag))
		return nil, false
	}
	if d.generation != generation {
		cm.logger.Warn(fmt.Sprintf("%s skipped: delivery belongs to a closed channel", op),
			zap.String("queue", d.Queue),
			zap.Uint64("deliveryTag", d.DeliveryTag))
		return nil, false
	}
	return ch, true
}

// Inspect runs fn on a short-lived channel of the live connection.
// Passive declarations that fail close their channel; isolating them keeps the
// shared channel and its consumers alive.
func (cm *ConnectionManager) Inspect(ctx context.Context, fn func(Channel) error) error {
	if _, err := cm.Connect(ctx); err != nil {
		return err
	}

	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return cm.connectionError("open inspection channel", err)
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	return fn(ch)
}

// Generation identifies the live channel; it changes on every reconnect
func (cm *ConnectionManager) Generation() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.generation
}

// IsConnected reports whether a channel is currently open
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.ch != nil
}

// Close stops reconnecting and closes the channel and connection.
// Errors from either step are logged, not returned. In-flight handlers are
// not awaited; their context is cancelled.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	conn, ch := cm.conn, cm.ch
	cm.conn, cm.ch = nil, nil
	cm.registrations = nil
	cm.mu.Unlock()

	cm.cancel()

	if ch != nil {
		if err := ch.Close(); err != nil {
			cm.logger.Warn("failed to close channel", zap.Error(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			cm.logger.Warn("failed to close connection", zap.Error(err))
		}
	}

	cm.logger.Info("connection manager closed")
	return nil
}
