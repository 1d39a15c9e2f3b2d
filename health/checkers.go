package health

import (
	"context"
	"fmt"
	"time"

	"github.com/edupay/eventcore/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultBacklogThreshold is the queue depth above which a queue reports degraded
const DefaultBacklogThreshold = 10000

// BrokerProbe is what BrokerChecker needs from the connection manager
type BrokerProbe interface {
	IsConnected() bool
	Inspect(ctx context.Context, fn func(rabbitmq.Channel) error) error
}

// QueueInspector reports a queue's current depth
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

var (
	_ BrokerProbe    = (*rabbitmq.ConnectionManager)(nil)
	_ QueueInspector = (*rabbitmq.TopologyGuard)(nil)
)

// BrokerChecker checks the broker connection with a passive declare of amq.topic
type BrokerChecker struct {
	broker BrokerProbe
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(broker BrokerProbe) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	result.Details["was_connected"] = c.broker.IsConnected()

	err := c.broker.Inspect(ctx, func(ch rabbitmq.Channel) error {
		return ch.ExchangeDeclarePassive("amq.topic", amqp.ExchangeTopic, true, false, false, false, nil)
	})
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "broker not reachable"
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	return result
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker; a threshold <= 0 uses DefaultBacklogThreshold
func NewQueueChecker(queue string, inspector QueueInspector, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultBacklogThreshold
	}
	return &QueueChecker{queue: queue, inspector: inspector, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queue, err := c.inspector.InspectQueue(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d messages waiting", c.queue, queue.Messages)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	return result
}

// ComponentChecker adapts a function into a Checker
type ComponentChecker struct {
	name  string
	check func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, check func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, check: check}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.check(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
