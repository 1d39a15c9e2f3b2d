// Package metrics exports messaging activity as Prometheus series.
package metrics

import (
	"time"

	"github.com/edupay/eventcore/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventcore"

// Collector implements the metrics ports of the messaging and rabbitmq packages
type Collector struct {
	published      *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	handleLatency  *prometheus.HistogramVec
	reconnects     *prometheus.CounterVec
	blocked        prometheus.Gauge
}

// New creates a Collector and registers its series with reg
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "events_total",
			Help: "Domain events handed to the publisher, by exchange and result.",
		}, []string{"exchange", "result"}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "confirm_duration_seconds",
			Help:    "Time from publish call to broker confirm.",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "deliveries_total",
			Help: "Deliveries settled by retry consumers, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "handle_duration_seconds",
			Help:    "Time spent handling and settling one delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnects_total",
			Help: "Reconnection attempts, by result.",
		}, []string{"result"}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "blocked",
			Help: "1 while the broker blocks publishing.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.published, c.publishLatency, c.outcomes, c.handleLatency, c.reconnects, c.blocked,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordPublish counts a publish attempt
func (c *Collector) RecordPublish(exchange string, err error, duration time.Duration) {
	c.published.WithLabelValues(exchange, result(err == nil)).Inc()
	if err == nil {
		c.publishLatency.WithLabelValues(exchange).Observe(duration.Seconds())
	}
}

// RecordOutcome counts a settled delivery
func (c *Collector) RecordOutcome(queue string, outcome messaging.Outcome, duration time.Duration) {
	c.outcomes.WithLabelValues(queue, outcome.String()).Inc()
	c.handleLatency.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordReconnect counts a reconnection attempt
func (c *Collector) RecordReconnect(success bool) {
	c.reconnects.WithLabelValues(result(success)).Inc()
}

// RecordBlocked tracks the broker's flow-control state
func (c *Collector) RecordBlocked(blocked bool) {
	if blocked {
		c.blocked.Set(1)
		return
	}
	c.blocked.Set(0)
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
