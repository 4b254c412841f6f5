package nats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CollectorConfig configures the Prometheus collector of a session.
type CollectorConfig struct {
	// Namespace is the metrics namespace (default: "nats").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels
}

// CollectorOption configures the collector.
type CollectorOption func(*CollectorConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) CollectorOption {
	return func(c *CollectorConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) CollectorOption {
	return func(c *CollectorConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) CollectorOption {
	return func(c *CollectorConfig) {
		c.ConstLabels = labels
	}
}

type collector struct {
	conn *Conn

	pingsSent     *prometheus.Desc
	pongsReceived *prometheus.Desc
	publishes     *prometheus.Desc
	bytesOut      *prometheus.Desc
	messagesIn    *prometheus.Desc
	bytesIn       *prometheus.Desc
	subscriptions *prometheus.Desc
	ready         *prometheus.Desc
}

// NewCollector returns a prometheus.Collector exporting the counters of c.
// Collection only reads atomics, so it is safe while c is in use.
func NewCollector(c *Conn, opts ...CollectorOption) prometheus.Collector {
	cfg := CollectorConfig{Namespace: "nats", Subsystem: "client"}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, name),
			help, nil, cfg.ConstLabels)
	}

	return &collector{
		conn:          c,
		pingsSent:     desc("pings_sent_total", "PING frames sent."),
		pongsReceived: desc("pongs_received_total", "PONG frames received."),
		publishes:     desc("publishes_total", "Messages published."),
		bytesOut:      desc("bytes_out_total", "Bytes written to the stream."),
		messagesIn:    desc("messages_in_total", "Messages delivered to subscriptions."),
		bytesIn:       desc("bytes_in_total", "Payload bytes delivered to subscriptions."),
		subscriptions: desc("subscriptions", "Registered subscriptions."),
		ready:         desc("ready", "1 while the session is ready."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pingsSent
	ch <- c.pongsReceived
	ch <- c.publishes
	ch <- c.bytesOut
	ch <- c.messagesIn
	ch <- c.bytesIn
	ch <- c.subscriptions
	ch <- c.ready
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.conn.Stats()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.pingsSent, stats.PingsSent)
	counter(c.pongsReceived, stats.PongsReceived)
	counter(c.publishes, stats.Publishes)
	counter(c.bytesOut, stats.BytesOut)
	counter(c.messagesIn, stats.MessagesIn)
	counter(c.bytesIn, stats.BytesIn)

	ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(c.conn.NumSubscriptions()))

	ready := 0.0
	if c.conn.State() == StateReady {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, ready)
}
