// Package metrics exposes gateway counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so components can take
// one unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "deskgate").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "deskgate",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the gateway's Prometheus metrics.
type Collector struct {
	sessionsActive    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsClosed    *prometheus.CounterVec
	sessionDuration   prometheus.Histogram
	connectFailures   *prometheus.CounterVec
	connectDuration   prometheus.Histogram
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	framesPumped      prometheus.Counter
	framesDropped     prometheus.Counter
	decodeFailures    prometheus.Counter
	auditDropped      prometheus.Counter
	deviceOutcomes    *prometheus.CounterVec
	transferOutcomes  *prometheus.CounterVec
	subscriberPanics  prometheus.Counter
	controlClients    prometheus.Gauge
}

// New registers the gateway metrics and returns a Collector.
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Collector{
		sessionsActive:  gauge("sessions_active", "Number of sessions connecting or connected"),
		sessionsCreated: counter("sessions_created_total", "Total number of sessions created"),
		sessionsClosed:  counterVec("sessions_closed_total", "Total number of sessions ended, by final status", "status"),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "session_duration_seconds",
			Help:        "Lifetime of ended sessions in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
		connectFailures: counterVec("connect_failures_total", "Session connect failures by error kind", "kind"),
		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connect_duration_seconds",
			Help:        "Time from connect request to host confirm",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		bytesSent:        counter("host_bytes_sent_total", "Bytes written to remote hosts"),
		bytesReceived:    counter("host_bytes_received_total", "Bytes read from remote hosts"),
		framesPumped:     counter("frames_pumped_total", "Video frames emitted by frame pumps"),
		framesDropped:    counter("frames_dropped_total", "Video frames dropped on buffer overflow"),
		decodeFailures:   counter("decode_failures_total", "Frames that failed to decode"),
		auditDropped:     counter("audit_dropped_total", "Audit events dropped because the sink was full"),
		deviceOutcomes:   counterVec("device_connects_total", "Device connect outcomes", "result"),
		transferOutcomes: counterVec("file_transfers_total", "File transfers by final status", "status"),
		subscriberPanics: counter("subscriber_panics_total", "Event subscribers that panicked"),
		controlClients:   gauge("control_clients", "Connected control-channel clients"),
	}
}

// SessionCreated records a new session.
func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
	c.sessionsActive.Inc()
}

// SessionConnected records the connect latency of a session.
func (c *Collector) SessionConnected(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.connectDuration.Observe(elapsed.Seconds())
}

// SessionEnded records a session leaving the active set.
func (c *Collector) SessionEnded(status string, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsClosed.WithLabelValues(status).Inc()
	c.sessionDuration.Observe(lifetime.Seconds())
}

// ConnectFailed records a failed connect by error kind.
func (c *Collector) ConnectFailed(kind string) {
	if c == nil {
		return
	}
	c.connectFailures.WithLabelValues(kind).Inc()
}

// BytesSent implements transport.Observer.
func (c *Collector) BytesSent(n int) {
	if c == nil {
		return
	}
	c.bytesSent.Add(float64(n))
}

// BytesReceived implements transport.Observer.
func (c *Collector) BytesReceived(n int) {
	if c == nil {
		return
	}
	c.bytesReceived.Add(float64(n))
}

// FrameDropped implements transport.Observer.
func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Inc()
}

// DecodeFailed implements transport.Observer.
func (c *Collector) DecodeFailed() {
	if c == nil {
		return
	}
	c.decodeFailures.Inc()
}

// FramePumped records one frame emitted by a frame pump.
func (c *Collector) FramePumped() {
	if c == nil {
		return
	}
	c.framesPumped.Inc()
}

// AuditDropped records an audit event lost to back-pressure.
func (c *Collector) AuditDropped() {
	if c == nil {
		return
	}
	c.auditDropped.Inc()
}

// DeviceConnect records a device connect outcome.
func (c *Collector) DeviceConnect(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.deviceOutcomes.WithLabelValues(result).Inc()
}

// TransferFinished records a file transfer's terminal status.
func (c *Collector) TransferFinished(status string) {
	if c == nil {
		return
	}
	c.transferOutcomes.WithLabelValues(status).Inc()
}

// SubscriberPanicked records a recovered subscriber panic.
func (c *Collector) SubscriberPanicked() {
	if c == nil {
		return
	}
	c.subscriberPanics.Inc()
}

// ControlClientConnected adjusts the control client gauge by delta.
func (c *Collector) ControlClientConnected(delta int) {
	if c == nil {
		return
	}
	c.controlClients.Add(float64(delta))
}
