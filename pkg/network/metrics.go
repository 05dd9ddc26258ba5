package network

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/mate-node/pkg/wire"
)

// Metrics collects connection and frame statistics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HandshakeLatency  *prometheus.HistogramVec // by role
	HandshakeErrors   *prometheus.CounterVec   // by role and reason
	FramesRead        prometheus.Counter
	FramesWritten     prometheus.Counter
	BytesRead         prometheus.Counter
	BytesWritten      prometheus.Counter
	FramesRejected    *prometheus.CounterVec // by wire error kind
	MessagesSent      *prometheus.CounterVec // by message kind
	MessagesReceived  *prometheus.CounterVec // by message kind
	ActiveConnections prometheus.Gauge
	Connections       *prometheus.CounterVec // by result
}

// NewMetrics creates the collectors and registers them on a private
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HandshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mate",
			Name:      "handshake_duration_seconds",
			Help:      "Time taken to authenticate a connection.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"role"}),
		HandshakeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "handshake_errors_total",
			Help:      "Failed handshakes.",
		}, []string{"role", "reason"}),
		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "frames_read_total",
			Help:      "Frames read from peers.",
		}),
		FramesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "frames_written_total",
			Help:      "Frames written to peers.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "bytes_read_total",
			Help:      "Bytes read in frames, length prefix included.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "bytes_written_total",
			Help:      "Bytes written in frames, length prefix included.",
		}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "frames_rejected_total",
			Help:      "Frames refused by the codec.",
		}, []string{"kind"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "messages_sent_total",
			Help:      "Application messages sent.",
		}, []string{"kind"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "messages_received_total",
			Help:      "Verified application messages received.",
		}, []string{"kind"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mate",
			Name:      "active_connections",
			Help:      "Connections currently served.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mate",
			Name:      "connections_total",
			Help:      "Inbound connections by outcome.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.HandshakeLatency,
		m.HandshakeErrors,
		m.FramesRead,
		m.FramesWritten,
		m.BytesRead,
		m.BytesWritten,
		m.FramesRejected,
		m.MessagesSent,
		m.MessagesReceived,
		m.ActiveConnections,
		m.Connections,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FrameRead implements wire.Observer.
func (m *Metrics) FrameRead(bytes int) {
	if m == nil {
		return
	}
	m.FramesRead.Inc()
	m.BytesRead.Add(float64(bytes))
}

// FrameWritten implements wire.Observer.
func (m *Metrics) FrameWritten(bytes int) {
	if m == nil {
		return
	}
	m.FramesWritten.Inc()
	m.BytesWritten.Add(float64(bytes))
}

// FrameRejected implements wire.Observer.
func (m *Metrics) FrameRejected(kind wire.Kind) {
	if m == nil {
		return
	}
	m.FramesRejected.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeHandshake(role string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HandshakeErrors.WithLabelValues(role, errorReason(err)).Inc()
		return
	}
	m.HandshakeLatency.WithLabelValues(role).Observe(d.Seconds())
}

func (m *Metrics) messageSent(kind string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) messageReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) connectionResult(result string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(result).Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}
