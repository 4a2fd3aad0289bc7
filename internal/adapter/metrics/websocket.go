package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for the WebSocket transport.
type WebSocketMetrics struct {
	ActiveConnections   prometheus.Gauge
	RejectedConnections *prometheus.CounterVec
	AuthFailures        prometheus.Counter
	SendDuration        prometheus.Histogram
	PingFailures        prometheus.Counter
	RateLimitedMessages prometheus.Counter
	MalformedMessages   prometheus.Counter
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections.",
		}),
		RejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejected_connections_total",
			Help:      "Connection attempts rejected before upgrade, by reason.",
		}, []string{"reason"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected because of a bad or expired token.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "send_duration_seconds",
			Help:      "Time spent writing one frame to a connection.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Liveness probes that could not be written.",
		}),
		RateLimitedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rate_limited_messages_total",
			Help:      "Inbound messages dropped by the per-connection rate limit.",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "malformed_messages_total",
			Help:      "Inbound frames that were not valid JSON messages.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.RejectedConnections, m.AuthFailures,
		m.SendDuration, m.PingFailures, m.RateLimitedMessages, m.MalformedMessages,
	)
	return m
}
