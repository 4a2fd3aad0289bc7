package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubMetrics holds Prometheus metrics for the session and alert hub.
type HubMetrics struct {
	Connections       prometheus.Gauge
	Sessions          *prometheus.GaugeVec
	Topics            prometheus.Gauge
	AlertRules        prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	EventsSent        *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	AlertsTriggered   prometheus.Counter
	AlertsSuppressed  prometheus.Counter
	CommandQueueDepth prometheus.Gauge
	CommandTimeouts   prometheus.Counter
	Panics            prometheus.Counter
	BroadcastFanout   prometheus.Histogram
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Number of registered connections.",
		}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "sessions",
			Help:      "Number of sessions held in memory, by status.",
		}, []string{"status"}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "topics",
			Help:      "Number of topics with at least one subscriber.",
		}),
		AlertRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "alert_rules",
			Help:      "Number of registered alert rules.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_received_total",
			Help:      "Inbound client messages, by type.",
		}, []string{"type"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_sent_total",
			Help:      "Outbound events enqueued to connections, by type.",
		}, []string{"type"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Connections removed by the hub, by reason.",
		}, []string{"reason"}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "alerts_triggered_total",
			Help:      "Alert events emitted.",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "alerts_suppressed_total",
			Help:      "Alert events suppressed by the debounce window.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "command_queue_depth",
			Help:      "Commands waiting for the hub actor.",
		}),
		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "command_timeouts_total",
			Help:      "Hub commands whose reply did not arrive in time.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "panics_total",
			Help:      "Panics recovered in the hub actor.",
		}),
		BroadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcast_fanout",
			Help:      "Recipients per broadcast.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.Connections, m.Sessions, m.Topics, m.AlertRules,
		m.MessagesReceived, m.EventsSent, m.Evictions,
		m.AlertsTriggered, m.AlertsSuppressed,
		m.CommandQueueDepth, m.CommandTimeouts, m.Panics, m.BroadcastFanout,
	)
	return m
}
