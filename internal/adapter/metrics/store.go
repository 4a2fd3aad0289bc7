package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreMetrics holds Prometheus metrics for the persistence path.
type StoreMetrics struct {
	QueryDuration  *prometheus.HistogramVec
	QueryErrors    *prometheus.CounterVec
	WritesTotal    *prometheus.CounterVec
	WritesDropped  *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	BreakerState   prometheus.Gauge
	SessionLoads   *prometheus.CounterVec
	PurgedSessions prometheus.Counter
}

// NewStoreMetrics creates and registers store metrics on the given registry.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries, by statement verb.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Failed database queries, by statement verb.",
		}, []string{"query"}),
		WritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persister",
			Name:      "writes_total",
			Help:      "Persisted writes, by kind and result.",
		}, []string{"kind", "result"}),
		WritesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persister",
			Name:      "writes_dropped_total",
			Help:      "Writes dropped before reaching the store, by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persister",
			Name:      "queue_depth",
			Help:      "Writes waiting in the persister queue.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persister",
			Name:      "breaker_state",
			Help:      "Store circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		SessionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persister",
			Name:      "session_loads_total",
			Help:      "Session hydrations from the store, by result.",
		}, []string{"result"}),
		PurgedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "purged_sessions_total",
			Help:      "Archived sessions deleted from the store.",
		}),
	}

	reg.MustRegister(
		m.QueryDuration, m.QueryErrors,
		m.WritesTotal, m.WritesDropped, m.QueueDepth, m.BreakerState,
		m.SessionLoads, m.PurgedSessions,
	)
	return m
}
