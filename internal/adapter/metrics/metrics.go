// Package metrics defines the Prometheus instruments of every component and
// the registry that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulsehub"

// Set bundles the instruments of one process, all registered on Registry.
type Set struct {
	Registry  *prometheus.Registry
	Hub       *HubMetrics
	HTTP      *HTTPMetrics
	WebSocket *WebSocketMetrics
	Redis     *RedisMetrics
	Store     *StoreMetrics
}

// NewSet creates a registry with the Go runtime and process collectors and
// registers every component's instruments on it.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
	return &Set{
		Registry:  reg,
		Hub:       NewHubMetrics(reg),
		HTTP:      NewHTTPMetrics(reg),
		WebSocket: NewWebSocketMetrics(reg),
		Redis:     NewRedisMetrics(reg),
		Store:     NewStoreMetrics(reg),
	}
}

// Handler serves the set's registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}
