// Package metrics holds the prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cha"

var (
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "subscribers",
			Help:      "Open push streams on this replica.",
		},
	)
	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "events_total",
			Help:      "Push events broadcast, by type.",
		},
		[]string{"type"},
	)
	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Guest and item mutations, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	DroppedSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "dropped_signals_total",
			Help:      "Push signals a client-side consumer dropped because its inbox was full.",
		},
		[]string{"consumer"},
	)
	Requests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

var (
	registry        = prometheus.NewRegistry()
	registerMetrics sync.Once
)

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		registry.MustRegister(Subscribers)
		registry.MustRegister(PushEvents)
		registry.MustRegister(Mutations)
		registry.MustRegister(DroppedSignals)
		registry.MustRegister(Requests)
		registry.MustRegister(prometheus.NewGoCollector())
	})
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
