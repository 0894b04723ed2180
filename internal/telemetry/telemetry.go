package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alertpipe"

var (
	// Registry is the private registry every instrument below is registered on.
	Registry = prometheus.NewRegistry()

	MetricsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metrics_ingested_total",
		Help:      "Metrics accepted by the store.",
	})

	QueryCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_cache_hits_total",
		Help:      "Queries answered from the query cache.",
	})

	Collections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collections_total",
		Help:      "Collector runs by collector type and outcome.",
	}, []string{"type", "status"})

	Evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_evaluations_total",
		Help:      "Alert rule evaluations by resulting state.",
	}, []string{"state"})

	ActiveAlerts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_alerts",
		Help:      "Alert instances currently pending or alerting.",
	})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification attempts by channel type and outcome.",
	}, []string{"type", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		MetricsIngested,
		QueryCacheHits,
		Collections,
		Evaluations,
		ActiveAlerts,
		Notifications,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
