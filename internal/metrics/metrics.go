// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container pool
	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_containers_created_total",
			Help: "Total number of session containers created",
		},
	)

	ContainersReused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_containers_reused_total",
			Help: "Total number of warm-container reuses",
		},
	)

	ContainersDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_containers_deleted_total",
			Help: "Total number of session containers removed",
		},
	)

	CleanupErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_cleanup_errors_total",
			Help: "Total number of failed container or network removals",
		},
	)

	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_containers_active",
			Help: "Current number of live session containers",
		},
	)

	CleanupDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_cleanup_duration_ms",
			Help: "Duration of the last pool sweep in milliseconds",
		},
	)

	// Admission queue
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_queue_depth",
			Help: "Current number of queued execution requests",
		},
	)

	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_active_executions",
			Help: "Current number of running execution tasks",
		},
	)

	QueueRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_queue_rejected_total",
			Help: "Total number of rejected requests by reason",
		},
		[]string{"reason"},
	)

	ExecutionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderunner_execution_seconds",
			Help:    "Wall-clock execution time per request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session networks
	NetworksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_networks_active",
			Help: "Current number of live session networks",
		},
	)

	SubnetsLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_subnets_leased",
			Help: "Current number of leased /24 subnets",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ContainersReused)
	prometheus.MustRegister(ContainersDeleted)
	prometheus.MustRegister(CleanupErrors)
	prometheus.MustRegister(ContainersActive)
	prometheus.MustRegister(CleanupDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveExecutions)
	prometheus.MustRegister(QueueRejected)
	prometheus.MustRegister(ExecutionSeconds)
	prometheus.MustRegister(NetworksActive)
	prometheus.MustRegister(SubnetsLeased)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
