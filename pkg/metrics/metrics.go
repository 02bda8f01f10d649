package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_servers_total",
			Help: "Total number of enrolled servers by status",
		},
		[]string{"status"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anchor_services_total",
			Help: "Total number of declared services",
		},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_rollouts_total",
			Help: "Total number of rollouts by terminal status",
		},
		[]string{"status"},
	)

	RolloutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchor_rollout_duration_seconds",
			Help:    "Rollout duration in seconds from preparing to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	RolloutStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchor_rollout_stage_duration_seconds",
			Help:    "Time spent in each rollout stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RolledBackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_rollouts_rolled_back_total",
			Help: "Total number of rollouts rolled back, by failed stage",
		},
		[]string{"failed_stage"},
	)

	WorkItemsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_workitems_enqueued_total",
			Help: "Total number of work items enqueued by type",
		},
		[]string{"type"},
	)

	WorkItemsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_workitems_completed_total",
			Help: "Total number of work items completed by type",
		},
		[]string{"type"},
	)

	WorkItemsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_workitems_failed_total",
			Help: "Total number of work items terminally failed by type",
		},
		[]string{"type"},
	)

	WorkQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchor_workqueue_depth",
			Help: "Number of pending work items per server",
		},
		[]string{"server_id"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchor_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_backups_total",
			Help: "Total number of volume backups by terminal status",
		},
		[]string{"status"},
	)

	SchedulerSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchor_scheduler_sweep_duration_seconds",
			Help:    "Duration of a scheduler sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)

func init() {
	prometheus.MustRegister(
		ServersTotal,
		ServicesTotal,
		DeploymentsTotal,
		RolloutsTotal,
		RolloutDuration,
		RolloutStageDuration,
		RolledBackTotal,
		WorkItemsEnqueuedTotal,
		WorkItemsCompletedTotal,
		WorkItemsFailedTotal,
		WorkQueueDepth,
		APIRequestsTotal,
		APIRequestDuration,
		BackupsTotal,
		SchedulerSweepDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
