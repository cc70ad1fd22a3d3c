package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity metrics
	PIVTokensTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrowd_pivtokens_total",
			Help: "Total number of PIV tokens in the fleet",
		},
	)

	RecoveryConfigsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrowd_recovery_configurations_total",
			Help: "Total number of recovery configurations by derived state",
		},
		[]string{"state"},
	)

	RecoveryTokensTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrowd_recovery_tokens_total",
			Help: "Total number of recovery tokens by liveness",
		},
		[]string{"state"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Worker metrics
	TransitionsPicked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_transitions_picked_total",
			Help: "Total number of transitions picked up by the worker",
		},
	)

	TransitionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_transitions_finished_total",
			Help: "Total number of transitions finished by result",
		},
		[]string{"result"},
	)

	AgentTasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_agent_tasks_submitted_total",
			Help: "Total number of tasks submitted to node agents",
		},
	)

	AgentTaskErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_agent_task_errors_total",
			Help: "Total number of per-target task failures",
		},
	)

	// Pruner metrics
	RowsPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_rows_pruned_total",
			Help: "Total number of rows removed by the pruner, by kind",
		},
		[]string{"kind"},
	)

	ConfigsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_configurations_swept_total",
			Help: "Total number of unused configurations auto-expired",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PIVTokensTotal)
	prometheus.MustRegister(RecoveryConfigsTotal)
	prometheus.MustRegister(RecoveryTokensTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(TransitionsPicked)
	prometheus.MustRegister(TransitionsFinished)
	prometheus.MustRegister(AgentTasksSubmitted)
	prometheus.MustRegister(AgentTaskErrors)
	prometheus.MustRegister(RowsPruned)
	prometheus.MustRegister(ConfigsSwept)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
