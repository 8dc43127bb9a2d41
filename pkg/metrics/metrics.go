package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_nodes_total",
			Help: "Configured nodes by online status",
		},
		[]string{"status"},
	)

	DescriptorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_service_descriptors_total",
			Help: "Service replicas by last known state",
		},
		[]string{"state"},
	)

	FatalDescriptors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_service_descriptors_fatal",
			Help: "Service replicas flagged as unlaunchable",
		},
	)

	// Membership metrics
	ViewVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_membership_view_version",
			Help: "Version of the current membership view",
		},
	)

	ViewMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_membership_view_members",
			Help: "Members of the current view by kind",
		},
		[]string{"kind"},
	)

	// Controller metrics
	LaunchCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_launch_commands_total",
			Help: "Launch commands sent to node agents",
		},
	)

	ShutdownCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_shutdown_commands_total",
			Help: "Shutdown and delete commands sent to node agents",
		},
	)

	StatusUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_status_updates_total",
			Help: "Status reports received from node agents by outcome",
		},
		[]string{"outcome"},
	)

	ReconfigurationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_reconfigurations_total",
			Help: "Desired-state replacements by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	LaunchAllDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "colony_launch_all_duration_seconds",
			Help:    "Time taken by one launch reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Agent metrics
	ProcessRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_process_restarts_total",
			Help: "Automatic restarts of supervised processes",
		},
		[]string{"service"},
	)

	SupervisedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_supervised_processes",
			Help: "Processes currently supervised by this agent",
		},
	)

	HostCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_host_cpu_percent",
			Help: "Host CPU utilisation sampled by the agent",
		},
	)

	HostMemoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_host_memory_percent",
			Help: "Host memory utilisation sampled by the agent",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colony_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(DescriptorsTotal)
	prometheus.MustRegister(FatalDescriptors)
	prometheus.MustRegister(ViewVersion)
	prometheus.MustRegister(ViewMembers)
	prometheus.MustRegister(LaunchCommandsTotal)
	prometheus.MustRegister(ShutdownCommandsTotal)
	prometheus.MustRegister(StatusUpdatesTotal)
	prometheus.MustRegister(ReconfigurationsTotal)
	prometheus.MustRegister(LaunchAllDuration)
	prometheus.MustRegister(ProcessRestartsTotal)
	prometheus.MustRegister(SupervisedProcesses)
	prometheus.MustRegister(HostCPUPercent)
	prometheus.MustRegister(HostMemoryPercent)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled child of vec
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
