package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request path metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aico_gateway_requests_total",
			Help: "Total requests by transport and outcome",
		},
		[]string{"transport", "status"},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aico_gateway_pipeline_stage_seconds",
			Help:    "Time spent in each pipeline plugin",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin"},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aico_gateway_active_sessions",
			Help: "Live encrypted session channels",
		},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aico_gateway_handshakes_total",
			Help: "Session handshakes by outcome",
		},
		[]string{"outcome"},
	)

	// Connection metrics
	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aico_gateway_active_connections",
			Help: "Open long-lived connections by transport",
		},
		[]string{"transport"},
	)

	// Bus metrics
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aico_gateway_bus_published_total",
			Help: "Messages published to the event bus by topic prefix",
		},
		[]string{"topic"},
	)

	// Scheduler metrics
	TaskExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aico_gateway_task_executions_total",
			Help: "Scheduled task executions by status",
		},
		[]string{"status"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aico_gateway_tasks_running",
			Help: "Task executions currently in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		PipelineStageDuration,
		ActiveSessions,
		HandshakesTotal,
		ActiveConnections,
		BusPublishedTotal,
		TaskExecutionsTotal,
		TasksRunning,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
