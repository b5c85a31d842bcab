package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_created_total", Help: "Jobs created"})
	JobVersions        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_versions_total", Help: "New job versions written"})
	QueueReflows       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_queue_reflows_total", Help: "Queue reflow operations"})
	ExecutionsStarted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_executions_started_total", Help: "Jobs handed off to execution"})
	LogLinesBuffered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "logs_lines_buffered_total", Help: "Log lines accepted by the ingestion pipeline"})
	LogFlushes         = prometheus.NewCounter(prometheus.CounterOpts{Name: "logs_flushes_total", Help: "Log buffer flushes"})
	LogFlushErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "logs_flush_errors_total", Help: "Log flushes that failed and were dropped"})
	BroadcastSends     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_sends_total", Help: "Events delivered to live subscribers"})
	BroadcastFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_failures_total", Help: "Subscriber sends that failed and evicted the connection"})
	SubscriberGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broadcast_subscribers", Help: "Live subscriber connections across all jobs"})
	ProbeSuccesses     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_probe_success_total", Help: "Agent health probes that succeeded"})
	ProbeFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_probe_failure_total", Help: "Agent health probes that failed"})
	AgentsMarkedOffline = prometheus.NewCounter(prometheus.CounterOpts{Name: "agents_marked_offline_total", Help: "Agents transitioned offline by the health monitor"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobVersions,
			QueueReflows,
			ExecutionsStarted,
			LogLinesBuffered,
			LogFlushes,
			LogFlushErrors,
			BroadcastSends,
			BroadcastFailures,
			SubscriberGauge,
			ProbeSuccesses,
			ProbeFailures,
			AgentsMarkedOffline,
		)
	})
	return promhttp.Handler()
}
