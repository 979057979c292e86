// Package metrics exposes Prometheus collectors for the supervisor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's Prometheus collectors.
type Metrics struct {
	registry         prometheus.Registerer
	ContainersActive prometheus.Gauge
	ChannelsWaiting  prometheus.Gauge
	AgentRuns        *prometheus.CounterVec
	AgentRunDuration *prometheus.HistogramVec
	RetriesScheduled prometheus.Counter
	IPCPoisonFiles   prometheus.Counter
	TasksDispatched  prometheus.Counter
}

// New registers the supervisor collectors on reg (the default registerer
// when nil).
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		ContainersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "containers_active",
			Help:      "Number of agent containers currently running",
		}),
		ChannelsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_waiting",
			Help:      "Number of channels waiting on the global container cap",
		}),
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total number of agent invocations",
		}, []string{"status"}),
		AgentRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Duration of agent invocations",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Total number of message-check retries scheduled",
		}),
		IPCPoisonFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_poison_files_total",
			Help:      "Total number of IPC files quarantined",
		}),
		TasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of scheduled tasks dispatched",
		}),
	}

	reg.MustRegister(
		m.ContainersActive,
		m.ChannelsWaiting,
		m.AgentRuns,
		m.AgentRunDuration,
		m.RetriesScheduled,
		m.IPCPoisonFiles,
		m.TasksDispatched,
	)

	return m
}

// ObserveRun records a completed agent invocation.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	m.AgentRuns.WithLabelValues(status).Inc()
	m.AgentRunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Serve starts a blocking HTTP listener exposing /metrics.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
