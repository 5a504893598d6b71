package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chris247474/nanoclaw/schema"
)

// Metrics implements the run, task and ipc observers on top of Prometheus
// collectors.
type Metrics struct {
	ContainersActive prometheus.Gauge
	ContainerRuns    *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	TaskRuns         *prometheus.CounterVec
	IPCRequests      *prometheus.CounterVec
	BreakerOpen      prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry that is never scraped.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ContainersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nanoclaw_containers_active",
			Help: "Number of agent containers currently running.",
		}),
		ContainerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nanoclaw_container_runs_total",
			Help: "Finished container runs by status and error kind.",
		}, []string{"status", "kind"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nanoclaw_container_run_duration_seconds",
			Help:    "Container run durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		TaskRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nanoclaw_scheduler_runs_total",
			Help: "Scheduled task runs by status.",
		}, []string{"status"}),
		IPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nanoclaw_ipc_requests_total",
			Help: "Mailbox files handled by type and outcome.",
		}, []string{"type", "outcome"}),
		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nanoclaw_chat_breaker_open",
			Help: "Chat transport circuit breaker state (0=closed, 1=open).",
		}),
	}
}

// ContainerStarted implements core.RunObserver.
func (m *Metrics) ContainerStarted(schema.GroupFolder) {
	if m == nil {
		return
	}
	m.ContainersActive.Inc()
}

// ContainerFinished implements core.RunObserver.
func (m *Metrics) ContainerFinished(run schema.RecentRun, kind schema.ErrorType) {
	if m == nil {
		return
	}
	m.ContainersActive.Dec()
	m.ContainerRuns.WithLabelValues(string(run.Status), string(kind)).Inc()
	m.RunDuration.WithLabelValues(string(run.Status)).Observe(float64(run.DurationMS) / 1000)
}

// TaskFinished implements core.TaskObserver.
func (m *Metrics) TaskFinished(_ schema.ScheduledTask, run schema.TaskRunLog) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(string(run.Status)).Inc()
}

// IPCHandled implements core.IPCObserver.
func (m *Metrics) IPCHandled(kind schema.IPCType, outcome string) {
	if m == nil {
		return
	}
	m.IPCRequests.WithLabelValues(string(kind), outcome).Inc()
}

// BreakerChanged records the chat transport breaker state.
func (m *Metrics) BreakerChanged(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}
