package realtime

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the backend's Prometheus collectors. Each Server owns its
// own registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections   prometheus.Gauge
	Rejected      *prometheus.CounterVec
	Commands      *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	RunsTotal     *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	FramesSent    *prometheus.CounterVec
	FramesDropped prometheus.Counter
}

// NewMetrics creates and registers the backend collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blackmoon_ws_connections",
			Help: "Number of connected terminal clients",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blackmoon_ws_rejected_total",
			Help: "Connections or commands refused by the backend",
		}, []string{"reason"}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blackmoon_commands_total",
			Help: "Commands received from clients",
		}, []string{"kind"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blackmoon_runs_active",
			Help: "Programs currently executing",
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blackmoon_runs_total",
			Help: "Finished runs by outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "blackmoon_run_duration_seconds",
			Help:    "Wall-clock duration of runs",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blackmoon_frames_sent_total",
			Help: "Frames queued to clients",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "blackmoon_frames_dropped_total",
			Help: "Frames dropped because a client's send buffer was full",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// runOutcome labels a finished run.
func runOutcome(exitCode int, stopped bool) string {
	switch {
	case stopped:
		return "stopped"
	case exitCode == 0:
		return "completed"
	default:
		return "failed"
	}
}
