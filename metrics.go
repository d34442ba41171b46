package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "jobqueue"

// Metrics are the worker's Prometheus collectors.
type Metrics struct {
	Claimed          prometheus.Counter
	Resolved         *prometheus.CounterVec
	PollErrors       prometheus.Counter
	ResolveErrors    prometheus.Counter
	InFlight         prometheus.Gauge
	HandlerDuration  *prometheus.HistogramVec
	KeepAlivesPushed prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed from the queue.",
		}),
		Resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_resolved_total",
			Help:      "Jobs resolved by outcome.",
		}, []string{"kind", "outcome"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_errors_total",
			Help:      "Polls that failed against the store.",
		}),
		ResolveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resolve_errors_total",
			Help:      "Complete or fail calls that failed against the store.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "handlers_in_flight",
			Help:      "Handlers currently running.",
		}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in job handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		KeepAlivesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keep_alives_pushed_total",
			Help:      "Keep-alive jobs pushed after empty polls.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Claimed,
			m.Resolved,
			m.PollErrors,
			m.ResolveErrors,
			m.InFlight,
			m.HandlerDuration,
			m.KeepAlivesPushed,
		)
	}

	return m
}
