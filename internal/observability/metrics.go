package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestrator
type Metrics struct {
	// Runs by operation kind and terminal state
	RunsTotal *prometheus.CounterVec

	// End-to-end run latency by operation kind and terminal state
	RunDuration *prometheus.HistogramVec

	// Step outcomes by tool and terminal outcome
	StepsTotal *prometheus.CounterVec

	// Step attempts beyond the first
	StepRetries prometheus.Counter

	// Blocking policy violations by severity
	PolicyViolations *prometheus.CounterVec

	// Compensating actions by result (ok, failed)
	CompensationsTotal *prometheus.CounterVec

	// HTTP request latency by method, route pattern, and status class
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors against reg. A nil reg falls back to a
// private registry, which keeps tests and partial wiring off the global one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ccp_runs_total",
			Help: "Total number of runs by operation and terminal state.",
		}, []string{"operation", "state"}),

		RunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccp_run_duration_seconds",
			Help:    "Histogram of end-to-end run latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation", "state"}),

		StepsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ccp_steps_total",
			Help: "Total number of executed steps by tool and outcome.",
		}, []string{"tool", "outcome"}),

		StepRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ccp_step_retries_total",
			Help: "Total number of step retry attempts.",
		}),

		PolicyViolations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ccp_policy_violations_total",
			Help: "Total number of policy violations by severity.",
		}, []string{"severity"}),

		CompensationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ccp_compensations_total",
			Help: "Total number of compensating actions by result.",
		}, []string{"result"}),

		HTTPDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccp_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),
	}
}
