package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExecutionsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_executions_created_total", Help: "Executions created through the API"})
	ExecutionsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_executions_duplicate_total", Help: "Creation requests that matched an existing execution"})
	ExecutionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_executions_completed_total", Help: "Executions that dispatched successfully"})
	ExecutionsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_executions_failed_total", Help: "Executions that ended in a fatal error"})
	InvocationRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_invocation_retries_total", Help: "Invocations abandoned on infrastructure errors and rescheduled"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_rate_limit_rejects_total", Help: "Creation requests rejected by rate limiter"})
	TimersScheduled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_timers_scheduled_total", Help: "Durable timers armed"})
	StepReplays         = prometheus.NewCounter(prometheus.CounterOpts{Name: "wake_step_replays_total", Help: "Steps answered from the step log instead of executing"})

	WakeActions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "wake_actions_total", Help: "Wake actions by host state"}, []string{"state"})
	ReadinessProbes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "wake_readiness_probes_total", Help: "Readiness probes by result"}, []string{"result"})
	DispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "wake_dispatch_total", Help: "Dispatch calls by status class"}, []string{"class"})

	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "wake_invocations_inflight", Help: "Executions currently leased by a worker"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "wake_queue_depth", Help: "Executions ready to be invoked"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExecutionsCreated,
			ExecutionsDuplicate,
			ExecutionsCompleted,
			ExecutionsFailed,
			InvocationRetries,
			RateLimitRejects,
			TimersScheduled,
			StepReplays,
			WakeActions,
			ReadinessProbes,
			DispatchOutcomes,
			InFlightGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}

// StatusClass buckets an HTTP status for metric labels.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
