// Package metrics exposes the Prometheus collectors of the orchestration core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "essayflow"

// Metrics groups every collector recorded by the pipeline and orchestrator.
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: status (done|clarify|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn wall time in seconds.
	// Labels: status
	TurnDuration *prometheus.HistogramVec

	// StepCounter counts step results.
	// Labels: tool, status (success|validation_failed|execution_error)
	StepCounter *prometheus.CounterVec

	// BackendAttempts counts raw backend calls.
	// Labels: tool, outcome (ok|invalid|error)
	BackendAttempts *prometheus.CounterVec

	// InvokeDuration measures one pipeline invocation including retries.
	// Labels: tool
	InvokeDuration *prometheus.HistogramVec

	// ReplannedSteps counts steps added by replanning.
	ReplannedSteps prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses a private registry so
// repeated construction in tests never panics on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome status.",
		}, []string{"status"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn wall time by outcome status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		StepCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step results by tool and status.",
		}, []string{"tool", "status"}),
		BackendAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Raw backend calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		InvokeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_duration_seconds",
			Help:      "Pipeline invocation latency including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),
		ReplannedSteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replanned_steps_total",
			Help:      "Steps appended by replanning.",
		}),
	}
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveStep records one step result.
func (m *Metrics) ObserveStep(tool, status string) {
	if m == nil {
		return
	}
	m.StepCounter.WithLabelValues(tool, status).Inc()
}

// ObserveAttempt records one backend call.
func (m *Metrics) ObserveAttempt(tool, outcome string) {
	if m == nil {
		return
	}
	m.BackendAttempts.WithLabelValues(tool, outcome).Inc()
}

// ObserveInvoke records one pipeline invocation.
func (m *Metrics) ObserveInvoke(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvokeDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// AddReplanned records steps appended by replanning.
func (m *Metrics) AddReplanned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplannedSteps.Add(float64(n))
}
