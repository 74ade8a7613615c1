// Package metrics holds the Prometheus collectors of the gateway. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deskgate"

type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	PollAttempts       prometheus.Counter
	Dispatches         *prometheus.CounterVec
	DispatchRetries    prometheus.Counter
	DispatchDuration   *prometheus.HistogramVec
	AgentSteps         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Desktop session status transitions.",
		}, []string{"from", "to"}),
		PollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_poll_attempts_total",
			Help:      "Provisioning status probes made while waiting for readiness.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched actions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Dispatch attempts repeated after a transport failure.",
		}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to complete one dispatched action.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		AgentSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_steps_total",
			Help:      "Model steps taken by the agent loop.",
		}, []string{"provider"}),
	}
	reg.MustRegister(
		m.SessionTransitions,
		m.PollAttempts,
		m.Dispatches,
		m.DispatchRetries,
		m.DispatchDuration,
		m.AgentSteps,
	)
	return m
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Poll() {
	if m == nil {
		return
	}
	m.PollAttempts.Inc()
}

func (m *Metrics) Dispatch(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kind, outcome).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.DispatchRetries.Inc()
}

func (m *Metrics) Step(provider string) {
	if m == nil {
		return
	}
	m.AgentSteps.WithLabelValues(provider).Inc()
}
