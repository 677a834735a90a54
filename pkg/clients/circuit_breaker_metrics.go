package clients

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// breakerState values: 0=closed, 1=half-open, 2=open
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rendernet_circuit_breaker_state",
			Help: "Current state of the upstream circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rendernet_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

func init() {
	prometheus.MustRegister(breakerState)
	prometheus.MustRegister(breakerTransitions)
}

// RecordBreakerState sets the state gauge for a named breaker.
func RecordBreakerState(name string, state BreakerState) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTransition counts a transition and updates the gauge.
func RecordBreakerTransition(name string, from, to BreakerState) {
	breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	RecordBreakerState(name, to)
}
