package jobs

import "github.com/prometheus/client_golang/prometheus"

// Metrics are optional collectors for an Orchestrator. Nil fields are skipped.
type Metrics struct {
	Submissions  *prometheus.CounterVec   // labels: kind, outcome
	WaitOutcomes *prometheus.CounterVec   // labels: outcome
	Polls        *prometheus.HistogramVec // labels: outcome
}

func (m *Metrics) submission(kind, outcome string) {
	if m == nil || m.Submissions == nil {
		return
	}
	m.Submissions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) waitOutcome(outcome string) {
	if m == nil || m.WaitOutcomes == nil {
		return
	}
	m.WaitOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) poll(outcome string, seconds float64) {
	if m == nil || m.Polls == nil {
		return
	}
	m.Polls.WithLabelValues(outcome).Observe(seconds)
}
