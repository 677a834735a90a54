package stream

import "github.com/prometheus/client_golang/prometheus"

// Metrics are optional collectors for a Manager. Nil fields are skipped.
type Metrics struct {
	ConnectionState *prometheus.GaugeVec   // labels: group
	Reconnects      *prometheus.CounterVec // labels: group, outcome
	EventsReceived  *prometheus.CounterVec // labels: event_type
	DroppedMessages *prometheus.CounterVec // labels: group
	HandlerErrors   *prometheus.CounterVec // labels: event_type
}

func (m *Metrics) setState(group string, s State) {
	if m == nil || m.ConnectionState == nil {
		return
	}
	m.ConnectionState.WithLabelValues(group).Set(float64(s))
}

func (m *Metrics) reconnect(group, outcome string) {
	if m == nil || m.Reconnects == nil {
		return
	}
	m.Reconnects.WithLabelValues(group, outcome).Inc()
}

func (m *Metrics) event(eventType string) {
	if m == nil || m.EventsReceived == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) dropped(group string) {
	if m == nil || m.DroppedMessages == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(group).Inc()
}

func (m *Metrics) handlerError(eventType string) {
	if m == nil || m.HandlerErrors == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(eventType).Inc()
}
