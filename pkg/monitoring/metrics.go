package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a Prometheus registry for one service. The default
// registry (Go runtime, process and circuit breaker metrics) is served alongside it.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector for a service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Prometheus names may not contain hyphens
	sanitizedServiceName := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName: sanitizedServiceName,
		registry:    prometheus.NewRegistry(),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_connections",
			Help: "Number of active connections",
		},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	mc.registry.MustRegister(
		mc.httpRequestsTotal,
		mc.httpRequestDuration,
		mc.activeConnections,
		mc.serviceInfo,
	)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// Registry returns the collector's own registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(
		prometheus.Gatherers{mc.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	)
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

func (mc *MetricsCollector) name(metric string) string {
	return mc.serviceName + "_" + metric
}

// NewCounter registers a service-prefixed counter vec.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: mc.name(name), Help: help}, labels)
	mc.registry.MustRegister(vec)
	return vec
}

// NewGauge registers a service-prefixed gauge vec.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: mc.name(name), Help: help}, labels)
	mc.registry.MustRegister(vec)
	return vec
}

// NewHistogram registers a service-prefixed histogram vec; nil buckets use the
// Prometheus defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: mc.name(name), Help: help, Buckets: buckets}, labels)
	mc.registry.MustRegister(vec)
	return vec
}

// CreateStreamMetrics creates the event stream metrics
func (mc *MetricsCollector) CreateStreamMetrics() (
	*prometheus.GaugeVec, // stream_connection_state
	*prometheus.CounterVec, // stream_reconnects_total
	*prometheus.CounterVec, // stream_events_total
	*prometheus.CounterVec, // stream_dropped_messages_total
	*prometheus.CounterVec, // stream_handler_errors_total
) {
	state := mc.NewGauge("stream_connection_state", "Stream connection state (0=disconnected 1=connecting 2=connected 3=reconnecting)", []string{"group"})
	reconnects := mc.NewCounter("stream_reconnects_total", "Stream reconnect attempts by outcome", []string{"group", "outcome"})
	events := mc.NewCounter("stream_events_total", "Stream events received", []string{"event_type"})
	dropped := mc.NewCounter("stream_dropped_messages_total", "Malformed stream messages dropped", []string{"group"})
	handlerErrors := mc.NewCounter("stream_handler_errors_total", "Event handler errors and panics", []string{"event_type"})

	return state, reconnects, events, dropped, handlerErrors
}

// CreateJobMetrics creates the job orchestration metrics
func (mc *MetricsCollector) CreateJobMetrics() (
	*prometheus.CounterVec, // job_submissions_total
	*prometheus.CounterVec, // job_wait_outcomes_total
	*prometheus.HistogramVec, // job_poll_duration_seconds
) {
	submissions := mc.NewCounter("job_submissions_total", "Job submissions by kind and outcome", []string{"kind", "outcome"})
	waits := mc.NewCounter("job_wait_outcomes_total", "Wait-for-completion outcomes", []string{"outcome"})
	polls := mc.NewHistogram("job_poll_duration_seconds", "Job snapshot fetch duration", []string{"outcome"}, nil)

	return submissions, waits, polls
}

// CreateRelayMetrics creates the event relay metrics
func (mc *MetricsCollector) CreateRelayMetrics() *prometheus.CounterVec {
	return mc.NewCounter("relay_published_total", "Relayed events by sink and status", []string{"sink", "status"})
}
