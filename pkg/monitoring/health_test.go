package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rendernet/pkg/clients/stream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamView struct {
	state    stream.State
	attempts int
}

func (p fakeStreamView) State() stream.State    { return p.state }
func (p fakeStreamView) ReconnectAttempts() int { return p.attempts }

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	status := hc.CheckHealth()
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "svc", status.Service)
}

func TestHealthChecker_WorstStatusWins(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	assert.Equal(t, StatusDegraded, hc.CheckHealth().Status)

	hc.AddCheck("odd", func() CheckResult { return CheckResult{Status: "unknown"} })
	assert.Equal(t, StatusUnhealthy, hc.CheckHealth().Status)
}

func TestStreamHealthCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, StreamHealthCheck(fakeStreamView{state: stream.StateConnected})().Status)

	res := StreamHealthCheck(fakeStreamView{state: stream.StateReconnecting, attempts: 3})()
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "attempt 3")

	assert.Equal(t, StatusUnhealthy, StreamHealthCheck(fakeStreamView{state: stream.StateDisconnected})().Status)
	assert.Equal(t, StatusUnhealthy, StreamHealthCheck(nil)().Status)
}

func TestPingHealthCheck(t *testing.T) {
	ok := PingHealthCheck("redis", PingerFunc(func(context.Context) error { return nil }))()
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingHealthCheck("kafka", PingerFunc(func(context.Context) error { return errors.New("no brokers") }))()
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Contains(t, bad.Message, "no brokers")

	assert.Equal(t, StatusUnhealthy, PingHealthCheck("kafka", nil)().Status)
}

func TestHealthHandler_ServiceUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("relay", "v1")
	hc.AddCheck("stream", StreamHealthCheck(fakeStreamView{state: stream.StateDisconnected}))

	router := gin.New()
	router.GET("/health", hc.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Checks["stream"].Status)
}

func TestMetricsCollector_ServesCustomMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mc := NewMetricsCollector("render-relay", "v1", "abc")
	_, reconnects, _, _, _ := mc.CreateStreamMetrics()
	reconnects.WithLabelValues("jobs", "scheduled").Inc()

	router := gin.New()
	router.Use(mc.MetricsMiddleware())
	router.GET("/metrics", mc.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `render_relay_stream_reconnects_total{group="jobs",outcome="scheduled"} 1`)
	assert.Contains(t, w.Body.String(), "render_relay_service_info")
}
