package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rendernet/pkg/clients/stream"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// CheckHealth runs every check concurrently. The overall status is the worst
// individual result.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]CheckResult, len(checks))
	)
	for name, check := range checks {
		name, check := name, check
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := check()
			resMu.Lock()
			results[name] = result
			resMu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, result := range results {
		if severity(result.Status) > severity(overall) {
			overall = result.Status
		}
	}
	if severity(overall) > severity(StatusDegraded) {
		overall = StatusUnhealthy
	}

	return HealthStatus{
		Status:    overall,
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    results,
	}
}

// severity ranks statuses; anything unrecognised counts as unhealthy.
func severity(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Handler returns a gin handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// StreamView is the view of a stream manager a health check needs.
type StreamView interface {
	State() stream.State
	ReconnectAttempts() int
}

// StreamHealthCheck is healthy while connected, degraded while (re)connecting and
// unhealthy once the manager has given up.
func StreamHealthCheck(view StreamView) HealthCheck {
	return func() CheckResult {
		if view == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Stream manager is nil"}
		}
		switch state := view.State(); state {
		case stream.StateConnected:
			return CheckResult{Status: StatusHealthy, Message: "Event stream connected"}
		case stream.StateConnecting, stream.StateReconnecting:
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("Event stream %s (attempt %d)", state, view.ReconnectAttempts()),
			}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "Event stream disconnected"}
		}
	}
}

// Pinger is anything with a context-aware Ping, such as *kgo.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthCheck creates a health check for a dependency that can be pinged
func PingHealthCheck(name string, p Pinger) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		if p == nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s client is nil", name),
				Latency: time.Since(start).String(),
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := p.Ping(ctx)
		duration := time.Since(start)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s ping failed: %v", name, err),
				Latency: duration.String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%s connection healthy", name),
			Latency: duration.String(),
		}
	}
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }
