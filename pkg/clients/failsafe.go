package clients

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"rendernet/pkg/logging"
)

// BreakerState mirrors the failsafe-go circuit states for logs and metrics.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

func convertState(state circuitbreaker.State) BreakerState {
	switch state {
	case circuitbreaker.HalfOpenState:
		return BreakerHalfOpen
	case circuitbreaker.OpenState:
		return BreakerOpen
	default:
		return BreakerClosed
	}
}

// ErrCircuitOpen is returned by executors whose breaker is open.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// BreakerConfig configures the HTTP circuit breaker.
type BreakerConfig struct {
	// FailureThreshold failures within FailureExecutions executions trip the breaker.
	FailureThreshold  uint
	FailureExecutions uint
	// Delay is how long the breaker stays open before probing.
	Delay            time.Duration
	SuccessThreshold uint
}

// DefaultBreakerConfig trips at 5 failures out of the last 10 calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		FailureExecutions: 10,
		Delay:             15 * time.Second,
		SuccessThreshold:  1,
	}
}

// ExecutorConfig configures retries and the optional breaker for one upstream.
type ExecutorConfig struct {
	// Name labels breaker logs and metrics
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// ShouldRetry decides whether a response or error is retried; it also marks
	// breaker failures.
	ShouldRetry func(resp *http.Response, err error) bool

	// Breaker is nil to disable the circuit breaker
	Breaker *BreakerConfig
	Logger  logging.Logger
}

// DefaultExecutorConfig returns three retries with 100ms..5s backoff and a breaker.
func DefaultExecutorConfig(name string) ExecutorConfig {
	breaker := DefaultBreakerConfig()
	return ExecutorConfig{
		Name:        name,
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		ShouldRetry: DefaultShouldRetry,
		Breaker:     &breaker,
	}
}

// DefaultShouldRetry retries on network errors, 5xx gateway-ish statuses and 429.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func normalizeExecutorConfig(cfg ExecutorConfig) ExecutorConfig {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	return cfg
}

// NewRetryPolicy builds the jittered exponential backoff policy.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewRetryPolicy(cfg ExecutorConfig) retrypolicy.RetryPolicy[*http.Response] {
	cfg = normalizeExecutorConfig(cfg)
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(cfg.ShouldRetry).
		Build()
}

// NewCircuitBreaker builds a breaker that counts errors and 5xx responses as failures
// and reports transitions to the log and to prometheus.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewCircuitBreaker(name string, cfg BreakerConfig, logger logging.Logger) circuitbreaker.CircuitBreaker[*http.Response] {
	def := DefaultBreakerConfig()
	if cfg.FailureExecutions == 0 {
		cfg.FailureExecutions = def.FailureExecutions
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.FailureExecutions {
		cfg.FailureThreshold = (cfg.FailureExecutions + 1) / 2
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	RecordBreakerState(name, BreakerClosed)
	return circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureExecutions).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := convertState(event.OldState), convertState(event.NewState)
			RecordBreakerTransition(name, from, to)
			if logger != nil {
				logger.WithFields(logging.Fields{
					"circuit_breaker": name,
					"from_state":      from.String(),
					"to_state":        to.String(),
				}).Warn("circuit breaker state change")
			}
		}).
		Build()
}

// NewExecutor combines the retry policy with the optional breaker. Retries wrap
// the breaker, so an open circuit short-circuits every remaining attempt.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewExecutor(cfg ExecutorConfig) failsafe.Executor[*http.Response] {
	return NewExecutors(cfg).Retrying
}

// Executors share one breaker between a retrying executor and a single-attempt
// executor for requests that must not be replayed.
type Executors struct {
	Retrying failsafe.Executor[*http.Response]
	Once     failsafe.Executor[*http.Response]
}

// NewExecutors builds both executors for one upstream.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewExecutors(cfg ExecutorConfig) Executors {
	cfg = normalizeExecutorConfig(cfg)
	retry := NewRetryPolicy(cfg)
	if cfg.Breaker == nil {
		return Executors{
			Retrying: failsafe.With(retry),
			Once:     failsafe.With[*http.Response](),
		}
	}
	breaker := NewCircuitBreaker(cfg.Name, *cfg.Breaker, cfg.Logger)
	return Executors{
		Retrying: failsafe.With(retry, breaker),
		Once:     failsafe.With(breaker),
	}
}

// IsIdempotent reports whether a request with method may be sent again after an
// ambiguous failure.
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// ExecuteHTTP runs fn through the executor, bound to ctx.
func ExecuteHTTP(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}
