package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

//nolint:bodyclose // test responses have no body
func TestNewRetryPolicy_NormalizesNegativeRetries(t *testing.T) {
	policy := NewRetryPolicy(ExecutorConfig{MaxRetries: -3})

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("network partition")
	})
	if err == nil {
		t.Fatal("expected request to fail")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a single attempt with negative retries, got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestNewRetryPolicy_RetriesUpToLimit(t *testing.T) {
	policy := NewRetryPolicy(ExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	})

	var attempts int32
	resp, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return &http.Response{StatusCode: http.StatusBadGateway}, nil
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestDefaultShouldRetry(t *testing.T) {
	cases := map[int]bool{
		http.StatusOK:                  false,
		http.StatusNotFound:            false,
		http.StatusBadRequest:          false,
		http.StatusTooManyRequests:     true,
		http.StatusServiceUnavailable:  true,
		http.StatusInternalServerError: true,
	}
	for code, want := range cases {
		if got := DefaultShouldRetry(&http.Response{StatusCode: code}, nil); got != want {
			t.Errorf("status %d: expected %v, got %v", code, want, got)
		}
	}
	if !DefaultShouldRetry(nil, errors.New("boom")) {
		t.Fatal("expected network errors to be retried")
	}
}

func TestExecuteHTTP_AgainstServer(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultExecutorConfig("test-execute")
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	executor := NewExecutor(cfg)

	resp, err := ExecuteHTTP(context.Background(), executor, func() (*http.Response, error) {
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		if err != nil {
			return nil, err
		}
		return server.Client().Do(req)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected one retry, got %d hits", hits)
	}
}

//nolint:bodyclose // test responses have no body
func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test-open", BreakerConfig{
		FailureThreshold:  2,
		FailureExecutions: 2,
		Delay:             time.Minute,
	}, nil)
	exec := failsafe.With(cb)

	for i := 0; i < 2; i++ {
		_, _ = exec.Get(func() (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusInternalServerError}, nil
		})
	}
	if !cb.IsOpen() {
		t.Fatal("expected breaker to be open")
	}

	called := false
	_, err := exec.Get(func() (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if called {
		t.Fatal("expected open breaker to reject the call")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerStateString(t *testing.T) {
	if BreakerOpen.String() != "open" || BreakerHalfOpen.String() != "half-open" || BreakerClosed.String() != "closed" {
		t.Fatal("unexpected state names")
	}
}

func TestIsIdempotent(t *testing.T) {
	cases := map[string]bool{
		http.MethodGet:     true,
		"get":              true,
		http.MethodHead:    true,
		http.MethodOptions: true,
		http.MethodPost:    false,
		http.MethodPut:     false,
		http.MethodPatch:   false,
		http.MethodDelete:  false,
	}
	for method, want := range cases {
		if got := IsIdempotent(method); got != want {
			t.Fatalf("IsIdempotent(%q) = %v, want %v", method, got, want)
		}
	}
}

//nolint:bodyclose // test responses have no body
func TestNewExecutors_OnceDoesNotRetry(t *testing.T) {
	cfg := DefaultExecutorConfig("once-test")
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	execs := NewExecutors(cfg)

	var attempts int32
	_, _ = execs.Once.Get(func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return &http.Response{StatusCode: http.StatusBadGateway}, nil
	})
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}
