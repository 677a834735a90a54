package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"

	"rendernet/pkg/auth"
	"rendernet/pkg/clients"
	"rendernet/pkg/logging"
	"rendernet/pkg/version"
)

const maxResponseBytes = 8 << 20

// Requester is the generic request boundary the job orchestration layer is built on.
type Requester interface {
	Request(ctx context.Context, method, path string, body any, query url.Values) Result
}

// Config configures the REST client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  logging.Logger
}

// Client talks JSON to the marketplace REST API. Safe for concurrent use.
type Client struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	logger       logging.Logger
	httpExecutor failsafe.Executor[*http.Response]
	onceExecutor failsafe.Executor[*http.Response]
}

type Option func(*Client)

// NewClient creates a client with the default retry + circuit breaker executor.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  clients.NewHTTPClient(cfg.Timeout),
		logger:  logging.OrDiscard(cfg.Logger),
	}
	execCfg := clients.DefaultExecutorConfig("render-api")
	execCfg.Logger = c.logger
	c.setExecutors(clients.NewExecutors(execCfg))

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithExecutorConfig(cfg clients.ExecutorConfig) Option {
	return func(c *Client) {
		if cfg.Logger == nil {
			cfg.Logger = c.logger
		}
		c.setExecutors(clients.NewExecutors(cfg))
	}
}

// WithoutRetries sends every request exactly once.
func WithoutRetries() Option {
	return func(c *Client) {
		c.httpExecutor = nil
		c.onceExecutor = nil
	}
}

func (c *Client) setExecutors(e clients.Executors) {
	c.httpExecutor = e.Retrying
	c.onceExecutor = e.Once
}

type noRetryKey struct{}

// WithoutRetry marks requests made with ctx as single-attempt even when the
// method is idempotent. The circuit breaker still applies.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

// RetryDisabled reports whether ctx was marked by WithoutRetry.
func RetryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// executorFor picks the executor for one request. Non-idempotent methods are
// never replayed: a lost reply may still have created the resource.
func (c *Client) executorFor(ctx context.Context, method string) failsafe.Executor[*http.Response] {
	if clients.IsIdempotent(method) && !RetryDisabled(ctx) {
		return c.httpExecutor
	}
	return c.onceExecutor
}

// Request performs one logical call. It never returns a Go error and never panics
// on remote or transport failure; everything is folded into the Result.
func (c *Client) Request(ctx context.Context, method, path string, body any, query url.Values) Result {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return Failure(0, fmt.Sprintf("encode request body: %v", err))
		}
	}

	requestID := uuid.NewString()
	start := time.Now()

	var (
		lastStatus int
		lastBody   []byte
	)
	attempt := func() (*http.Response, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", version.UserAgent())
		req.Header.Set("X-Request-ID", requestID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", auth.BearerHeader(c.apiKey))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		lastStatus, lastBody = resp.StatusCode, data
		return resp, nil
	}

	var err error
	if executor := c.executorFor(ctx, method); executor == nil {
		_, err = attempt() //nolint:bodyclose // closed inside attempt
	} else {
		_, err = clients.ExecuteHTTP(ctx, executor, attempt) //nolint:bodyclose // closed inside attempt
	}

	fields := logging.Fields{
		"method":     method,
		"path":       path,
		"status":     lastStatus,
		"request_id": requestID,
		"duration":   time.Since(start),
	}

	if lastStatus == 0 {
		msg := describeTransportError(err)
		c.logger.WithFields(fields).WithError(err).Warn("render api request failed")
		return Failure(0, msg)
	}
	if lastStatus >= http.StatusBadRequest {
		c.logger.WithFields(fields).Debug("render api returned error status")
		return Failure(lastStatus, errorMessage(lastStatus, lastBody))
	}

	c.logger.WithFields(fields).Debug("render api request")
	return unwrapEnvelope(lastStatus, lastBody)
}

func describeTransportError(err error) string {
	switch {
	case err == nil:
		return "no response from render api"
	case errors.Is(err, clients.ErrCircuitOpen):
		return "render api unavailable: circuit breaker open"
	case errors.Is(err, context.DeadlineExceeded):
		return "render api request timed out"
	case errors.Is(err, context.Canceled):
		return "render api request cancelled"
	default:
		return fmt.Sprintf("render api request failed: %v", err)
	}
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// unwrapEnvelope accepts either {success,data,error} envelopes or bare JSON.
func unwrapEnvelope(status int, body []byte) Result {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return OK(status, nil)
	}
	if trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Success != nil {
			if !*env.Success {
				msg := env.Error
				if msg == "" {
					msg = env.Message
				}
				if msg == "" {
					msg = "request rejected"
				}
				return Failure(status, msg)
			}
			return OK(status, env.Data)
		}
	}
	return OK(status, json.RawMessage(trimmed))
}

func errorMessage(status int, body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 && !strings.HasPrefix(text, "<") {
		return text
	}
	return http.StatusText(status)
}
