package render

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Result is the uniform outcome of every REST call. Failures are carried as data
// (Success=false, Error set); callers branch on Success rather than on a Go error.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"-"`
}

// OK builds a successful result.
func OK(status int, data json.RawMessage) Result {
	return Result{Success: true, Data: data, StatusCode: status}
}

// Failure builds a failed result.
func Failure(status int, msg string) Result {
	return Result{Success: false, Error: msg, StatusCode: status}
}

// NotFound reports whether the remote answered 404.
func (r Result) NotFound() bool {
	return !r.Success && r.StatusCode == http.StatusNotFound
}

// Decode unmarshals Data into v. It is an error to decode a failed result.
func (r Result) Decode(v any) error {
	if !r.Success {
		return r.Err()
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Err converts a failed result into an *APIError, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &APIError{StatusCode: r.StatusCode, Message: r.Error}
}

// APIError is the error form of a failed Result.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("render api returned status %d: %s", e.StatusCode, e.Message)
}
