package config

import (
	"errors"
	"time"
)

// Settings holds everything a client needs to talk to the marketplace.
type Settings struct {
	APIURL               string
	StreamURL            string
	APIKey               string
	RequestTimeout       time.Duration
	MaxRetries           int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PollInterval         time.Duration
	WaitTimeout          time.Duration
}

const (
	DefaultAPIURL               = "https://api.rendernetwork.com/v1"
	DefaultStreamURL            = "wss://stream.rendernetwork.com"
	DefaultRequestTimeout       = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPollInterval         = 5 * time.Second
	DefaultWaitTimeout          = time.Hour
)

// ErrMissingAPIKey is returned by Validate when no credential is configured.
var ErrMissingAPIKey = errors.New("RENDER_API_KEY is not set")

// LoadSettings reads RENDER_* variables, falling back to defaults.
func LoadSettings() Settings {
	return Settings{
		APIURL:               GetEnv("RENDER_API_URL", DefaultAPIURL),
		StreamURL:            GetEnv("RENDER_STREAM_URL", DefaultStreamURL),
		APIKey:               GetEnv("RENDER_API_KEY", ""),
		RequestTimeout:       GetEnvDuration("RENDER_REQUEST_TIMEOUT", DefaultRequestTimeout),
		MaxRetries:           GetEnvInt("RENDER_MAX_RETRIES", DefaultMaxRetries),
		ReconnectDelay:       GetEnvDuration("RENDER_RECONNECT_DELAY", DefaultReconnectDelay),
		MaxReconnectAttempts: GetEnvInt("RENDER_MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts),
		PollInterval:         GetEnvDuration("RENDER_POLL_INTERVAL", DefaultPollInterval),
		WaitTimeout:          GetEnvDuration("RENDER_WAIT_TIMEOUT", DefaultWaitTimeout),
	}
}

// Validate reports configuration that would make every call fail.
func (s Settings) Validate() error {
	if s.APIKey == "" {
		return ErrMissingAPIKey
	}
	if s.APIURL == "" || s.StreamURL == "" {
		return errors.New("api and stream URLs must be set")
	}
	return nil
}
