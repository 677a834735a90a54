package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("FOO", "")
	if got := GetEnv("FOO", "bar"); got != "bar" {
		t.Fatalf("expected bar, got %s", got)
	}
	t.Setenv("FOO", "baz")
	if got := GetEnv("FOO", "bar"); got != "baz" {
		t.Fatalf("expected baz, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("NUM", "")
	if got := GetEnvInt("NUM", 42); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("NUM", "100")
	if got := GetEnvInt("NUM", 42); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	t.Setenv("NUM", "notint")
	if got := GetEnvInt("NUM", 7); got != 7 {
		t.Fatalf("expected 7 on parse error, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("DELAY", "")
	if got := GetEnvDuration("DELAY", time.Second); got != time.Second {
		t.Fatalf("expected default, got %s", got)
	}
	t.Setenv("DELAY", "250ms")
	if got := GetEnvDuration("DELAY", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	t.Setenv("DELAY", "1500")
	if got := GetEnvDuration("DELAY", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("expected bare number as milliseconds, got %s", got)
	}
	t.Setenv("DELAY", "soon")
	if got := GetEnvDuration("DELAY", time.Second); got != time.Second {
		t.Fatalf("expected default on parse error, got %s", got)
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("BROKERS", " a:9092, ,b:9092 ")
	got := GetEnvList("BROKERS", nil)
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if GetLogLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
	t.Setenv("LOG_LEVEL", "WARN")
	if GetLogLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level")
	}
	t.Setenv("LOG_LEVEL", "")
	if GetLogLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default")
	}
}

func TestLoadEnvReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("RENDER_TEST_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RENDER_TEST_VALUE", "")

	LoadEnv(nil)

	if got := os.Getenv("RENDER_TEST_VALUE"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	for _, key := range []string{"RENDER_API_URL", "RENDER_STREAM_URL", "RENDER_API_KEY", "RENDER_RECONNECT_DELAY", "RENDER_MAX_RECONNECT_ATTEMPTS", "RENDER_POLL_INTERVAL", "RENDER_WAIT_TIMEOUT"} {
		t.Setenv(key, "")
	}
	s := LoadSettings()
	if s.ReconnectDelay != DefaultReconnectDelay || s.MaxReconnectAttempts != 10 {
		t.Fatalf("unexpected reconnect defaults: %+v", s)
	}
	if s.PollInterval != 5*time.Second || s.WaitTimeout != time.Hour {
		t.Fatalf("unexpected wait defaults: %+v", s)
	}
	if err := s.Validate(); err != ErrMissingAPIKey {
		t.Fatalf("expected missing api key, got %v", err)
	}

	t.Setenv("RENDER_API_KEY", "k")
	t.Setenv("RENDER_MAX_RECONNECT_ATTEMPTS", "3")
	s = LoadSettings()
	if s.MaxReconnectAttempts != 3 {
		t.Fatalf("expected override, got %d", s.MaxReconnectAttempts)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}
}
