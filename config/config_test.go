package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `marketstream:
  name: "TestApp"
  version: "1.0"
manager:
  resume_delay: 250ms
venues:
  binance:
    ping_interval: 15s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketstream.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Marketstream.Name)
	}
	if cfg.Manager.ResumeDelay != 250*time.Millisecond {
		t.Errorf("unexpected resume delay: %s", cfg.Manager.ResumeDelay)
	}
	if cfg.Venues.Binance.PingInterval != 15*time.Second {
		t.Errorf("unexpected ping interval: %s", cfg.Venues.Binance.PingInterval)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `marketstream:
  name: "TestApp"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Venues.Binance.URL == "" || cfg.Venues.Kraken.URL == "" {
		t.Error("expected default venue URLs")
	}
	if cfg.Manager.ResumeDelay != 500*time.Millisecond {
		t.Errorf("unexpected default resume delay: %s", cfg.Manager.ResumeDelay)
	}
	if cfg.Manager.BufferLimit != 4096 {
		t.Errorf("unexpected default buffer limit: %d", cfg.Manager.BufferLimit)
	}
	if cfg.Venues.Kraken.Backoff.Initial != time.Second || cfg.Venues.Kraken.Backoff.Max != 30*time.Second {
		t.Errorf("unexpected default backoff: %+v", cfg.Venues.Kraken.Backoff)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("WS_URL", "wss://example.com/stream")
	path := writeTempConfig(t, `venues:
  binance:
    url: "${WS_URL}"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Venues.Binance.URL != "wss://example.com/stream" {
		t.Errorf("env var not expanded: %s", cfg.Venues.Binance.URL)
	}
}

func TestLoadConfigInvalidBackoff(t *testing.T) {
	path := writeTempConfig(t, `venues:
  kraken:
    backoff:
      initial: 1m
      max: 5s
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for initial > max backoff")
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv(appEnvVar, "")
	if env := AppEnvironment(); env != environmentDevelopment {
		t.Errorf("default environment = %q", env)
	}
	t.Setenv(appEnvVar, "prod")
	if env := AppEnvironment(); env != environmentProduction {
		t.Errorf("alias not resolved: %q", env)
	}
	if !IsProductionLike(environmentStaging) {
		t.Error("staging should be production-like")
	}
	if IsProductionLike(environmentDevelopment) {
		t.Error("development should not be production-like")
	}
}
